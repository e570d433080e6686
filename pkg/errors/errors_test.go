package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCodesDriveRetryability(t *testing.T) {
	assert.True(t, ErrSourceTransient.IsRetryable())
	assert.True(t, ErrReplayStorage.IsRetryable())
	assert.True(t, ErrSinkNetwork.IsRetryable())

	assert.False(t, ErrConfiguration.IsRetryable())
	assert.False(t, ErrAuth.IsRetryable())
	assert.False(t, ErrSourceFatal.IsRetryable())
	assert.False(t, ErrRouting.IsRetryable())
}

func TestAsRetryableOverridesCode(t *testing.T) {
	err := ErrAuth.WithMessage("token expired").AsRetryable()
	assert.True(t, err.IsRetryable())
	assert.False(t, err.IsFatal())

	err = ErrSinkNetwork.WithMessage("gave up").AsFatal()
	assert.False(t, err.IsRetryable())
	assert.True(t, err.IsFatal())
}

func TestWithCausePreservesChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrSinkNetwork.WithMessage("publish failed").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "SINK_NETWORK")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWithHelpersDoNotMutateBase(t *testing.T) {
	derived := ErrConfiguration.WithMessage("bad file").WithDetail("file", "config.yaml")
	assert.Equal(t, "invalid configuration", ErrConfiguration.Message)
	assert.Empty(t, ErrConfiguration.Details)
	assert.Equal(t, "bad file", derived.Message)
}

func TestHasCode(t *testing.T) {
	err := ErrReplayStorage.WithMessage("redis gone")
	assert.True(t, HasCode(err, ErrReplayStorage.Code))
	assert.True(t, IsReplayStorage(err))
	assert.False(t, IsConfiguration(err))

	assert.False(t, HasCode(errors.New("plain"), ErrReplayStorage.Code))
}

func TestIsRetryableOnPlainErrors(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}
