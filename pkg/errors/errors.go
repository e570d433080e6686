package errors

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration   = NewError("CONFIGURATION", "invalid configuration")
	ErrAuth            = NewError("AUTH", "authentication failed")
	ErrSourceTransient = NewError("SOURCE_TRANSIENT", "transient streaming failure")
	ErrSourceFatal     = NewError("SOURCE_FATAL", "permanent streaming failure")
	ErrReplayStorage   = NewError("REPLAY_STORAGE", "replay storage failure")
	ErrSinkNetwork     = NewError("SINK_NETWORK", "sink network failure")
	ErrRouting         = NewError("ROUTING", "message routing failure")
)

// Codes whose errors are worth retrying by default. Everything else is
// treated as permanent.
var retryableCodes = map[string]bool{
	ErrSourceTransient.Code: true,
	ErrReplayStorage.Code:   true,
	ErrSinkNetwork.Code:     true,
}

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
	}
	return retryableCodes[e.Code]
}

func (e *Error) IsFatal() bool {
	return !e.IsRetryable()
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	err := *e
	err.Message = fmt.Sprintf(format, args...)
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	err.Details = details
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

func HasCode(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func IsConfiguration(err error) bool {
	return HasCode(err, ErrConfiguration.Code)
}

func IsSourceFatal(err error) bool {
	return HasCode(err, ErrSourceFatal.Code)
}

func IsReplayStorage(err error) bool {
	return HasCode(err, ErrReplayStorage.Code)
}

func IsSinkNetwork(err error) bool {
	return HasCode(err, ErrSinkNetwork.Code)
}

func IsRetryable(err error) bool {
	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}
	return false
}
