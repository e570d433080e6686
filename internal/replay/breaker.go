package replay

import (
	"context"

	"rabbitforce/pkg/circuitbreaker"
	"rabbitforce/pkg/errors"
	"rabbitforce/pkg/models"
)

// BreakerStore guards a backend with a circuit breaker so that a dead
// Redis doesn't add a network timeout to every received message. An open
// breaker surfaces as a replay storage error and the configured error
// policy decides what happens next.
type BreakerStore struct {
	store Store
	cb    *circuitbreaker.Wrapper
}

func NewBreakerStore(store Store) *BreakerStore {
	return &BreakerStore{
		store: store,
		cb:    circuitbreaker.NewWrapper(circuitbreaker.DefaultConfig("replay-storage")),
	}
}

func (s *BreakerStore) Get(ctx context.Context, org, channel string) (*models.ReplayMarker, error) {
	result, err := s.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return s.store.Get(ctx, org, channel)
	})
	if err != nil {
		if errors.IsReplayStorage(err) {
			return nil, err
		}
		return nil, errors.ErrReplayStorage.
			WithMessage("replay storage unavailable").
			WithCause(err)
	}
	marker, _ := result.(*models.ReplayMarker)
	return marker, nil
}

func (s *BreakerStore) Set(ctx context.Context, org, channel string, marker models.ReplayMarker) error {
	_, err := s.cb.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, s.store.Set(ctx, org, channel, marker)
	})
	if err != nil {
		if errors.IsReplayStorage(err) {
			return err
		}
		return errors.ErrReplayStorage.
			WithMessage("replay storage unavailable").
			WithCause(err)
	}
	return nil
}

func (s *BreakerStore) Close() error {
	return s.store.Close()
}
