package replay

import (
	"context"

	"rabbitforce/internal/logger"
	"rabbitforce/pkg/metrics"
	"rabbitforce/pkg/models"
)

// Store records the last replay marker seen per (org, channel). The marker
// is written on receive, before the message is offered to the router, so a
// restart resumes from the newest id Salesforce delivered.
type Store interface {
	Get(ctx context.Context, org, channel string) (*models.ReplayMarker, error)
	Set(ctx context.Context, org, channel string, marker models.ReplayMarker) error
	Close() error
}

// NullStore provides no durability. Clients subscribe with the configured
// replay fallback on every start.
type NullStore struct{}

func NewNullStore() *NullStore {
	return &NullStore{}
}

func (s *NullStore) Get(ctx context.Context, org, channel string) (*models.ReplayMarker, error) {
	return nil, nil
}

func (s *NullStore) Set(ctx context.Context, org, channel string, marker models.ReplayMarker) error {
	return nil
}

func (s *NullStore) Close() error {
	return nil
}

// IgnoringStore swallows backend failures, logging them and keeping the
// pipeline alive. Gets degrade to "no marker stored" and sets become
// no-ops until the backend recovers.
type IgnoringStore struct {
	store Store
	log   logger.Logger
}

func NewIgnoringStore(store Store, log logger.Logger) *IgnoringStore {
	return &IgnoringStore{store: store, log: log}
}

func (s *IgnoringStore) Get(ctx context.Context, org, channel string) (*models.ReplayMarker, error) {
	marker, err := s.store.Get(ctx, org, channel)
	if err != nil {
		metrics.ReplayStorageErrorsTotal.Inc()
		s.log.Warnw("Ignoring replay storage read failure",
			"org", org,
			"channel", channel,
			"error", err,
		)
		return nil, nil
	}
	return marker, nil
}

func (s *IgnoringStore) Set(ctx context.Context, org, channel string, marker models.ReplayMarker) error {
	if err := s.store.Set(ctx, org, channel, marker); err != nil {
		metrics.ReplayStorageErrorsTotal.Inc()
		s.log.Warnw("Ignoring replay storage write failure",
			"org", org,
			"channel", channel,
			"replay_id", marker.ReplayID,
			"error", err,
		)
	}
	return nil
}

func (s *IgnoringStore) Close() error {
	return s.store.Close()
}
