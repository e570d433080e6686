package source

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"rabbitforce/internal/constants"
	"rabbitforce/internal/logger"
	"rabbitforce/internal/replay"
	"rabbitforce/internal/salesforce"
	"rabbitforce/internal/salesforce/streaming"
	"rabbitforce/pkg/errors"
	"rabbitforce/pkg/models"
)

// streamingClient is the slice of the streaming client the manager drives.
type streamingClient interface {
	Run(ctx context.Context) error
	Messages() <-chan map[string]interface{}
	State() streaming.State
}

// orgSource is one org's client together with the provisioner that owns
// its streaming resources.
type orgSource struct {
	name        string
	client      streamingClient
	provisioner *salesforce.Provisioner
}

// Manager owns the streaming clients and fans their messages into a single
// bounded envelope stream. Before an envelope is emitted its replay marker
// is persisted, so the store is always at least as fresh as anything the
// router has seen.
type Manager struct {
	store    replay.Store
	fallback int64
	log      logger.Logger

	sources   []orgSource
	envelopes chan models.Envelope
}

func NewManager(store replay.Store, fallback int64, log logger.Logger) *Manager {
	return &Manager{
		store:     store,
		fallback:  fallback,
		log:       log,
		envelopes: make(chan models.Envelope, constants.EnvelopeQueueSize),
	}
}

// Add registers an org's client. All Add calls must happen before Run.
func (m *Manager) Add(name string, client streamingClient, provisioner *salesforce.Provisioner) {
	m.sources = append(m.sources, orgSource{
		name:        name,
		client:      client,
		provisioner: provisioner,
	})
}

// Envelopes is the fan-in stream consumed by the pipeline. It is closed
// when every client has terminated.
func (m *Manager) Envelopes() <-chan models.Envelope {
	return m.envelopes
}

// ReplayID builds the per-channel replay id lookup a client subscribes
// with: the stored marker if one exists, the configured fallback
// otherwise.
func (m *Manager) ReplayID(org string) streaming.ReplayIDFunc {
	return func(ctx context.Context, channel string) (int64, error) {
		marker, err := m.store.Get(ctx, org, channel)
		if err != nil {
			return 0, err
		}
		if marker != nil {
			return marker.ReplayID, nil
		}
		return m.fallback, nil
	}
}

// Run pumps every client until ctx is cancelled or all clients have
// failed. A single failing org does not stop the others; the stream ends
// with an error only when no source is left alive or a replay storage
// failure escapes the error policy. Resource teardown runs after the
// clients have disconnected.
func (m *Manager) Run(ctx context.Context) error {
	// LIFO: the stream closes first so the pipeline can drain, then the
	// non-durable resources are deleted.
	defer m.teardown()
	defer close(m.envelopes)

	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var clientErrs []error

	for _, src := range m.sources {
		src := src
		g.Go(func() error {
			runDone := make(chan error, 1)
			go func() {
				runDone <- src.client.Run(gctx)
			}()

			// A pump error cancels the group, which stops the client;
			// its goroutine drains into the buffered channel.
			if err := m.pump(gctx, src); err != nil {
				return err
			}

			if err := <-runDone; err != nil {
				mu.Lock()
				clientErrs = append(clientErrs, err)
				mu.Unlock()
				m.log.Errorw("Message source terminated",
					"org", src.name,
					"error", err,
				)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if len(clientErrs) == len(m.sources) && len(m.sources) > 0 {
		return errors.ErrSourceFatal.
			WithMessage("all message sources failed").
			WithCause(clientErrs[0])
	}
	return nil
}

// pump drains one client's messages into the shared stream. The replay
// marker is persisted synchronously before emission; a persistence failure
// is fatal unless the store is configured to swallow it.
func (m *Manager) pump(ctx context.Context, src orgSource) error {
	for msg := range src.client.Messages() {
		envelope := models.Envelope{OrgName: src.name, Message: msg}

		if marker, ok := envelope.Marker(); ok && marker.CreatedDate != "" {
			if err := m.store.Set(ctx, src.name, envelope.Channel(), marker); err != nil {
				return err
			}
		}

		select {
		case m.envelopes <- envelope:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func (m *Manager) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultHTTPTimeout)
	defer cancel()

	seen := make(map[*salesforce.Provisioner]bool, len(m.sources))
	for _, src := range m.sources {
		if src.provisioner == nil || seen[src.provisioner] {
			continue
		}
		seen[src.provisioner] = true
		src.provisioner.Teardown(ctx)
	}
}
