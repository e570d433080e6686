package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"rabbitforce/internal/config"
	"rabbitforce/internal/constants"
	"rabbitforce/internal/logger"
	"rabbitforce/internal/pipeline"
	"rabbitforce/internal/replay"
	"rabbitforce/internal/router"
	"rabbitforce/internal/salesforce"
	"rabbitforce/internal/salesforce/streaming"
	"rabbitforce/internal/sink"
	"rabbitforce/internal/source"
	"rabbitforce/pkg/health"
	"rabbitforce/pkg/metrics"
	"rabbitforce/pkg/retry"
)

// Options are the CLI flags that tune the error policy and reconnection
// budget.
type Options struct {
	IgnoreReplayStorageErrors bool
	IgnoreSinkErrors          bool
	SourceConnectionTimeout   int
}

// App wires the components together in dependency order: replay store,
// auth and provisioning per org, sinks, router, sources, pipeline.
// Anything that fails before the pipeline is up aborts startup and the
// already initialized components are closed in reverse order.
type App struct {
	cfg  *config.Config
	opts Options
	log  logger.Logger

	store       replay.Store
	redisStore  *replay.RedisStore
	sinkManager *sink.Manager
	router      *router.Router
	sources     *source.Manager
	pipeline    *pipeline.Pipeline
	server      *http.Server
}

func NewApp(cfg *config.Config, opts Options, log logger.Logger) *App {
	return &App{cfg: cfg, opts: opts, log: log}
}

func (a *App) Initialize(ctx context.Context) error {
	metrics.Register()

	if err := a.initReplayStore(); err != nil {
		return err
	}

	provisioners := make(map[string]*salesforce.Provisioner, len(a.cfg.Source.Orgs))
	authenticators := make(map[string]*salesforce.Authenticator, len(a.cfg.Source.Orgs))

	// On any startup failure past this point the resources provisioned so
	// far are torn down again, so an aborted start leaves nothing behind.
	closePartial := func(ctx context.Context) {
		for _, prov := range provisioners {
			prov.Teardown(ctx)
		}
		a.Shutdown()
	}

	for name, orgSpec := range a.cfg.Source.Orgs {
		auth := salesforce.NewAuthenticator(
			orgSpec.ConsumerKey,
			orgSpec.ConsumerSecret,
			orgSpec.Username,
			orgSpec.Password,
			orgSpec.Sandbox,
		)
		prov := salesforce.NewProvisioner(salesforce.NewRestClient(auth), a.log)
		provisioners[name] = prov
		if err := prov.Provision(ctx, orgSpec.StreamingResources); err != nil {
			closePartial(ctx)
			return fmt.Errorf("failed to provision resources for org %s: %w", name, err)
		}
		authenticators[name] = auth
	}

	sinkManager, err := sink.NewManager(ctx, a.cfg.Sink, retry.DefaultPolicy(), a.log)
	if err != nil {
		closePartial(ctx)
		return err
	}
	a.sinkManager = sinkManager

	messageRouter, err := router.New(a.cfg.Router)
	if err != nil {
		closePartial(ctx)
		return err
	}
	a.router = messageRouter

	a.initSources(authenticators, provisioners)
	a.pipeline = pipeline.New(a.sources.Envelopes(), a.router, a.sinkManager, a.opts.IgnoreSinkErrors, a.log)

	a.initServer()
	return nil
}

func (a *App) initReplayStore() error {
	replaySpec := a.cfg.Source.Replay
	if replaySpec == nil {
		a.store = replay.NewNullStore()
		return nil
	}

	redisStore, err := replay.NewRedisStore(replaySpec.Address, replaySpec.KeyPrefix)
	if err != nil {
		return err
	}
	a.redisStore = redisStore

	var store replay.Store = replay.NewBreakerStore(redisStore)
	if a.opts.IgnoreReplayStorageErrors || replaySpec.IgnoreNetworkErrors {
		store = replay.NewIgnoringStore(store, a.log)
	}
	a.store = store
	return nil
}

func (a *App) replayFallback() int64 {
	if a.cfg.Source.Replay != nil && a.cfg.Source.Replay.Fallback == config.ReplayFallbackAllEvents {
		return streaming.ReplayAllEvents
	}
	return streaming.ReplayNewEvents
}

func (a *App) initSources(authenticators map[string]*salesforce.Authenticator, provisioners map[string]*salesforce.Provisioner) {
	policy := retry.DefaultPolicy()
	policy.MaxElapsedTime = time.Duration(a.opts.SourceConnectionTimeout) * time.Second

	a.sources = source.NewManager(a.store, a.replayFallback(), a.log)
	for name := range a.cfg.Source.Orgs {
		prov := provisioners[name]
		channels := make([]string, 0, len(prov.Resources()))
		for _, res := range prov.Resources() {
			channels = append(channels, res.Channel())
		}

		client := streaming.NewClient(
			name,
			authenticators[name],
			prov.BayeuxVersion(),
			channels,
			a.sources.ReplayID(name),
			policy,
			a.log,
		)
		a.sources.Add(name, client, prov)
	}
}

func (a *App) initServer() {
	if a.cfg.Server.Port == 0 {
		return
	}

	registry := health.NewCheckerRegistry()
	if a.redisStore != nil {
		registry.Register(health.NewRedisChecker(a.redisStore.Client()))
	}
	for name, broker := range a.sinkManager.Brokers() {
		if b, ok := broker.(*sink.Broker); ok {
			registry.Register(health.NewAMQPChecker(name, func() health.AMQPConnection {
				if conn := b.Connection(); conn != nil {
					return conn
				}
				return nil
			}))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		h := registry.Check(r.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(h)
	})
	mux.Handle("/metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler: mux,
	}
}

// Run drives the sources and the pipeline until the stream ends, an error
// escapes the policy, or ctx is cancelled by a signal.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.log.Infow("HTTP server starting", "addr", a.server.Addr)
			if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
		go func() {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			_ = a.server.Shutdown(shutdownCtx)
		}()
	}

	g.Go(func() error {
		return a.sources.Run(gctx)
	})

	g.Go(func() error {
		// The pipeline ends when the envelope stream closes, not when
		// the context is cancelled: a shutdown signal stops the sources
		// and the pipeline keeps publishing until the queue has drained.
		return a.pipeline.Run(context.WithoutCancel(gctx))
	})

	return g.Wait()
}

// Shutdown closes the remaining components in reverse startup order.
// Resource teardown has already run inside the source manager.
func (a *App) Shutdown() {
	if a.sinkManager != nil {
		_ = a.sinkManager.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
