// Package app assembles the engine from configuration and owns the lifecycle of every
// long-lived component.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"ctiengine/internal/config"
	"ctiengine/internal/engine"
	"ctiengine/internal/events"
	"ctiengine/internal/logging"
	"ctiengine/internal/provider"
	"ctiengine/internal/scheduler"
	"ctiengine/internal/server"
	"ctiengine/internal/store"
	"ctiengine/internal/threat"
)

const shutdownTimeout = 10 * time.Second

// App is one fully wired engine instance.
type App struct {
	Cfg       *config.Config
	Log       *slog.Logger
	Store     store.Store
	Publisher events.Publisher
	Orch      *engine.Orchestrator
	Service   *engine.Service
	Scheduler *scheduler.Scheduler
}

// Build opens the store, constructs the providers and wires the orchestrator and
// scheduler. providers overrides the configured adapters when non-empty.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger, providers ...threat.Provider) (*App, error) {
	log = logging.OrDiscard(log)

	st, err := store.Open(ctx, store.Config{
		Backend:       cfg.Store.Backend,
		Path:          cfg.Store.Path,
		BloomCapacity: cfg.Store.BloomCapacity,
	}, store.Options{
		Fuser:      threat.NewFuser(cfg.Providers.Priority),
		MaxRetries: cfg.Store.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	var pub events.Publisher = events.Noop{}
	if cfg.Events.NATSURL != "" {
		n, err := events.ConnectNATS(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		pub = n
	}

	orch := engine.NewOrchestrator(st,
		engine.WithTimeout(cfg.Providers.Timeout),
		engine.WithPublisher(pub),
		engine.WithLogger(log),
	)
	if len(providers) == 0 {
		providers = provider.Build(cfg.Providers)
	}
	for _, p := range providers {
		orch.Register(p)
	}

	a := &App{
		Cfg:       cfg,
		Log:       log,
		Store:     st,
		Publisher: pub,
		Orch:      orch,
		Service:   engine.NewService(orch, st),
	}
	a.Scheduler = scheduler.New(cfg.Refresh, st, orch, scheduler.WithLogger(log))
	return a, nil
}

// Run serves HTTP, metrics and optionally gRPC, and runs the refresh scheduler until ctx
// is cancelled or a listener fails.
func (a *App) Run(ctx context.Context) error {
	srv := server.New(a.Service, a.Log)
	metricsSrv := srv.StartMetrics(a.Cfg.Server.MetricsAddr)
	httpSrv := srv.HTTPServer(a.Cfg.Server.HTTPAddr)

	errCh := make(chan error, 2)
	go func() {
		a.Log.Info("listening", "addr", a.Cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if addr := a.Cfg.Server.GRPCAddr; addr != "" {
		go func() {
			a.Log.Info("grpc listening", "addr", addr)
			if err := srv.StartGRPC(addr); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	if !a.Cfg.Refresh.Disabled {
		if err := a.Scheduler.Start(ctx); err != nil {
			return err
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Scheduler.Stop(shutCtx); err != nil {
		a.Log.Warn("scheduler shutdown", "err", err)
	}
	srv.StopGRPC()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		a.Log.Warn("http shutdown", "err", err)
	}
	_ = metricsSrv.Shutdown(shutCtx)
	return runErr
}

// Close releases the publisher and the store.
func (a *App) Close() error {
	return errors.Join(a.Publisher.Close(), a.Store.Close())
}
