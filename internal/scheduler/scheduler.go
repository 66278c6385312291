// Package scheduler seeds the record store in the background by running the lookup
// pipeline over a candidate list on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"ctiengine/internal/common"
	"ctiengine/internal/config"
	"ctiengine/internal/engine"
	"ctiengine/internal/logging"
	"ctiengine/internal/metrics"
	"ctiengine/internal/store"
)

// Refresher runs fetch, fusion and upsert for one identifier.
type Refresher interface {
	Refresh(ctx context.Context, identifier string, kind common.Kind) (engine.LookupResult, error)
}

// TickReport summarizes one pass over the candidate list.
type TickReport struct {
	Candidates int  `json:"candidates"`
	Fetched    int  `json:"fetched"`
	Skipped    int  `json:"skipped"`
	Failed     int  `json:"failed"`
	Cancelled  bool `json:"cancelled"`
}

// Scheduler is the background refresh task. Start and Stop are idempotent.
type Scheduler struct {
	interval   time.Duration
	maxAge     time.Duration
	runOnStart bool
	sources    []Source
	store      store.Store
	refresher  Refresher
	log        *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	startWG *sync.WaitGroup
}

type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.log = logging.OrDiscard(l) }
}

// WithClock overrides the clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSources replaces the seed sources derived from the config.
func WithSources(src ...Source) Option {
	return func(s *Scheduler) { s.sources = src }
}

// New builds a scheduler from cfg. Seeds come from cfg.Seeds plus cfg.SeedFile when set.
func New(cfg config.RefreshConfig, st store.Store, r Refresher, opts ...Option) *Scheduler {
	s := &Scheduler{
		interval:   cfg.Interval,
		maxAge:     cfg.MaxAge,
		runOnStart: cfg.RunOnStart,
		store:      st,
		refresher:  r,
		log:        logging.Discard(),
		tracer:     otel.Tracer("ctiengine/scheduler"),
		now:        time.Now,
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Minute
	}
	if len(cfg.Seeds) > 0 {
		s.sources = append(s.sources, StaticSource(cfg.Seeds))
	}
	if cfg.SeedFile != "" {
		s.sources = append(s.sources, FileSource{Path: cfg.SeedFile, Format: cfg.SeedFormat})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the periodic tick and returns immediately. Ticks run under a
// context derived from ctx that Stop cancels. A tick still running when the next
// one is due causes the next one to be skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc("@every "+s.interval.String(), func() { s.RunOnce(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule refresh: %w", err)
	}
	c.Start()
	wg := &sync.WaitGroup{}
	s.cron, s.cancel, s.startWG = c, cancel, wg

	if s.runOnStart {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RunOnce(runCtx)
		}()
	}
	s.log.Info("refresh scheduler started", "interval", s.interval, "sources", len(s.sources))
	return nil
}

// Stop cancels the running tick between identifiers and waits for it to return, or
// for ctx to expire. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel, wg := s.cron, s.cancel, s.startWG
	s.cron, s.cancel, s.startWG = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	cancel()
	stopCtx := c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopCtx.Done()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("refresh scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("refresh scheduler stop timed out")
		return ctx.Err()
	}
}

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// RunOnce performs one tick. Cancellation of ctx is observed between identifiers; an
// identifier already being refreshed runs to completion.
func (s *Scheduler) RunOnce(ctx context.Context) TickReport {
	metrics.SchedulerTicks.Inc()
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	candidates := collect(ctx, s.sources, s.log)
	rep := TickReport{Candidates: len(candidates)}
	for _, c := range candidates {
		if ctx.Err() != nil {
			rep.Cancelled = true
			break
		}
		result := s.refreshOne(context.WithoutCancel(ctx), c)
		metrics.SchedulerFetches.WithLabelValues(result).Inc()
		switch result {
		case "fetched":
			rep.Fetched++
		case "skipped":
			rep.Skipped++
		default:
			rep.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("refresh.candidates", rep.Candidates),
		attribute.Int("refresh.fetched", rep.Fetched),
		attribute.Int("refresh.failed", rep.Failed),
	)
	s.log.Info("refresh tick complete", "candidates", rep.Candidates, "fetched", rep.Fetched,
		"skipped", rep.Skipped, "failed", rep.Failed, "cancelled", rep.Cancelled)
	return rep
}

func (s *Scheduler) refreshOne(ctx context.Context, c Candidate) string {
	rec, err := s.store.Find(ctx, c.Identifier)
	switch {
	case err == nil:
		if !s.stale(rec.UpdatedAt) {
			return "skipped"
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		s.log.Error("seed lookup failed", "identifier", c.Identifier, "err", err)
		return "failed"
	}

	if _, err := s.refresher.Refresh(ctx, c.Identifier, c.Kind); err != nil {
		s.log.Error("seed refresh failed", "identifier", c.Identifier, "err", err)
		return "failed"
	}
	return "fetched"
}

// stale reports whether a record last written at updated is due for a re-fetch.
// With no max age configured stored records are never re-fetched.
func (s *Scheduler) stale(updated time.Time) bool {
	if s.maxAge <= 0 {
		return false
	}
	return s.now().Sub(updated) > s.maxAge
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
