// Package engine runs lookups end to end: provider fan-out, fusion and persistence.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ctiengine/internal/common"
	"ctiengine/internal/events"
	"ctiengine/internal/logging"
	"ctiengine/internal/metrics"
	"ctiengine/internal/store"
	"ctiengine/internal/threat"
)

const defaultProviderTimeout = 10 * time.Second

// LookupResult is the persisted record plus the provider answers gathered by this call.
type LookupResult struct {
	Record  threat.ThreatRecord     `json:"record"`
	Results []threat.ProviderResult `json:"results"`
}

// Verdict is the fused verdict stored for the identifier.
func (r LookupResult) Verdict() threat.AggregateVerdict { return r.Record.Verdict }

// Orchestrator coordinates provider fan-out and the atomic upsert for one identifier.
type Orchestrator struct {
	providers []threat.Provider
	store     store.Store
	publisher events.Publisher
	timeout   time.Duration
	log       *slog.Logger
	tracer    trace.Tracer
}

type Option func(*Orchestrator)

// WithTimeout bounds each provider call independently.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = logging.OrDiscard(l) }
}

// NewOrchestrator creates an orchestrator writing to st.
func NewOrchestrator(st store.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		publisher: events.Noop{},
		timeout:   defaultProviderTimeout,
		log:       logging.Discard(),
		tracer:    otel.Tracer("ctiengine/engine"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a provider. Providers must be registered before the first lookup.
func (o *Orchestrator) Register(p threat.Provider) {
	o.providers = append(o.providers, p)
}

// Lookup classifies query and refreshes it.
func (o *Orchestrator) Lookup(ctx context.Context, query string) (LookupResult, error) {
	id, kind, err := threat.Classify(query)
	if err != nil {
		return LookupResult{}, err
	}
	return o.Refresh(ctx, id, kind)
}

// Refresh queries every applicable provider concurrently, upserts the merged results
// and publishes the new verdict. Provider failures never fail the call; store failures do.
func (o *Orchestrator) Refresh(ctx context.Context, identifier string, kind common.Kind) (LookupResult, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "engine.refresh", trace.WithAttributes(
		attribute.String("ioc.identifier", identifier),
		attribute.String("ioc.kind", string(kind)),
	))
	defer span.End()

	results := o.fetch(ctx, identifier, kind)

	rec, err := o.store.Upsert(ctx, identifier, kind, results)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		if !errors.Is(err, store.ErrStoreUnavailable) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
		}
		o.log.Error("upsert failed", "identifier", identifier, "err", err)
		return LookupResult{}, err
	}

	status := string(rec.Verdict.Status)
	span.SetAttributes(attribute.String("ioc.status", status), attribute.Int("ioc.threat_score", rec.Verdict.ThreatScore))
	metrics.LookupDuration.WithLabelValues(string(kind), status).Observe(time.Since(start).Seconds())

	if err := o.publisher.Publish(ctx, events.FromRecord(rec)); err != nil {
		o.log.Warn("verdict event not published", "identifier", identifier, "err", err)
	}
	o.log.Info("lookup complete", "identifier", identifier, "kind", kind, "status", status,
		"threat_score", rec.Verdict.ThreatScore, "providers", len(results))
	return LookupResult{Record: rec, Results: results}, nil
}

// fetch fans out to the providers that can assess kind and returns their results in
// registration order.
func (o *Orchestrator) fetch(ctx context.Context, identifier string, kind common.Kind) []threat.ProviderResult {
	applicable := make([]threat.Provider, 0, len(o.providers))
	for _, p := range o.providers {
		if kind == common.KindDomain {
			if _, ok := p.(threat.DomainProvider); !ok {
				continue
			}
		}
		applicable = append(applicable, p)
	}

	results := make([]threat.ProviderResult, len(applicable))
	var wg sync.WaitGroup
	for i, p := range applicable {
		wg.Add(1)
		go func(i int, p threat.Provider) {
			defer wg.Done()
			results[i] = o.callOne(ctx, p, identifier, kind)
		}(i, p)
	}
	wg.Wait()
	return results
}

// callOne runs a single adapter under its own deadline. An adapter that ignores its
// context is abandoned once the deadline passes.
func (o *Orchestrator) callOne(ctx context.Context, p threat.Provider, identifier string, kind common.Kind) threat.ProviderResult {
	name := p.Name()
	ctx, span := o.tracer.Start(ctx, "provider."+name)
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	ch := make(chan threat.ProviderResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- threat.TransportFailure(name, kind, fmt.Errorf("provider panic: %v", r))
			}
		}()
		if kind == common.KindDomain {
			ch <- p.(threat.DomainProvider).CheckDomain(cctx, identifier)
			return
		}
		ch <- p.CheckIP(cctx, identifier)
	}()

	var res threat.ProviderResult
	select {
	case res = <-ch:
	case <-cctx.Done():
		res = threat.TransportFailure(name, kind, fmt.Errorf("no answer within %s: %w", o.timeout, cctx.Err()))
	}

	res.Source = name
	if res.Failed() && res.ErrorKind == "" {
		res.ErrorKind = common.ErrorTransport
	}
	if res.Scope == "" {
		res.Scope = kind
	}
	if res.Tags == nil {
		res.Tags = []string{}
	}
	if res.CheckedAt.IsZero() {
		res.CheckedAt = time.Now().UTC()
	}

	outcome := "ok"
	if res.Failed() {
		outcome = string(res.ErrorKind)
		span.SetStatus(codes.Error, res.Error)
		o.log.Warn("provider returned no signal", "source", name, "identifier", identifier, "error_kind", res.ErrorKind, "err", res.Error)
	}
	metrics.ProviderRequests.WithLabelValues(name, outcome).Inc()
	return res
}
