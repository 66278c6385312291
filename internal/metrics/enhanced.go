package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cti_lookup_duration_seconds",
			Help:    "Time spent fanning out, fusing and persisting one lookup",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind", "status"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cti_provider_requests_total",
			Help: "Provider adapter calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cti_provider_cache_hits_total",
			Help: "Provider responses served from the response cache",
		},
		[]string{"provider"},
	)

	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cti_cache_evictions_total",
			Help: "Cache evictions",
		},
		[]string{"cache_type"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cti_provider_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	StoreConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cti_store_write_conflicts_total",
			Help: "Optimistic upsert attempts that lost a race and were retried",
		},
		[]string{"backend"},
	)

	BloomSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cti_bloom_negative_lookups_total",
			Help: "Finds answered as not-found by the bloom filter without touching the backend",
		},
	)

	SchedulerTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cti_refresh_ticks_total",
			Help: "Refresh scheduler ticks",
		},
	)

	SchedulerFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cti_refresh_identifiers_total",
			Help: "Identifiers handled by the refresh scheduler by result",
		},
		[]string{"result"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cti_verdict_events_total",
			Help: "Verdict events published",
		},
		[]string{"status"},
	)
)
