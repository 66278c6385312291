package provider

import (
	"context"
	"net/http"
	"time"

	"ctiengine/internal/common"
	"ctiengine/internal/config"
	"ctiengine/internal/metrics"
	"ctiengine/internal/threat"
)

// Guarded wraps a Provider with a circuit breaker and a response cache.
// Either may be nil.
type Guarded struct {
	inner   threat.Provider
	breaker *Breaker
	cache   *Cache
}

type guardedDomain struct {
	*Guarded
	domain threat.DomainProvider
}

// Guard wraps p. The result implements threat.DomainProvider exactly when p does.
func Guard(p threat.Provider, breaker *Breaker, cache *Cache) threat.Provider {
	g := &Guarded{inner: p, breaker: breaker, cache: cache}
	if dp, ok := p.(threat.DomainProvider); ok {
		return &guardedDomain{Guarded: g, domain: dp}
	}
	return g
}

func (g *Guarded) Name() string { return g.inner.Name() }

func (g *Guarded) CheckIP(ctx context.Context, ip string) threat.ProviderResult {
	return g.call(common.KindIP, ip, func() threat.ProviderResult { return g.inner.CheckIP(ctx, ip) })
}

func (g *guardedDomain) CheckDomain(ctx context.Context, domain string) threat.ProviderResult {
	return g.call(common.KindDomain, domain, func() threat.ProviderResult { return g.domain.CheckDomain(ctx, domain) })
}

func (g *Guarded) call(kind common.Kind, identifier string, fn func() threat.ProviderResult) threat.ProviderResult {
	name := g.inner.Name()
	key := name + "|" + string(kind) + "|" + identifier
	if g.cache != nil {
		if res, ok := g.cache.Get(key); ok {
			metrics.CacheHits.WithLabelValues(name).Inc()
			return res
		}
	}
	if g.breaker != nil && !g.breaker.Allow() {
		g.reportState(name)
		return threat.Unavailable(name, kind, "circuit open")
	}

	res := fn()

	if g.breaker != nil {
		switch {
		case res.ErrorKind == common.ErrorTransport:
			g.breaker.RecordFailure()
		case !res.Failed():
			g.breaker.RecordSuccess()
		default:
			// unavailable results say nothing about the remote side
		}
		g.reportState(name)
	}
	if g.cache != nil && !res.Failed() {
		g.cache.Set(key, res)
	}
	return res
}

func (g *Guarded) reportState(name string) {
	metrics.BreakerState.WithLabelValues(name).Set(float64(g.breaker.State()))
}

// Build constructs every known adapter from cfg, each guarded by its own breaker and
// sharing one response cache. Adapters without credentials are still returned so that
// lookups report them as unavailable.
func Build(cfg config.ProvidersConfig) []threat.Provider {
	hc := &http.Client{Timeout: cfg.Timeout}
	var cache *Cache
	if cfg.CacheTTL > 0 {
		cache = NewCache(cfg.CacheSize, cfg.CacheTTL)
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}

	vt := NewVirusTotal(cfg.VirusTotal.APIKey, cfg.VirusTotal.BaseURL, WithHTTPClient(hc))
	abuse := NewAbuseIPDB(cfg.AbuseIPDB.APIKey, cfg.AbuseIPDB.BaseURL, cfg.AbuseIPDB.MaxAgeDays, WithHTTPClient(hc))

	return []threat.Provider{
		Guard(vt, NewBreaker(cfg.BreakerFailures, cooldown), cache),
		Guard(abuse, NewBreaker(cfg.BreakerFailures, cooldown), cache),
	}
}
