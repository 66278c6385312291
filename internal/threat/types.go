package threat

import (
	"context"
	"encoding/json"
	"time"

	"ctiengine/internal/common"
)

// UnknownCountry is the placeholder used when no provider reports a country.
const UnknownCountry = "Unknown"

// ProviderResult is one source's normalized answer about a single identifier.
// When Error is set every numeric field is ignored by fusion.
type ProviderResult struct {
	Source      string           `json:"source"`
	Scope       common.Kind      `json:"scope"`
	ThreatScore int              `json:"threat_score"`
	Confidence  int              `json:"confidence"`
	Detections  int              `json:"detections"`
	Country     string           `json:"country,omitempty"`
	Tags        []string         `json:"tags"`
	Error       string           `json:"error,omitempty"`
	ErrorKind   common.ErrorKind `json:"error_kind,omitempty"`
	Raw         json.RawMessage  `json:"raw,omitempty"`
	CheckedAt   time.Time        `json:"checked_at"`
}

// Failed reports whether the provider produced no usable signal.
func (r ProviderResult) Failed() bool { return r.Error != "" }

// Unavailable builds the result for a provider that is not configured or was skipped.
func Unavailable(source string, scope common.Kind, reason string) ProviderResult {
	return ProviderResult{
		Source:    source,
		Scope:     scope,
		Tags:      []string{},
		Error:     reason,
		ErrorKind: common.ErrorUnavailable,
		CheckedAt: time.Now().UTC(),
	}
}

// TransportFailure builds the result for a provider call that failed on the wire.
func TransportFailure(source string, scope common.Kind, err error) ProviderResult {
	return ProviderResult{
		Source:    source,
		Scope:     scope,
		Tags:      []string{},
		Error:     err.Error(),
		ErrorKind: common.ErrorTransport,
		CheckedAt: time.Now().UTC(),
	}
}

// AggregateVerdict is the fused view over every provider result for one identifier.
type AggregateVerdict struct {
	ThreatScore int           `json:"threat_score"`
	Confidence  int           `json:"confidence"`
	Country     string        `json:"country"`
	Tags        []string      `json:"tags"`
	Status      common.Status `json:"status"`
}

// ThreatRecord is the stored, deduplicated state for one identifier.
type ThreatRecord struct {
	ID         string                    `json:"id"`
	Identifier string                    `json:"identifier"`
	Kind       common.Kind               `json:"kind"`
	Results    map[string]ProviderResult `json:"per_provider_results"`
	ManualTags []string                  `json:"manual_tags,omitempty"`
	Verdict    AggregateVerdict          `json:"verdict"`
	Version    uint64                    `json:"version"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Provider checks IP addresses against one threat-intelligence source.
// Implementations never return Go errors: failures surface in ProviderResult.Error.
type Provider interface {
	Name() string
	CheckIP(ctx context.Context, ip string) ProviderResult
}

// DomainProvider is a Provider that can also assess domain names.
type DomainProvider interface {
	Provider
	CheckDomain(ctx context.Context, domain string) ProviderResult
}
