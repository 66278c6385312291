package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"ctiengine/internal/store"
	"ctiengine/internal/threat"
)

const (
	// TopMaliciousLimit caps Stats.TopMaliciousIPs.
	TopMaliciousLimit = 10
	// StatsWindowDays is how many days back Stats.ThreatsOverTime reaches.
	StatsWindowDays = 7
	// DefaultPageSize is used by ListRecords when limit is not positive.
	DefaultPageSize = 100
)

// ErrEmptyTag is returned by Tag for blank tags.
var ErrEmptyTag = errors.New("tag must not be empty")

// Stats is the dashboard summary assembled from the store's read side.
type Stats struct {
	Total           int                   `json:"total_threats"`
	TopMaliciousIPs []threat.ThreatRecord `json:"top_malicious_ips"`
	CategoryCounts  map[string]int        `json:"category_counts"`
	ThreatsOverTime []store.DayCount      `json:"threats_over_time"`
}

// RecordPage is one page of stored records plus the overall count.
type RecordPage struct {
	Records []threat.ThreatRecord `json:"records"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Skip    int                   `json:"skip"`
}

// Service is the surface exposed to the HTTP, gRPC and CLI front ends.
type Service struct {
	orch  *Orchestrator
	store store.Store
}

func NewService(orch *Orchestrator, st store.Store) *Service {
	return &Service{orch: orch, store: st}
}

// Lookup fetches, fuses and persists the verdict for query.
func (s *Service) Lookup(ctx context.Context, query string) (LookupResult, error) {
	return s.orch.Lookup(ctx, query)
}

// Tag attaches a manual tag to an existing record and returns the resulting tag set.
func (s *Service) Tag(ctx context.Context, query, tag string) ([]string, error) {
	id, _, err := threat.Classify(query)
	if err != nil {
		return nil, err
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return nil, ErrEmptyTag
	}
	rec, err := s.store.Tag(ctx, id, tag)
	if err != nil {
		return nil, err
	}
	return rec.Verdict.Tags, nil
}

// Find returns the stored record for query without contacting providers.
func (s *Service) Find(ctx context.Context, query string) (threat.ThreatRecord, error) {
	id, _, err := threat.Classify(query)
	if err != nil {
		return threat.ThreatRecord{}, err
	}
	return s.store.Find(ctx, id)
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	total, err := s.store.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count records: %w", err)
	}
	top, err := s.store.TopMalicious(ctx, TopMaliciousLimit)
	if err != nil {
		return Stats{}, fmt.Errorf("top malicious: %w", err)
	}
	cats, err := s.store.CategoryCounts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("category counts: %w", err)
	}
	series, err := s.store.TimeSeries(ctx, StatsWindowDays)
	if err != nil {
		return Stats{}, fmt.Errorf("time series: %w", err)
	}
	return Stats{Total: total, TopMaliciousIPs: top, CategoryCounts: cats, ThreatsOverTime: series}, nil
}

// ListRecords pages through stored records, newest first. limit <= 0 means DefaultPageSize.
func (s *Service) ListRecords(ctx context.Context, limit, skip int) (RecordPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if skip < 0 {
		skip = 0
	}
	recs, err := s.store.List(ctx, limit, skip)
	if err != nil {
		return RecordPage{}, fmt.Errorf("list records: %w", err)
	}
	total, err := s.store.Count(ctx)
	if err != nil {
		return RecordPage{}, fmt.Errorf("count records: %w", err)
	}
	return RecordPage{Records: recs, Total: total, Limit: limit, Skip: skip}, nil
}
