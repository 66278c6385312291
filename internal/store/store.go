// Package store persists ThreatRecords keyed by identifier.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ctiengine/internal/common"
	"ctiengine/internal/threat"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrWriteConflict    = errors.New("concurrent write conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// DayCount is one bucket of TimeSeries.
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Store is the Record Store. Upsert and Tag are atomic per identifier.
type Store interface {
	Upsert(ctx context.Context, identifier string, kind common.Kind, results []threat.ProviderResult) (threat.ThreatRecord, error)
	Find(ctx context.Context, identifier string) (threat.ThreatRecord, error)
	Tag(ctx context.Context, identifier, tag string) (threat.ThreatRecord, error)
	List(ctx context.Context, limit, offset int) ([]threat.ThreatRecord, error)
	Count(ctx context.Context) (int, error)
	TopMalicious(ctx context.Context, n int) ([]threat.ThreatRecord, error)
	CategoryCounts(ctx context.Context) (map[string]int, error)
	TimeSeries(ctx context.Context, days int) ([]DayCount, error)
	Close() error
}

// Options are shared by every backend.
type Options struct {
	Fuser      *threat.Fuser
	Now        func() time.Time
	MaxRetries int
}

func (o Options) withDefaults() Options {
	if o.Fuser == nil {
		o.Fuser = threat.NewFuser(nil)
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 16
	}
	return o
}

// Config selects and parameterises a backend for Open.
type Config struct {
	Backend       string
	Path          string
	BloomCapacity uint
}

// Open constructs the configured backend, wrapped in a bloom front when BloomCapacity > 0
// and the backend is not shared with other processes.
func Open(ctx context.Context, cfg Config, opts Options) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "", "bolt":
		s, err = OpenBolt(cfg.Path, opts)
	case "sqlite":
		s, err = OpenSQLite(cfg.Path, opts)
	case "memory":
		s = NewMemory(opts)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.BloomCapacity == 0 || !exclusive(cfg.Backend) {
		return s, nil
	}
	b, err := NewBloom(ctx, s, cfg.BloomCapacity)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return b, nil
}

// exclusive reports whether a backend is owned by one process, so a bloom filter
// filled by this handle sees every write. sqlite files are shared with other processes.
func exclusive(backend string) bool {
	return backend != "sqlite"
}

func normalizeLimit(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
