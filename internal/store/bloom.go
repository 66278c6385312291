package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/willf/bloom"

	"ctiengine/internal/common"
	"ctiengine/internal/metrics"
	"ctiengine/internal/threat"
)

const bloomSeedPage = 500

// Bloom fronts a Store with a bloom filter of stored identifiers so that Find on a
// never-seen identifier does not reach the backend. Records are never deleted, so the
// filter only grows. The filter only learns writes made through this handle, so it must
// front a backend no other process writes to; Open skips it for sqlite.
type Bloom struct {
	Store
	mu sync.RWMutex
	bf *bloom.BloomFilter
}

// NewBloom sizes a filter for capacity identifiers at ~1% false positives and seeds it
// from every record already in inner.
func NewBloom(ctx context.Context, inner Store, capacity uint) (*Bloom, error) {
	b := &Bloom{Store: inner, bf: bloom.NewWithEstimates(capacity, 0.01)}
	for offset := 0; ; offset += bloomSeedPage {
		page, err := inner.List(ctx, bloomSeedPage, offset)
		if err != nil {
			return nil, fmt.Errorf("seed bloom filter: %w", err)
		}
		for _, rec := range page {
			b.bf.AddString(rec.Identifier)
		}
		if len(page) < bloomSeedPage {
			break
		}
	}
	return b, nil
}

func (b *Bloom) mightContain(identifier string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bf.TestString(identifier)
}

func (b *Bloom) add(identifier string) {
	b.mu.Lock()
	b.bf.AddString(identifier)
	b.mu.Unlock()
}

func (b *Bloom) Find(ctx context.Context, identifier string) (threat.ThreatRecord, error) {
	if !b.mightContain(identifier) {
		metrics.BloomSkips.Inc()
		return threat.ThreatRecord{}, ErrNotFound
	}
	return b.Store.Find(ctx, identifier)
}

// Upsert marks the identifier before writing so a Find racing the insert never
// gets a false negative.
func (b *Bloom) Upsert(ctx context.Context, identifier string, kind common.Kind, results []threat.ProviderResult) (threat.ThreatRecord, error) {
	b.add(identifier)
	return b.Store.Upsert(ctx, identifier, kind, results)
}

func (b *Bloom) Tag(ctx context.Context, identifier, tag string) (threat.ThreatRecord, error) {
	if !b.mightContain(identifier) {
		metrics.BloomSkips.Inc()
		return threat.ThreatRecord{}, ErrNotFound
	}
	return b.Store.Tag(ctx, identifier, tag)
}
