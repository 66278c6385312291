package store

import (
	"context"
	"hash/fnv"
	"sync"

	"ctiengine/internal/common"
	"ctiengine/internal/threat"
)

const memoryShardPow = 5

// Memory is a lock-striped in-process Store. Each identifier maps to exactly one
// shard, so holding that shard's lock makes read-modify-write atomic.
type Memory struct {
	opts   Options
	shards []shard
	mask   uint32
}

type shard struct {
	mu sync.RWMutex
	m  map[string]threat.ThreatRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts Options) *Memory {
	n := 1 << memoryShardPow
	s := &Memory{opts: opts.withDefaults(), mask: uint32(n - 1)}
	s.shards = make([]shard, n)
	for i := range s.shards {
		s.shards[i].m = make(map[string]threat.ThreatRecord)
	}
	return s
}

func (s *Memory) shardFor(key string) *shard {
	return &s.shards[fnv32(key)&s.mask]
}

func (s *Memory) Upsert(ctx context.Context, identifier string, kind common.Kind, results []threat.ProviderResult) (threat.ThreatRecord, error) {
	if err := ctx.Err(); err != nil {
		return threat.ThreatRecord{}, err
	}
	sh := s.shardFor(identifier)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.m[identifier]
	rec := merge(cur, ok, identifier, kind, results, s.opts)
	sh.m[identifier] = rec
	return rec.Clone(), nil
}

func (s *Memory) Find(ctx context.Context, identifier string) (threat.ThreatRecord, error) {
	sh := s.shardFor(identifier)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.m[identifier]
	if !ok {
		return threat.ThreatRecord{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Memory) Tag(ctx context.Context, identifier, tag string) (threat.ThreatRecord, error) {
	sh := s.shardFor(identifier)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.m[identifier]
	if !ok {
		return threat.ThreatRecord{}, ErrNotFound
	}
	rec = rec.Clone()
	rec.AddTag(tag, s.opts.Now())
	sh.m[identifier] = rec
	return rec.Clone(), nil
}

func (s *Memory) snapshot() []threat.ThreatRecord {
	var out []threat.ThreatRecord
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, r := range sh.m {
			out = append(out, r.Clone())
		}
		sh.mu.RUnlock()
	}
	return out
}

func (s *Memory) List(ctx context.Context, limit, offset int) ([]threat.ThreatRecord, error) {
	return paginate(s.snapshot(), limit, offset), nil
}

func (s *Memory) Count(ctx context.Context) (int, error) {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n, nil
}

func (s *Memory) TopMalicious(ctx context.Context, n int) ([]threat.ThreatRecord, error) {
	return topMalicious(s.snapshot(), n), nil
}

func (s *Memory) CategoryCounts(ctx context.Context) (map[string]int, error) {
	return categoryCounts(s.snapshot()), nil
}

func (s *Memory) TimeSeries(ctx context.Context, days int) ([]DayCount, error) {
	return timeSeries(s.snapshot(), days, s.opts.Now()), nil
}

func (s *Memory) Close() error { return nil }

// merge applies one upsert to the current state. found=false starts a new record.
func merge(cur threat.ThreatRecord, found bool, identifier string, kind common.Kind, results []threat.ProviderResult, o Options) threat.ThreatRecord {
	now := o.Now()
	if found {
		cur = cur.Clone()
	} else {
		cur = threat.NewRecord(identifier, kind, now)
	}
	cur.Merge(results, o.Fuser, now)
	return cur
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
