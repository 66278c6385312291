package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctiengine/internal/common"
	"ctiengine/internal/threat"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name string
	open func(t *testing.T, opts Options) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T, opts Options) Store { return NewMemory(opts) }},
		{"bolt", func(t *testing.T, opts Options) Store {
			s, err := OpenBolt(filepath.Join(t.TempDir(), "records.db"), opts)
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T, opts Options) Store {
			s, err := OpenSQLite(filepath.Join(t.TempDir(), "records.sqlite"), opts)
			require.NoError(t, err)
			return s
		}},
		{"bloom", func(t *testing.T, opts Options) Store {
			s, err := NewBloom(context.Background(), NewMemory(opts), 1000)
			require.NoError(t, err)
			return s
		}},
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, s Store, clock *testClock)) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			clock := newTestClock()
			s := b.open(t, Options{Now: clock.Now, MaxRetries: 200})
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s, clock)
		})
	}
}

func result(source string, score int, tags ...string) threat.ProviderResult {
	if tags == nil {
		tags = []string{}
	}
	return threat.ProviderResult{Source: source, Scope: common.KindIP, ThreatScore: score, Tags: tags}
}

func TestUpsertCreatesAndFinds(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()

		_, err := s.Find(ctx, "1.2.3.4")
		require.ErrorIs(t, err, ErrNotFound)

		rec, err := s.Upsert(ctx, "1.2.3.4", common.KindIP, []threat.ProviderResult{
			result("virustotal", 80, "malware"),
			{Source: "abuseipdb", Scope: common.KindIP, Error: "timeout", ErrorKind: common.ErrorTransport},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, common.KindIP, rec.Kind)
		assert.Equal(t, 80, rec.Verdict.ThreatScore)
		assert.Equal(t, common.StatusMalicious, rec.Verdict.Status)
		assert.Equal(t, []string{"malware"}, rec.Verdict.Tags)
		assert.Len(t, rec.Results, 2)

		got, err := s.Find(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.Verdict, got.Verdict)
		assert.True(t, got.CreatedAt.Equal(clock.Now()))
	})
}

func TestUpsertMergesBySource(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		first, err := s.Upsert(ctx, "example.org", common.KindDomain, []threat.ProviderResult{result("virustotal", 40, "phishing")})
		require.NoError(t, err)

		clock.Advance(time.Minute)
		_, err = s.Upsert(ctx, "example.org", common.KindDomain, []threat.ProviderResult{result("abuseipdb", 10, "Port Scan")})
		require.NoError(t, err)

		clock.Advance(time.Minute)
		rec, err := s.Upsert(ctx, "example.org", common.KindDomain, []threat.ProviderResult{result("virustotal", 5)})
		require.NoError(t, err)

		assert.Equal(t, first.ID, rec.ID)
		assert.Len(t, rec.Results, 2)
		assert.Equal(t, 5, rec.Results["virustotal"].ThreatScore)
		assert.Equal(t, 10, rec.Verdict.ThreatScore)
		assert.Equal(t, []string{"Port Scan"}, rec.Verdict.Tags)
		assert.True(t, rec.CreatedAt.Equal(first.CreatedAt))
		assert.True(t, rec.UpdatedAt.After(rec.CreatedAt))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestUpsertIsIdempotent(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		in := []threat.ProviderResult{result("virustotal", 35, "trojan", "botnet"), result("abuseipdb", 12)}

		a, err := s.Upsert(ctx, "5.6.7.8", common.KindIP, in)
		require.NoError(t, err)
		clock.Advance(time.Second)
		b, err := s.Upsert(ctx, "5.6.7.8", common.KindIP, in)
		require.NoError(t, err)

		assert.Equal(t, a.Verdict, b.Verdict)
		assert.True(t, b.UpdatedAt.After(a.UpdatedAt))
		assert.True(t, b.CreatedAt.Equal(a.CreatedAt))
	})
}

func TestConcurrentUpsertsKeepEveryTag(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		const writers = 8

		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				src := fmt.Sprintf("feed-%d", i)
				_, err := s.Upsert(ctx, "9.9.9.9", common.KindIP, []threat.ProviderResult{result(src, i*10, fmt.Sprintf("tag-%d", i))})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec, err := s.Find(ctx, "9.9.9.9")
		require.NoError(t, err)
		assert.Len(t, rec.Results, writers)
		tags := append([]string(nil), rec.Verdict.Tags...)
		sort.Strings(tags)
		want := make([]string, 0, writers)
		for i := 0; i < writers; i++ {
			want = append(want, fmt.Sprintf("tag-%d", i))
		}
		assert.Equal(t, want, tags)
		assert.Equal(t, (writers-1)*10, rec.Verdict.ThreatScore)
	})
}

func TestTag(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()

		_, err := s.Tag(ctx, "10.0.0.1", "watchlist")
		require.ErrorIs(t, err, ErrNotFound)

		_, err = s.Upsert(ctx, "10.0.0.1", common.KindIP, []threat.ProviderResult{result("virustotal", 0)})
		require.NoError(t, err)

		clock.Advance(time.Second)
		once, err := s.Tag(ctx, "10.0.0.1", "watchlist")
		require.NoError(t, err)
		clock.Advance(time.Second)
		twice, err := s.Tag(ctx, "10.0.0.1", "watchlist")
		require.NoError(t, err)

		assert.Equal(t, []string{"watchlist"}, once.Verdict.Tags)
		assert.Equal(t, once.Verdict.Tags, twice.Verdict.Tags)
		assert.True(t, twice.UpdatedAt.After(once.UpdatedAt))
		assert.Equal(t, common.StatusClean, twice.Verdict.Status)

		// A later provider refresh must not drop the manual tag.
		rec, err := s.Upsert(ctx, "10.0.0.1", common.KindIP, []threat.ProviderResult{result("virustotal", 25, "scanner")})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"scanner", "watchlist"}, rec.Verdict.Tags)
	})
}

func TestListOrdersNewestFirst(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		ids := []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4", "5.5.5.5"}
		for _, id := range ids {
			_, err := s.Upsert(ctx, id, common.KindIP, nil)
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}

		page, err := s.List(ctx, 2, 0)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "5.5.5.5", page[0].Identifier)
		assert.Equal(t, "4.4.4.4", page[1].Identifier)

		page, err = s.List(ctx, 2, 4)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "1.1.1.1", page[0].Identifier)

		page, err = s.List(ctx, 10, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
	})
}

func TestTopMalicious(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		seed := []struct {
			id    string
			kind  common.Kind
			score int
		}{
			{"1.0.0.1", common.KindIP, 50},
			{"evil.example", common.KindDomain, 100},
			{"1.0.0.2", common.KindIP, 90},
			{"1.0.0.3", common.KindIP, 50},
			{"1.0.0.4", common.KindIP, 10},
		}
		for _, r := range seed {
			_, err := s.Upsert(ctx, r.id, r.kind, []threat.ProviderResult{result("virustotal", r.score)})
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}

		top, err := s.TopMalicious(ctx, 3)
		require.NoError(t, err)
		require.Len(t, top, 3)
		assert.Equal(t, "1.0.0.2", top[0].Identifier)
		// equal scores: most recently created first
		assert.Equal(t, "1.0.0.3", top[1].Identifier)
		assert.Equal(t, "1.0.0.1", top[2].Identifier)
		for _, r := range top {
			assert.Equal(t, common.KindIP, r.Kind)
		}

		all, err := s.TopMalicious(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestCategoryCounts(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		_, err := s.Upsert(ctx, "1.0.0.1", common.KindIP, []threat.ProviderResult{result("virustotal", 50, "malware", "botnet")})
		require.NoError(t, err)
		_, err = s.Upsert(ctx, "1.0.0.2", common.KindIP, []threat.ProviderResult{result("virustotal", 50, "malware"), result("abuseipdb", 20, "malware", "Port Scan")})
		require.NoError(t, err)
		_, err = s.Upsert(ctx, "1.0.0.3", common.KindIP, nil)
		require.NoError(t, err)

		counts, err := s.CategoryCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"malware": 2, "botnet": 1, "Port Scan": 1}, counts)
	})
}

func TestTimeSeries(t *testing.T) {
	eachBackend(t, func(t *testing.T, s Store, clock *testClock) {
		ctx := context.Background()
		add := func(id string) {
			_, err := s.Upsert(ctx, id, common.KindIP, nil)
			require.NoError(t, err)
		}
		add("1.0.0.1") // 2026-03-10, outside the window below
		clock.Advance(10 * 24 * time.Hour)
		add("1.0.0.2") // 2026-03-20
		add("1.0.0.3")
		clock.Advance(2 * 24 * time.Hour)
		add("1.0.0.4") // 2026-03-22
		clock.Advance(time.Hour)

		series, err := s.TimeSeries(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, []DayCount{
			{Date: "2026-03-20", Count: 2},
			{Date: "2026-03-22", Count: 1},
		}, series)
	})
}

func TestRetryConflictsExhaustion(t *testing.T) {
	calls := 0
	err := retryConflicts(context.Background(), "sqlite", 3, func() error {
		calls++
		return ErrWriteConflict
	})
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 4, calls)

	calls = 0
	err = retryConflicts(context.Background(), "sqlite", 3, func() error {
		calls++
		return ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, calls)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "mongo"}, Options{})
	require.Error(t, err)
}

func TestBloomSeedsFromExistingRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")
	s, err := Open(ctx, Config{Backend: "bolt", Path: path}, Options{})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, "8.8.8.8", common.KindIP, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Backend: "bolt", Path: path, BloomCapacity: 100}, Options{})
	require.NoError(t, err)
	defer s.Close()
	require.IsType(t, &Bloom{}, s)

	_, err = s.Find(ctx, "8.8.8.8")
	require.NoError(t, err)
	_, err = s.Find(ctx, "8.8.4.4")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSharedSQLiteSeesOtherHandlesWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.sqlite")
	cfg := Config{Backend: "sqlite", Path: path, BloomCapacity: 1000}

	server, err := Open(ctx, cfg, Options{})
	require.NoError(t, err)
	defer server.Close()
	assert.IsType(t, &SQLite{}, server)

	loader, err := Open(ctx, cfg, Options{})
	require.NoError(t, err)
	defer loader.Close()

	_, err = loader.Upsert(ctx, "8.8.8.8", common.KindIP, nil)
	require.NoError(t, err)

	n, err := server.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = server.Find(ctx, "8.8.8.8")
	require.NoError(t, err)
	rec, err := server.Tag(ctx, "8.8.8.8", "watchlist")
	require.NoError(t, err)
	assert.Contains(t, rec.ManualTags, "watchlist")
}

func TestShardHashIsFNV1a(t *testing.T) {
	assert.Equal(t, uint32(0x811c9dc5), fnv32(""))
	assert.Equal(t, uint32(0xe40c292c), fnv32("a"))
}
