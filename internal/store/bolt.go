package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"ctiengine/internal/common"
	"ctiengine/internal/threat"
)

var bucketRecords = []byte("threat_records")

// Bolt stores records as JSON values in one bbolt bucket keyed by identifier.
// bbolt admits one writer at a time, so each Upsert is a single read-modify-write transaction.
type Bolt struct {
	db   *bbolt.DB
	opts Options
}

// OpenBolt opens (creating if needed) the database file at path.
func OpenBolt(path string, opts Options) (*Bolt, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:      time.Second,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open boltdb: %v", ErrStoreUnavailable, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Bolt{db: db, opts: opts.withDefaults()}, nil
}

func (s *Bolt) Upsert(ctx context.Context, identifier string, kind common.Kind, results []threat.ProviderResult) (threat.ThreatRecord, error) {
	if err := ctx.Err(); err != nil {
		return threat.ThreatRecord{}, err
	}
	var out threat.ThreatRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		cur, found, err := getRecord(b, identifier)
		if err != nil {
			return err
		}
		out = merge(cur, found, identifier, kind, results, s.opts)
		return putRecord(b, out)
	})
	if err != nil {
		return threat.ThreatRecord{}, s.wrap("upsert", err)
	}
	return out, nil
}

func (s *Bolt) Find(ctx context.Context, identifier string) (threat.ThreatRecord, error) {
	var (
		out   threat.ThreatRecord
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		out, found, err = getRecord(tx.Bucket(bucketRecords), identifier)
		return err
	})
	if err != nil {
		return threat.ThreatRecord{}, s.wrap("find", err)
	}
	if !found {
		return threat.ThreatRecord{}, ErrNotFound
	}
	return out, nil
}

func (s *Bolt) Tag(ctx context.Context, identifier, tag string) (threat.ThreatRecord, error) {
	var out threat.ThreatRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		cur, found, err := getRecord(b, identifier)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		cur.AddTag(tag, s.opts.Now())
		out = cur
		return putRecord(b, cur)
	})
	if err != nil {
		return threat.ThreatRecord{}, s.wrap("tag", err)
	}
	return out, nil
}

func (s *Bolt) all() ([]threat.ThreatRecord, error) {
	var out []threat.ThreatRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec threat.ThreatRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, s.wrap("scan", err)
	}
	return out, nil
}

func (s *Bolt) List(ctx context.Context, limit, offset int) ([]threat.ThreatRecord, error) {
	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	return paginate(recs, limit, offset), nil
}

func (s *Bolt) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, s.wrap("count", err)
	}
	return n, nil
}

func (s *Bolt) TopMalicious(ctx context.Context, n int) ([]threat.ThreatRecord, error) {
	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	return topMalicious(recs, n), nil
}

func (s *Bolt) CategoryCounts(ctx context.Context) (map[string]int, error) {
	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	return categoryCounts(recs), nil
}

func (s *Bolt) TimeSeries(ctx context.Context, days int) ([]DayCount, error) {
	recs, err := s.all()
	if err != nil {
		return nil, err
	}
	return timeSeries(recs, days, s.opts.Now()), nil
}

func (s *Bolt) Close() error { return s.db.Close() }

func (s *Bolt) wrap(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: bolt %s: %v", ErrStoreUnavailable, op, err)
}

func getRecord(b *bbolt.Bucket, identifier string) (threat.ThreatRecord, bool, error) {
	raw := b.Get([]byte(identifier))
	if raw == nil {
		return threat.ThreatRecord{}, false, nil
	}
	var rec threat.ThreatRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return threat.ThreatRecord{}, false, fmt.Errorf("decode %s: %w", identifier, err)
	}
	return rec, true, nil
}

func putRecord(b *bbolt.Bucket, rec threat.ThreatRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.Put([]byte(rec.Identifier), data)
}
