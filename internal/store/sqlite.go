package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ctiengine/internal/common"
	"ctiengine/internal/threat"
)

// SQLite keeps one row per identifier. Writes are optimistic: the row carries a version
// and an update only lands if the version it read is still current.
type SQLite struct {
	db   *sql.DB
	opts Options
}

// OpenSQLite opens the database at path and applies the schema.
func OpenSQLite(path string, opts Options) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, opts: opts.withDefaults()}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS threat_records (
			identifier TEXT PRIMARY KEY,
			id TEXT NOT NULL,
			kind TEXT NOT NULL,
			threat_score INTEGER NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_ts_unix_ns INTEGER NOT NULL,
			updated_ts_unix_ns INTEGER NOT NULL,
			record_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_created ON threat_records(created_ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_records_kind_score ON threat_records(kind, threat_score);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Upsert(ctx context.Context, identifier string, kind common.Kind, results []threat.ProviderResult) (threat.ThreatRecord, error) {
	var out threat.ThreatRecord
	err := retryConflicts(ctx, "sqlite", s.opts.MaxRetries, func() error {
		cur, found, err := s.get(ctx, identifier)
		if err != nil {
			return err
		}
		rec := merge(cur, found, identifier, kind, results, s.opts)
		if found {
			err = s.compareAndSwap(ctx, rec, cur.Version)
		} else {
			err = s.insert(ctx, rec)
		}
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return threat.ThreatRecord{}, err
	}
	return out, nil
}

func (s *SQLite) Tag(ctx context.Context, identifier, tag string) (threat.ThreatRecord, error) {
	var out threat.ThreatRecord
	err := retryConflicts(ctx, "sqlite", s.opts.MaxRetries, func() error {
		cur, found, err := s.get(ctx, identifier)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		prev := cur.Version
		cur.AddTag(tag, s.opts.Now())
		if err := s.compareAndSwap(ctx, cur, prev); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return threat.ThreatRecord{}, err
	}
	return out, nil
}

func (s *SQLite) Find(ctx context.Context, identifier string) (threat.ThreatRecord, error) {
	rec, found, err := s.get(ctx, identifier)
	if err != nil {
		return threat.ThreatRecord{}, err
	}
	if !found {
		return threat.ThreatRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *SQLite) get(ctx context.Context, identifier string) (threat.ThreatRecord, bool, error) {
	var (
		version uint64
		payload string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, record_json FROM threat_records WHERE identifier = ?`, identifier).
		Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return threat.ThreatRecord{}, false, nil
	}
	if err != nil {
		return threat.ThreatRecord{}, false, unavailable("select", err)
	}
	var rec threat.ThreatRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return threat.ThreatRecord{}, false, fmt.Errorf("decode %s: %w", identifier, err)
	}
	rec.Version = version
	return rec, true, nil
}

func (s *SQLite) insert(ctx context.Context, rec threat.ThreatRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO threat_records (
		identifier, id, kind, threat_score, status, version, created_ts_unix_ns, updated_ts_unix_ns, record_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(identifier) DO NOTHING`,
		rec.Identifier, rec.ID, string(rec.Kind), rec.Verdict.ThreatScore, string(rec.Verdict.Status),
		rec.Version, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), string(payload),
	)
	return checkApplied(res, err, "insert")
}

func (s *SQLite) compareAndSwap(ctx context.Context, rec threat.ThreatRecord, prevVersion uint64) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE threat_records
		SET threat_score = ?, status = ?, version = ?, updated_ts_unix_ns = ?, record_json = ?
		WHERE identifier = ? AND version = ?`,
		rec.Verdict.ThreatScore, string(rec.Verdict.Status), rec.Version, rec.UpdatedAt.UnixNano(), string(payload),
		rec.Identifier, prevVersion,
	)
	return checkApplied(res, err, "update")
}

func checkApplied(res sql.Result, err error, op string) error {
	if err != nil {
		return unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(op, err)
	}
	if n == 0 {
		return ErrWriteConflict
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, limit, offset int) ([]threat.ThreatRecord, error) {
	limit, offset = normalizeLimit(limit, offset)
	return s.query(ctx, `SELECT version, record_json FROM threat_records
		ORDER BY created_ts_unix_ns DESC, identifier ASC LIMIT ? OFFSET ?`, limit, offset)
}

func (s *SQLite) TopMalicious(ctx context.Context, n int) ([]threat.ThreatRecord, error) {
	if n <= 0 {
		return []threat.ThreatRecord{}, nil
	}
	return s.query(ctx, `SELECT version, record_json FROM threat_records
		WHERE kind = ?
		ORDER BY threat_score DESC, created_ts_unix_ns DESC, identifier ASC LIMIT ?`, string(common.KindIP), n)
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]threat.ThreatRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable("query", err)
	}
	defer rows.Close()

	out := []threat.ThreatRecord{}
	for rows.Next() {
		var (
			version uint64
			payload string
		)
		if err := rows.Scan(&version, &payload); err != nil {
			return nil, unavailable("scan", err)
		}
		var rec threat.ThreatRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		rec.Version = version
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows", err)
	}
	return out, nil
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threat_records`).Scan(&n); err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

func (s *SQLite) CategoryCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT t.value, COUNT(DISTINCT r.identifier)
		FROM threat_records r, json_each(r.record_json, '$.verdict.tags') t
		GROUP BY t.value`)
	if err != nil {
		return nil, unavailable("category counts", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			tag string
			n   int
		)
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, unavailable("scan", err)
		}
		out[tag] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows", err)
	}
	return out, nil
}

func (s *SQLite) TimeSeries(ctx context.Context, days int) ([]DayCount, error) {
	if days <= 0 {
		return []DayCount{}, nil
	}
	now := s.opts.Now().UTC()
	since := now.Add(-time.Duration(days) * 24 * time.Hour)
	rows, err := s.db.QueryContext(ctx, `SELECT strftime('%Y-%m-%d', created_ts_unix_ns / 1000000000, 'unixepoch') AS day, COUNT(*)
		FROM threat_records
		WHERE created_ts_unix_ns BETWEEN ? AND ?
		GROUP BY day ORDER BY day ASC`, since.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, unavailable("time series", err)
	}
	defer rows.Close()

	out := []DayCount{}
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Date, &dc.Count); err != nil {
			return nil, unavailable("scan", err)
		}
		out = append(out, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows", err)
	}
	return out, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: sqlite %s: %v", ErrStoreUnavailable, op, err)
}
