// Package pgstore is the durable L2 cache.Store on Postgres.
//
// Every Set appends a row keyed by (key, created_at), so the table doubles as
// a time series of past results. Reads return the newest live row.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketarbiter/internal/cache"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key          TEXT             NOT NULL,
	created_at   TIMESTAMPTZ      NOT NULL,
	fetched_at   TIMESTAMPTZ,
	ttl_ms       BIGINT           NOT NULL,
	retain_until TIMESTAMPTZ      NOT NULL,
	value        JSONB            NOT NULL,
	sources      TEXT[]           NOT NULL DEFAULT '{}',
	confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
	invalidated  BOOLEAN          NOT NULL DEFAULT FALSE,
	PRIMARY KEY (key, created_at)
);
ALTER TABLE cache_entries ADD COLUMN IF NOT EXISTS fetched_at TIMESTAMPTZ;
CREATE INDEX IF NOT EXISTS cache_entries_retain_idx ON cache_entries (retain_until);`

// Record is one historical row.
type Record struct {
	Entry       cache.Entry
	RetainUntil time.Time
	Invalidated bool
}

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Connect opens a pool for dsn. maxConns <= 0 keeps the driver default.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the table and index when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const selectColumns = `key, created_at, fetched_at, ttl_ms, retain_until, value, sources, confidence, invalidated`

func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	const query = `
		SELECT ` + selectColumns + `
		FROM cache_entries
		WHERE key = $1 AND NOT invalidated AND retain_until > $2
		ORDER BY created_at DESC
		LIMIT 1`
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, key, s.now()))
	if errors.Is(err, pgx.ErrNoRows) {
		return cache.Entry{}, cache.ErrMiss
	}
	if err != nil {
		return cache.Entry{}, fmt.Errorf("select %s: %w", key, err)
	}
	return rec.Entry, nil
}

// Set appends e. A row with the same key and CreatedAt is left untouched,
// and reads always pick the newest row, so writes are last-write-wins.
func (s *Store) Set(ctx context.Context, e cache.Entry, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	const query = `
		INSERT INTO cache_entries (key, created_at, fetched_at, ttl_ms, retain_until, value, sources, confidence)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (key, created_at) DO NOTHING`
	sources := e.Sources
	if sources == nil {
		sources = []string{}
	}
	var fetchedAt *time.Time
	if !e.FetchedAt.IsZero() {
		fetchedAt = &e.FetchedAt
	}
	value := []byte(e.Value)
	if len(value) == 0 {
		value = []byte("null")
	}
	_, err := s.pool.Exec(ctx, query,
		e.Key,
		e.CreatedAt,
		fetchedAt,
		e.TTL.Milliseconds(),
		e.CreatedAt.Add(retention),
		value,
		sources,
		e.Confidence,
	)
	if err != nil {
		return fmt.Errorf("insert %s: %w", e.Key, err)
	}
	return nil
}

// Delete marks every row of key invalidated; history is kept until Purge.
func (s *Store) Delete(ctx context.Context, key string) error {
	const query = `UPDATE cache_entries SET invalidated = TRUE WHERE key = $1 AND NOT invalidated`
	if _, err := s.pool.Exec(ctx, query, key); err != nil {
		return fmt.Errorf("invalidate %s: %w", key, err)
	}
	return nil
}

// History returns the rows of key created within [from, to], oldest first.
func (s *Store) History(ctx context.Context, key string, from, to time.Time) ([]Record, error) {
	const query = `
		SELECT ` + selectColumns + `
		FROM cache_entries
		WHERE key = $1 AND created_at >= $2 AND created_at <= $3
		ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, key, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Purge deletes rows whose retention ended before now.
func (s *Store) Purge(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cache_entries WHERE retain_until <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec   Record
		ttlMs     int64
		value     []byte
		fetchedAt *time.Time
	)
	err := row.Scan(
		&rec.Entry.Key,
		&rec.Entry.CreatedAt,
		&fetchedAt,
		&ttlMs,
		&rec.RetainUntil,
		&value,
		&rec.Entry.Sources,
		&rec.Entry.Confidence,
		&rec.Invalidated,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Entry.TTL = time.Duration(ttlMs) * time.Millisecond
	rec.Entry.Value = value
	if fetchedAt != nil {
		rec.Entry.FetchedAt = *fetchedAt
	}
	return rec, nil
}
