package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/bankroll/service/metrics"
)

//go:embed schema.sql
var schema string

const table = "kv_entries"

// Store provides database operations for the service.
// It persists small client-state values in a single key/value table.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Entry is one stored value.
type Entry struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.GetEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// GetEntry returns the entry stored under key, or ErrNotFound.
func (s *Store) GetEntry(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()

	var (
		value     []byte
		updatedAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, updated_at FROM kv_entries WHERE key = $1`,
		key,
	).Scan(&value, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		s.metrics.RecordDBQuery("get", table, time.Since(start).Seconds(), nil)
		return nil, ErrNotFound
	}
	s.metrics.RecordDBQuery("get", table, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return &Entry{Key: key, Value: value, UpdatedAt: updatedAt.Time}, nil
}

// Put stores value under key, replacing any previous value.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_entries (key, value, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value,
	)
	s.metrics.RecordDBQuery("put", table, time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `DELETE FROM kv_entries WHERE key = $1`, key)
	s.metrics.RecordDBQuery("delete", table, time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// DeleteOlderThan removes entries not updated since before and returns how
// many were removed.
func (s *Store) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kv_entries WHERE updated_at < $1`,
		pgtype.Timestamptz{Time: before, Valid: true},
	)
	s.metrics.RecordDBQuery("delete_older_than", table, time.Since(start).Seconds(), err)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries older than %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}
