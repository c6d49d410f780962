package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenTestStore connects to TEST_DATABASE_URL, applies the schema and empties
// kv_entries. The test is skipped when the variable is unset or the database
// cannot be reached. The pool is closed and the table emptied again when the
// test ends.
func OpenTestStore(t testing.TB) *Store {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Skipf("cannot connect to test database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("cannot ping test database: %v", err)
	}

	store := NewStore(pool, nil)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}
	truncate(t, pool)

	t.Cleanup(func() {
		truncate(t, pool)
		pool.Close()
	})
	return store
}

// ExecForTest runs a raw statement against the store's pool, for fixtures
// the Store API cannot express (e.g. backdated rows).
func ExecForTest(t testing.TB, s *Store, query string, args ...interface{}) {
	t.Helper()
	if _, err := s.pool.Exec(context.Background(), query, args...); err != nil {
		t.Fatalf("failed to execute fixture query: %v\nQuery: %s", err, query)
	}
}

func truncate(t testing.TB, pool *pgxpool.Pool) {
	t.Helper()
	if _, err := pool.Exec(context.Background(), "TRUNCATE TABLE kv_entries"); err != nil {
		t.Fatalf("failed to empty kv_entries: %v", err)
	}
}
