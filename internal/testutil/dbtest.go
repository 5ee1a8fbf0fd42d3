// Package testutil provides shared test infrastructure for store tests.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/sentinel/internal/sqldb"
)

// SQLiteTest opens a migrated SQLite database in a temp directory. It is
// closed when the test finishes.
func SQLiteTest(t *testing.T) *sqldb.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sentinel.db")
	db, err := sqldb.OpenAndMigrate(context.Background(), path)
	if err != nil {
		t.Fatalf("sqlitetest: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// PGTest opens a migrated PostgreSQL database and truncates every table when
// the test finishes.
//
// POSTGRES_URL points it at an existing server. Without it, setting
// SENTINEL_PG_CONTAINER=1 starts a throwaway container through testcontainers.
// Otherwise the test is skipped.
func PGTest(t *testing.T) *sqldb.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		dsn = containerDSN(t)
	}

	ctx := context.Background()
	db, err := sqldb.OpenAndMigrate(ctx, dsn)
	if err != nil {
		t.Fatalf("pgtest: %v", err)
	}
	t.Cleanup(func() {
		truncateAll(ctx, db)
		_ = db.Close()
	})
	return db
}

// EachDB runs fn once per available SQL backend. SQLite always runs.
func EachDB(t *testing.T, fn func(t *testing.T, db *sqldb.DB)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) {
		fn(t, SQLiteTest(t))
	})
	t.Run("postgres", func(t *testing.T) {
		fn(t, PGTest(t))
	})
}

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// containerDSN starts one postgres container per test binary. It is reaped by
// the testcontainers ryuk sidecar when the process exits.
func containerDSN(t *testing.T) string {
	t.Helper()

	if os.Getenv("SENTINEL_PG_CONTAINER") == "" {
		t.Skip("POSTGRES_URL not set, skipping postgres test")
	}
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	containerOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		ctr, err := postgres.Run(ctx, "postgres:16-alpine",
			postgres.WithDatabase("sentinel_test"),
			postgres.WithUsername("sentinel"),
			postgres.WithPassword("sentinel"),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			containerErr = err
			return
		}
		containerURL, containerErr = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Fatalf("pgtest: start container: %v", containerErr)
	}
	return containerURL
}

// truncateAll empties the application tables so tests sharing a server start
// clean.
func truncateAll(ctx context.Context, db *sqldb.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}
	_ = rows.Close()

	for _, name := range tables {
		_, _ = db.ExecContext(ctx, "TRUNCATE TABLE "+name+" CASCADE")
	}
}
