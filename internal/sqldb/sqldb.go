// Package sqldb opens the on-device database and applies its schema.
//
// A DSN starting with postgres:// or postgresql:// selects PostgreSQL through
// lib/pq. Anything else is treated as a SQLite file path (optionally prefixed
// with sqlite://). Stores write their queries with ? placeholders and call
// Rebind before executing them.
package sqldb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite3/*.sql
var migrations embed.FS

// goose keeps its dialect and filesystem in package globals.
var gooseMu sync.Mutex

// DB wraps *sql.DB with the dialect it was opened with.
type DB struct {
	*sql.DB
	dialect Dialect
}

// DialectFor reports which backend a DSN selects.
func DialectFor(dsn string) Dialect {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqldb: empty DSN")
	}
	dialect := DialectFor(dsn)

	driverDSN := dsn
	if dialect == SQLite {
		driverDSN = sqliteDSN(dsn)
	}

	db, err := sql.Open(string(dialect), driverDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch dialect {
	case Postgres:
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	case SQLite:
		// One writer at a time; WAL lets readers proceed alongside it.
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(4)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: db, dialect: dialect}, nil
}

// OpenAndMigrate opens dsn and brings its schema up to date.
func OpenAndMigrate(ctx context.Context, dsn string) (*DB, error) {
	db, err := Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Dialect returns the backend this DB talks to.
func (d *DB) Dialect() Dialect { return d.dialect }

// Migrate applies every pending embedded migration.
func (d *DB) Migrate(ctx context.Context) error {
	return d.Run(ctx, "up")
}

// Run executes a goose command (up, down, status, version, redo, ...)
// against the embedded migrations for this dialect.
func (d *DB) Run(ctx context.Context, command string, args ...string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(string(d.dialect)); err != nil {
		return fmt.Errorf("sqldb: goose dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, d.DB, MigrationsDir(d.dialect), args...); err != nil {
		return fmt.Errorf("sqldb: migration %s failed: %w", command, err)
	}
	return nil
}

// MigrationsDir is the embedded directory holding migrations for dialect.
func MigrationsDir(dialect Dialect) string {
	return "migrations/" + string(dialect)
}

// Rebind rewrites ? placeholders into the dialect's native form.
func (d *DB) Rebind(query string) string {
	return Rebind(d.dialect, query)
}

// Rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL. Queries for
// SQLite are returned unchanged. Placeholders inside string literals are not
// supported.
func Rebind(dialect Dialect, query string) string {
	if dialect != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Millis converts t to unix milliseconds for storage.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Time converts stored unix milliseconds back to a UTC time.
func Time(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// MaskDSN hides the password in a postgres URL before it is logged.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}

func sqliteDSN(dsn string) string {
	path := strings.TrimPrefix(dsn, "sqlite://")
	if strings.Contains(path, "?") {
		return path
	}
	return "file:" + path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
}
