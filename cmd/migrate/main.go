// Command migrate applies the embedded schema to the daemon's database with
// goose.
//
// Usage:
//
//	migrate up                 apply all pending migrations
//	migrate down               roll back the last migration
//	migrate redo               roll back and re-apply the last migration
//	migrate status             list applied and pending migrations
//	migrate version            print the current schema version
//	migrate up-to|down-to N    migrate to version N
//
// The database comes from DATABASE_URL, or from database_url in the TOML
// file named by SENTINEL_CONFIG. postgres:// URLs select PostgreSQL; anything
// else is a SQLite path.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/sqldb"
)

const usage = "usage: migrate up|down|redo|status|version|up-to N|down-to N"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	dsn, err := databaseURL()
	if err != nil {
		logger.Error("no database configured", "error", err)
		return 1
	}

	ctx := context.Background()
	db, err := sqldb.Open(ctx, dsn)
	if err != nil {
		logger.Error("failed to open database", "url", sqldb.MaskDSN(dsn), "error", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	command := args[0]
	log := logger.With("command", command, "dialect", string(db.Dialect()))
	if err := db.Run(ctx, command, args[1:]...); err != nil {
		log.Error("migration failed", "error", err)
		return 1
	}
	log.Info("migration complete")
	return 0
}

func databaseURL() (string, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn, nil
	}
	if path := os.Getenv("SENTINEL_CONFIG"); path != "" {
		cfg := config.Default()
		if err := cfg.LoadFile(path); err != nil {
			return "", err
		}
		if cfg.DatabaseURL != "" {
			return cfg.DatabaseURL, nil
		}
	}
	return "", errors.New("set DATABASE_URL or database_url in SENTINEL_CONFIG")
}
