package signal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/sqldb"
)

// markBatch bounds the IN (...) list of a single MarkProcessed statement.
const markBatch = 500

// SQLStore persists signals in PostgreSQL or SQLite.
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore creates a SQL-backed signal store. The schema comes from
// sqldb migrations.
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

const insertSignalSQL = `
	INSERT INTO signals (id, type, value, metadata, ts_ms, processed)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO NOTHING`

func (s *SQLStore) Insert(ctx context.Context, sig *Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(insertSignalSQL), insertArgs(sig)...)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertAll(ctx context.Context, signals []*Signal) error {
	for _, sig := range signals {
		if err := sig.Validate(); err != nil {
			return err
		}
	}
	if len(signals) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin signal batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.db.Rebind(insertSignalSQL))
	if err != nil {
		return fmt.Errorf("failed to prepare signal insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, sig := range signals {
		if _, err := stmt.ExecContext(ctx, insertArgs(sig)...); err != nil {
			return fmt.Errorf("failed to insert signal %s: %w", sig.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit signal batch: %w", err)
	}
	return nil
}

func (s *SQLStore) GetInRange(ctx context.Context, start, end time.Time) ([]*Signal, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, type, value, metadata, ts_ms, processed
		FROM signals
		WHERE ts_ms >= ? AND ts_ms <= ?
		ORDER BY ts_ms ASC, id ASC`),
		sqldb.Millis(start), sqldb.Millis(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	return scanSignals(rows)
}

func (s *SQLStore) GetRecent(ctx context.Context, limit int) ([]*Signal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, type, value, metadata, ts_ms, processed
		FROM signals
		ORDER BY ts_ms DESC, id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent signals: %w", err)
	}
	return scanSignals(rows)
}

func (s *SQLStore) MarkProcessed(ctx context.Context, ids []string) error {
	for len(ids) > 0 {
		n := min(len(ids), markBatch)
		batch := ids[:n]
		ids = ids[n:]

		args := make([]any, 0, n+1)
		args = append(args, true)
		for _, id := range batch {
			args = append(args, id)
		}
		q := "UPDATE signals SET processed = ? WHERE id IN (?" + strings.Repeat(", ?", n-1) + ")"
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
			return fmt.Errorf("failed to mark signals processed: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM signals WHERE ts_ms < ?`), sqldb.Millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune signals: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func insertArgs(sig *Signal) []any {
	return []any{sig.ID, sig.Name(), sig.Value, sig.Metadata, sqldb.Millis(sig.Timestamp), sig.Processed}
}

func scanSignals(rows *sql.Rows) ([]*Signal, error) {
	defer func() { _ = rows.Close() }()

	var out []*Signal
	for rows.Next() {
		var (
			sig  Signal
			name string
			ts   int64
		)
		if err := rows.Scan(&sig.ID, &name, &sig.Value, &sig.Metadata, &ts, &sig.Processed); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig.Type = ParseType(name)
		if sig.Type == TypeUnknown {
			sig.RawType = name
		}
		sig.Timestamp = sqldb.Time(ts)
		out = append(out, &sig)
	}
	return out, rows.Err()
}
