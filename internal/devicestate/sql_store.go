package devicestate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/sqldb"
)

// SQLStore keeps values in the device_state table.
type SQLStore struct {
	db *sqldb.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a SQL-backed store.
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT value FROM device_state WHERE key = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get device state %q: %w", key, err)
	}
	return v, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO device_state (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at_ms = excluded.updated_at_ms`),
		key, value, sqldb.Millis(now))
	if err != nil {
		return fmt.Errorf("failed to set device state %q: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM device_state WHERE key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete device state %q: %w", key, err)
	}
	return nil
}
