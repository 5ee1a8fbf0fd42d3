package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/sqldb"
)

// SQLStore persists scores in the risk_scores table.
type SQLStore struct {
	db *sqldb.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a SQL-backed score store.
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Insert(ctx context.Context, score *Score) error {
	contribJSON, err := json.Marshal(score.Contributions)
	if err != nil {
		return fmt.Errorf("failed to marshal contributions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO risk_scores (id, total_score, level, contributions, trigger_reason, decayed, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		score.ID,
		score.TotalScore,
		string(score.Level),
		string(contribJSON),
		score.TriggerReason,
		score.Decayed,
		sqldb.Millis(score.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert risk score: %w", err)
	}
	return nil
}

const selectScore = `
	SELECT id, total_score, level, contributions, trigger_reason, decayed, ts_ms
	FROM risk_scores`

func (s *SQLStore) GetLatest(ctx context.Context) (*Score, error) {
	row := s.db.QueryRowContext(ctx, selectScore+` ORDER BY ts_ms DESC, id DESC LIMIT 1`)
	score, err := scanScore(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest risk score: %w", err)
	}
	return score, nil
}

func (s *SQLStore) ListRecent(ctx context.Context, limit int) ([]*Score, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(selectScore+` ORDER BY ts_ms DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk scores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Score
	for rows.Next() {
		score, err := scanScore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan risk score: %w", err)
		}
		out = append(out, score)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM risk_scores WHERE ts_ms < ?`), sqldb.Millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune risk scores: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanScore(sc scanner) (*Score, error) {
	var (
		score   Score
		level   string
		contrib string
		ts      int64
	)
	if err := sc.Scan(&score.ID, &score.TotalScore, &level, &contrib, &score.TriggerReason, &score.Decayed, &ts); err != nil {
		return nil, err
	}
	score.Level = ParseLevel(level)
	score.Timestamp = sqldb.Time(ts)
	score.Contributions = make(map[string]int)
	if contrib != "" {
		if err := json.Unmarshal([]byte(contrib), &score.Contributions); err != nil {
			return nil, fmt.Errorf("decode contributions: %w", err)
		}
	}
	return &score, nil
}
