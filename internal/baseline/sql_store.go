package baseline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/sentinel/internal/sqldb"
)

// SQLStore persists baselines in the behavioral_baselines table.
type SQLStore struct {
	db *sqldb.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a SQL-backed baseline store.
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Upsert(ctx context.Context, b *Baseline) error {
	var variance sql.NullFloat64
	if b.Variance != nil {
		variance = sql.NullFloat64{Float64: *b.Variance, Valid: true}
	}
	consumed, err := json.Marshal(b.ConsumedIDs)
	if err != nil {
		return fmt.Errorf("failed to encode consumed ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO behavioral_baselines
			(metric_type, id, encoded_value, variance, confidence, sample_count, learning_complete, updated_at_ms, consumed_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (metric_type) DO UPDATE SET
			id = excluded.id,
			encoded_value = excluded.encoded_value,
			variance = excluded.variance,
			confidence = excluded.confidence,
			sample_count = excluded.sample_count,
			learning_complete = excluded.learning_complete,
			updated_at_ms = excluded.updated_at_ms,
			consumed_ids = excluded.consumed_ids`),
		string(b.MetricType), b.ID, b.EncodedValue, variance, b.Confidence,
		b.SampleCount, b.LearningComplete, sqldb.Millis(b.UpdatedAt), string(consumed),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert baseline %s: %w", b.MetricType, err)
	}
	return nil
}

const selectBaseline = `
	SELECT metric_type, id, encoded_value, variance, confidence, sample_count, learning_complete, updated_at_ms, consumed_ids
	FROM behavioral_baselines`

func (s *SQLStore) GetByType(ctx context.Context, t MetricType) (*Baseline, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(selectBaseline+` WHERE metric_type = ?`), string(t))
	b, err := scanBaseline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get baseline %s: %w", t, err)
	}
	return b, nil
}

func (s *SQLStore) GetAllLearningComplete(ctx context.Context) ([]*Baseline, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(selectBaseline+`
		WHERE learning_complete = ?
		ORDER BY metric_type`), true)
	if err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Baseline
	for rows.Next() {
		b, err := scanBaseline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan baseline: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetAverageConfidence(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT AVG(confidence) FROM behavioral_baselines`).Scan(&avg); err != nil {
		return 0, fmt.Errorf("failed to average confidence: %w", err)
	}
	return avg.Float64, nil
}

func (s *SQLStore) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM behavioral_baselines`); err != nil {
		return fmt.Errorf("failed to delete baselines: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBaseline(sc scanner) (*Baseline, error) {
	var (
		b        Baseline
		metric   string
		variance sql.NullFloat64
		updated  int64
		consumed string
	)
	if err := sc.Scan(&metric, &b.ID, &b.EncodedValue, &variance, &b.Confidence,
		&b.SampleCount, &b.LearningComplete, &updated, &consumed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(consumed), &b.ConsumedIDs); err != nil {
		return nil, fmt.Errorf("decode consumed ids: %w", err)
	}
	b.MetricType = MetricType(metric)
	if variance.Valid {
		v := variance.Float64
		b.Variance = &v
	}
	b.UpdatedAt = sqldb.Time(updated)
	return &b, nil
}
