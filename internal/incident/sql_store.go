package incident

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/sqldb"
)

// SQLStore persists incidents in the incidents table.
type SQLStore struct {
	db *sqldb.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a SQL-backed incident log.
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Insert(ctx context.Context, inc *Incident) (string, error) {
	ensureID(inc)
	triggers, err := json.Marshal(nonNil(inc.Triggers))
	if err != nil {
		return "", fmt.Errorf("failed to marshal triggers: %w", err)
	}
	actions, err := json.Marshal(nonNil(inc.ActionsTaken))
	if err != nil {
		return "", fmt.Errorf("failed to marshal actions: %w", err)
	}

	var lat, lng sql.NullFloat64
	if inc.Location != nil {
		lat = sql.NullFloat64{Float64: inc.Location.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: inc.Location.Longitude, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO incidents (id, severity, risk_score, triggers, actions_taken, summary, latitude, longitude, resolved, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inc.ID, string(inc.Severity), inc.RiskScore, string(triggers), string(actions),
		inc.Summary, lat, lng, inc.Resolved, sqldb.Millis(inc.Timestamp),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert incident: %w", err)
	}
	return inc.ID, nil
}

const selectIncident = `
	SELECT id, severity, risk_score, triggers, actions_taken, summary, latitude, longitude, resolved, ts_ms
	FROM incidents`

func (s *SQLStore) Get(ctx context.Context, id string) (*Incident, error) {
	inc, err := scanIncident(s.db.QueryRowContext(ctx, s.db.Rebind(selectIncident+` WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

func (s *SQLStore) ListRecent(ctx context.Context, limit int, unresolvedOnly bool) ([]*Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	q := selectIncident
	if unresolvedOnly {
		q += ` WHERE resolved = FALSE`
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q+` ORDER BY ts_ms DESC, id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *SQLStore) Resolve(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE incidents SET resolved = TRUE WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(sc scanner) (*Incident, error) {
	var (
		inc               Incident
		severity          string
		triggers, actions string
		lat, lng          sql.NullFloat64
		ts                int64
	)
	if err := sc.Scan(&inc.ID, &severity, &inc.RiskScore, &triggers, &actions, &inc.Summary,
		&lat, &lng, &inc.Resolved, &ts); err != nil {
		return nil, err
	}
	inc.Severity = risk.ParseLevel(severity)
	if err := json.Unmarshal([]byte(triggers), &inc.Triggers); err != nil {
		return nil, fmt.Errorf("decode triggers: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &inc.ActionsTaken); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	if lat.Valid && lng.Valid {
		inc.Location = &Location{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	inc.Timestamp = sqldb.Time(ts)
	return &inc, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
