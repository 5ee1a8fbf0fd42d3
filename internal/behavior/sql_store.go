package behavior

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/sentinel/internal/sqldb"
)

// SQLStore persists learned patterns and anomalies.
type SQLStore struct {
	db *sqldb.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore creates a SQL-backed behavior store.
func NewSQLStore(db *sqldb.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) GetAppUsage(ctx context.Context, appName string, hour int) (*AppUsagePattern, error) {
	var (
		p    = AppUsagePattern{AppName: appName, HourOfDay: hour}
		last int64
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT usage_count, last_used_ms FROM app_usage_patterns
		WHERE app_name = ? AND hour_of_day = ?`), appName, hour).Scan(&p.UsageCount, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app usage: %w", err)
	}
	p.LastUsed = sqldb.Time(last)
	return &p, nil
}

func (s *SQLStore) UpsertAppUsage(ctx context.Context, p *AppUsagePattern) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO app_usage_patterns (app_name, hour_of_day, usage_count, last_used_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (app_name, hour_of_day) DO UPDATE SET
			usage_count = excluded.usage_count,
			last_used_ms = excluded.last_used_ms`),
		p.AppName, p.HourOfDay, p.UsageCount, sqldb.Millis(p.LastUsed))
	if err != nil {
		return fmt.Errorf("failed to upsert app usage: %w", err)
	}
	return nil
}

func (s *SQLStore) ListLocationClusters(ctx context.Context) ([]*LocationCluster, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, latitude, longitude, radius_m, visit_count, label, first_seen_ms, last_visit_ms
		FROM location_clusters
		ORDER BY first_seen_ms ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list safe zones: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*LocationCluster
	for rows.Next() {
		var (
			c           LocationCluster
			first, last int64
		)
		if err := rows.Scan(&c.ID, &c.Latitude, &c.Longitude, &c.RadiusM, &c.VisitCount, &c.Label, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan safe zone: %w", err)
		}
		c.FirstSeen = sqldb.Time(first)
		c.LastVisit = sqldb.Time(last)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpsertLocationCluster(ctx context.Context, c *LocationCluster) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO location_clusters
			(id, latitude, longitude, radius_m, visit_count, label, first_seen_ms, last_visit_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			radius_m = excluded.radius_m,
			visit_count = excluded.visit_count,
			label = excluded.label,
			last_visit_ms = excluded.last_visit_ms`),
		c.ID, c.Latitude, c.Longitude, c.RadiusM, c.VisitCount, c.Label,
		sqldb.Millis(c.FirstSeen), sqldb.Millis(c.LastVisit))
	if err != nil {
		return fmt.Errorf("failed to upsert safe zone: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteLocationCluster(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM location_clusters WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete safe zone: %w", err)
	}
	return nil
}

func (s *SQLStore) GetNetwork(ctx context.Context, ssid string) (*KnownNetwork, error) {
	var (
		n           = KnownNetwork{SSID: ssid}
		first, last int64
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT first_seen_ms, last_seen_ms, connect_count, trusted
		FROM known_networks WHERE ssid = ?`), ssid).Scan(&first, &last, &n.ConnectCount, &n.Trusted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get network: %w", err)
	}
	n.FirstSeen = sqldb.Time(first)
	n.LastSeen = sqldb.Time(last)
	return &n, nil
}

func (s *SQLStore) UpsertNetwork(ctx context.Context, n *KnownNetwork) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO known_networks (ssid, first_seen_ms, last_seen_ms, connect_count, trusted)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (ssid) DO UPDATE SET
			last_seen_ms = excluded.last_seen_ms,
			connect_count = excluded.connect_count,
			trusted = excluded.trusted`),
		n.SSID, sqldb.Millis(n.FirstSeen), sqldb.Millis(n.LastSeen), n.ConnectCount, n.Trusted)
	if err != nil {
		return fmt.Errorf("failed to upsert network: %w", err)
	}
	return nil
}

func (s *SQLStore) CountTrustedNetworks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM known_networks WHERE trusted = ?`), true).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count trusted networks: %w", err)
	}
	return n, nil
}

func (s *SQLStore) GetUnlockPattern(ctx context.Context, hour, dayOfWeek int) (*UnlockPattern, error) {
	var (
		p          = UnlockPattern{HourOfDay: hour, DayOfWeek: dayOfWeek}
		slot, last int64
	)
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT slot_start_ms, current_count, sample_count, average_unlocks, consecutive_failures, last_unlock_ms
		FROM unlock_patterns WHERE hour_of_day = ? AND day_of_week = ?`), hour, dayOfWeek).
		Scan(&slot, &p.CurrentCount, &p.SampleCount, &p.AverageUnlocks, &p.ConsecutiveFailures, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unlock pattern: %w", err)
	}
	p.SlotStart = sqldb.Time(slot)
	p.LastUnlock = sqldb.Time(last)
	return &p, nil
}

func (s *SQLStore) UpsertUnlockPattern(ctx context.Context, p *UnlockPattern) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO unlock_patterns
			(hour_of_day, day_of_week, slot_start_ms, current_count, sample_count,
			 average_unlocks, consecutive_failures, last_unlock_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (hour_of_day, day_of_week) DO UPDATE SET
			slot_start_ms = excluded.slot_start_ms,
			current_count = excluded.current_count,
			sample_count = excluded.sample_count,
			average_unlocks = excluded.average_unlocks,
			consecutive_failures = excluded.consecutive_failures,
			last_unlock_ms = excluded.last_unlock_ms`),
		p.HourOfDay, p.DayOfWeek, sqldb.Millis(p.SlotStart), p.CurrentCount, p.SampleCount,
		p.AverageUnlocks, p.ConsecutiveFailures, sqldb.Millis(p.LastUnlock))
	if err != nil {
		return fmt.Errorf("failed to upsert unlock pattern: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertAnomaly(ctx context.Context, a *Anomaly) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO behavior_anomalies (id, type, analyzer, risk_points, details, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?)`),
		a.ID, string(a.Type), a.Analyzer, a.RiskPoints, a.Details, sqldb.Millis(a.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return nil
}

func (s *SQLStore) ListAnomalies(ctx context.Context, since, until time.Time) ([]*Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, type, analyzer, risk_points, details, ts_ms
		FROM behavior_anomalies
		WHERE ts_ms >= ? AND ts_ms <= ?
		ORDER BY ts_ms ASC, id ASC`), sqldb.Millis(since), sqldb.Millis(until))
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Anomaly
	for rows.Next() {
		var (
			a   Anomaly
			typ string
			ts  int64
		)
		if err := rows.Scan(&a.ID, &typ, &a.Analyzer, &a.RiskPoints, &a.Details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly: %w", err)
		}
		a.Type = AnomalyType(typ)
		a.Timestamp = sqldb.Time(ts)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteAnomaliesOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM behavior_anomalies WHERE ts_ms < ?`), sqldb.Millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune anomalies: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLStore) DeleteAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{
		"app_usage_patterns", "location_clusters", "known_networks",
		"unlock_patterns", "behavior_anomalies",
	} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}
