package behavior

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/signal"
)

// Monitor routes signals to the analyzer that understands them and sums the
// resulting anomaly points for the risk engine.
type Monitor struct {
	mu       sync.Mutex // analyzers read-modify-write their patterns
	store    Store
	logger   *slog.Logger
	timeout  time.Duration
	app      *AppUsageAnalyzer
	location *LocationAnalyzer
	network  *NetworkAnalyzer
	unlock   *UnlockAnalyzer
}

// NewMonitor creates a monitor over store. Hours and weekdays are taken in
// loc (time.Local when nil).
func NewMonitor(store Store, loc *time.Location, logger *slog.Logger) *Monitor {
	if loc == nil {
		loc = time.Local
	}
	logger = logging.OrDiscard(logger)
	return &Monitor{
		store:    store,
		logger:   logger,
		timeout:  5 * time.Second,
		app:      NewAppUsageAnalyzer(store, loc, logger),
		location: NewLocationAnalyzer(store, logger),
		network:  NewNetworkAnalyzer(store, logger),
		unlock:   NewUnlockAnalyzer(store, loc, logger),
	}
}

// WithTimeout bounds each Observe call.
func (m *Monitor) WithTimeout(d time.Duration) *Monitor {
	m.timeout = d
	return m
}

// Observe feeds s to its analyzer and returns the points it raised.
// Signals no analyzer handles return 0.
func (m *Monitor) Observe(ctx context.Context, s *signal.Signal) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := m.bound(ctx)
	defer cancel()

	switch s.Type {
	case signal.TypeAppOpened:
		return m.app.Analyze(ctx, s.AppName(), s.Timestamp)
	case signal.TypeLocationUpdate:
		lat, lng, ok := s.Coordinates()
		if !ok {
			return 0, nil
		}
		return m.location.Analyze(ctx, lat, lng, s.Timestamp)
	case signal.TypeWiFiConnected:
		return m.network.Analyze(ctx, s.SSID(), s.Timestamp)
	case signal.TypeUnlockSuccess:
		return m.unlock.RecordUnlock(ctx, s.Timestamp)
	case signal.TypeUnlockFailed:
		return m.unlock.RecordFailedAttempt(ctx, s.Timestamp)
	}
	return 0, nil
}

// RecordUnlock counts a successful unlock at ts.
func (m *Monitor) RecordUnlock(ctx context.Context, ts time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.unlock.RecordUnlock(ctx, ts)
}

// RecordFailedAttempt counts a failed unlock at ts.
func (m *Monitor) RecordFailedAttempt(ctx context.Context, ts time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx, cancel := m.bound(ctx)
	defer cancel()
	return m.unlock.RecordFailedAttempt(ctx, ts)
}

// Points is the behavioral contribution for one window.
type Points struct {
	Total      int            `json:"total"`
	ByAnalyzer map[string]int `json:"byAnalyzer"`
}

// RiskPoints sums the anomaly points recorded in [since, until], capping each
// analyzer and then the total.
func (m *Monitor) RiskPoints(ctx context.Context, since, until time.Time) (Points, error) {
	anomalies, err := m.store.ListAnomalies(ctx, since, until)
	if err != nil {
		return Points{}, err
	}
	return SumPoints(anomalies), nil
}

// SumPoints applies the per-analyzer caps and CapTotal.
func SumPoints(anomalies []*Anomaly) Points {
	by := make(map[string]int)
	for _, a := range anomalies {
		by[a.Analyzer] += a.RiskPoints
	}
	total := 0
	for name, pts := range by {
		if c, ok := analyzerCaps[name]; ok && pts > c {
			pts = c
			by[name] = c
		}
		total += pts
	}
	return Points{Total: min(total, CapTotal), ByAnalyzer: by}
}

// Reset forgets every learned pattern and anomaly.
func (m *Monitor) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteAll(ctx)
}

// Prune drops anomalies older than cutoff.
func (m *Monitor) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.store.DeleteAnomaliesOlderThan(ctx, cutoff)
}

func (m *Monitor) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}
