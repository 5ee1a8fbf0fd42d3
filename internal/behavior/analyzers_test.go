package behavior

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/signal"
)

// A Wednesday.
var t0 = time.Date(2026, 4, 15, 3, 10, 0, 0, time.UTC)

func TestIsSensitiveApp(t *testing.T) {
	for _, name := range []string{"com.acme.Banking", "PayPal", "Google Authenticator", "com.coinbase.crypto", "1Password"} {
		assert.True(t, IsSensitiveApp(name), name)
	}
	for _, name := range []string{"com.spotify.music", "Maps", ""} {
		assert.False(t, IsSensitiveApp(name), name)
	}
}

func TestAppUsage_SensitiveAppAtNight(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewAppUsageAnalyzer(store, time.UTC, logging.Discard())

	pts, err := a.Analyze(ctx, "com.bank.mobile", t0)
	require.NoError(t, err)
	assert.Equal(t, 25, pts)

	// Not sensitive.
	pts, err = a.Analyze(ctx, "com.weather", t0)
	require.NoError(t, err)
	assert.Equal(t, 0, pts)

	// Sensitive but daytime.
	pts, err = a.Analyze(ctx, "com.bank.mobile", t0.Add(9*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, pts)

	// 05:00 is outside the window.
	pts, err = a.Analyze(ctx, "com.bank.mobile", time.Date(2026, 4, 15, 5, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0, pts)

	p, err := store.GetAppUsage(ctx, "com.bank.mobile", 3)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.UsageCount)
}

func TestAppUsage_EstablishedHabitIsNotFlagged(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewAppUsageAnalyzer(store, time.UTC, logging.Discard())

	for i := 0; i < appEstablishedUses; i++ {
		_, err := a.Analyze(ctx, "crypto-wallet", t0.AddDate(0, 0, -i-1))
		require.NoError(t, err)
	}
	pts, err := a.Analyze(ctx, "crypto-wallet", t0)
	require.NoError(t, err)
	assert.Equal(t, 0, pts)
}

func TestLocation_OutsideSafeZones(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewLocationAnalyzer(store, logging.Discard())

	// Four visits: zone exists but is not established.
	for i := 0; i < SafeZoneMinVisits-1; i++ {
		pts, err := a.Analyze(ctx, 48.8566, 2.3522, t0.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, pts)
	}
	pts, err := a.Analyze(ctx, 45.0, 5.0, t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, pts, "no established zone yet")

	_, err = a.Analyze(ctx, 48.8566, 2.3522, t0.Add(6*time.Hour))
	require.NoError(t, err)

	pts, err = a.Analyze(ctx, 48.8570, 2.3525, t0.Add(7*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, pts, "inside the established zone")

	pts, err = a.Analyze(ctx, 43.2965, 5.3698, t0.Add(8*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 30, pts)

	zones, err := store.ListLocationClusters(ctx)
	require.NoError(t, err)
	assert.Len(t, zones, 3)
}

func TestNetwork_UnknownSSID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewNetworkAnalyzer(store, logging.Discard())

	for i := 0; i < 3; i++ {
		pts, err := a.Analyze(ctx, "HomeNet", t0)
		require.NoError(t, err)
		assert.Equal(t, 0, pts, "no trusted network yet")
	}
	n, err := store.GetNetwork(ctx, "HomeNet")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.True(t, n.Trusted)

	pts, err := a.Analyze(ctx, "FreeAirportWiFi", t0)
	require.NoError(t, err)
	assert.Equal(t, 25, pts)

	pts, err = a.Analyze(ctx, "FreeAirportWiFi", t0)
	require.NoError(t, err)
	assert.Equal(t, 0, pts, "seen once now")

	pts, err = a.Analyze(ctx, "", t0)
	require.NoError(t, err)
	assert.Equal(t, 0, pts)
}

func seedUnlockHistory(t *testing.T, store Store, at time.Time, samples int, avg float64) {
	t.Helper()
	slot := at.Truncate(time.Hour)
	require.NoError(t, store.UpsertUnlockPattern(context.Background(), &UnlockPattern{
		HourOfDay:      at.Hour(),
		DayOfWeek:      int(at.Weekday()),
		SlotStart:      slot,
		SampleCount:    samples,
		AverageUnlocks: avg,
	}))
}

func TestUnlock_FailedAttemptsAndFrequency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewUnlockAnalyzer(store, time.UTC, logging.Discard())
	seedUnlockHistory(t, store, t0, MinUnlockSamples, 1)

	var got []int
	for i := 0; i < 5; i++ {
		pts, err := a.RecordFailedAttempt(ctx, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		got = append(got, pts)
	}
	assert.Equal(t, []int{0, 0, 20, 15, 0}, got)

	anomalies, err := store.ListAnomalies(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, anomalies, 2)
	assert.Equal(t, AnomalyFailedAttemptsRisk, anomalies[0].Type)
	assert.Equal(t, AnomalyHighFrequency, anomalies[1].Type)
}

func TestUnlock_FrequencyNeedsHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewUnlockAnalyzer(store, time.UTC, logging.Discard())
	seedUnlockHistory(t, store, t0, MinUnlockSamples-1, 1)

	for i := 0; i < 6; i++ {
		pts, err := a.RecordUnlock(ctx, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 0, pts)
	}
}

func TestUnlock_SuccessResetsFailures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewUnlockAnalyzer(store, time.UTC, logging.Discard())

	for _, ok := range []bool{false, false, true, false, false} {
		var (
			pts int
			err error
		)
		if ok {
			pts, err = a.RecordUnlock(ctx, t0)
		} else {
			pts, err = a.RecordFailedAttempt(ctx, t0)
		}
		require.NoError(t, err)
		assert.Equal(t, 0, pts)
	}
}

func TestUnlock_SlotRolloverUpdatesAverage(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	a := NewUnlockAnalyzer(store, time.UTC, logging.Discard())

	// Two unlocks this week, four the next, in the same hour and weekday.
	for i := 0; i < 2; i++ {
		_, err := a.RecordUnlock(ctx, t0)
		require.NoError(t, err)
	}
	next := t0.AddDate(0, 0, 7)
	for i := 0; i < 4; i++ {
		_, err := a.RecordUnlock(ctx, next)
		require.NoError(t, err)
	}
	_, err := a.RecordUnlock(ctx, next.AddDate(0, 0, 7))
	require.NoError(t, err)

	p, err := store.GetUnlockPattern(ctx, t0.Hour(), int(t0.Weekday()))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 2, p.SampleCount)
	assert.InDelta(t, 3.0, p.AverageUnlocks, 1e-9)
	assert.Equal(t, 1, p.CurrentCount)
}

func TestSumPoints_Caps(t *testing.T) {
	p := SumPoints([]*Anomaly{
		{Analyzer: AnalyzerUnlock, RiskPoints: 20},
		{Analyzer: AnalyzerUnlock, RiskPoints: 15},
		{Analyzer: AnalyzerNetwork, RiskPoints: 25},
		{Analyzer: AnalyzerNetwork, RiskPoints: 25},
	})
	assert.Equal(t, 30, p.ByAnalyzer[AnalyzerUnlock])
	assert.Equal(t, 25, p.ByAnalyzer[AnalyzerNetwork])
	assert.Equal(t, CapTotal, p.Total)

	assert.Equal(t, 0, SumPoints(nil).Total)
}

func TestMonitor_RoutesSignals(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewMonitor(store, time.UTC, logging.Discard())

	pts, err := m.Observe(ctx, signal.New(signal.TypeAppOpened, "com.bank", "", t0))
	require.NoError(t, err)
	assert.Equal(t, 25, pts)

	pts, err = m.Observe(ctx, signal.New(signal.TypeRootDetected, "", "", t0))
	require.NoError(t, err)
	assert.Equal(t, 0, pts)

	pts, err = m.Observe(ctx, signal.New(signal.TypeLocationUpdate, "", `{"latitude":1,"longitude":2}`, t0))
	require.NoError(t, err)
	assert.Equal(t, 0, pts)

	pts, err = m.Observe(ctx, signal.New(signal.TypeLocationUpdate, "", "", t0))
	require.NoError(t, err)
	assert.Equal(t, 0, pts, "no coordinates")

	_, err = m.Observe(ctx, signal.New(signal.TypeWiFiConnected, "Home", "", t0))
	require.NoError(t, err)
	_, err = m.Observe(ctx, signal.New(signal.TypeUnlockFailed, "", "", t0))
	require.NoError(t, err)

	zones, err := store.ListLocationClusters(ctx)
	require.NoError(t, err)
	assert.Len(t, zones, 1)
	n, err := store.GetNetwork(ctx, "Home")
	require.NoError(t, err)
	assert.NotNil(t, n)
	u, err := store.GetUnlockPattern(ctx, t0.Hour(), int(t0.Weekday()))
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, 1, u.ConsecutiveFailures)
}

func TestMonitor_FailedUnlockScenarioPoints(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewMonitor(store, time.UTC, logging.Discard())
	seedUnlockHistory(t, store, t0, MinUnlockSamples, 1)

	for i := 0; i < 5; i++ {
		_, err := m.RecordFailedAttempt(ctx, t0.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	p, err := m.RiskPoints(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, CapUnlock, p.Total)

	// Outside the window nothing counts.
	p, err = m.RiskPoints(ctx, t0.Add(2*time.Hour), t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, p.Total)

	require.NoError(t, m.Reset(ctx))
	p, err = m.RiskPoints(ctx, t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, p.Total)
}
