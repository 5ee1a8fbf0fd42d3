package behavior

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/sqldb"
	"github.com/mbd888/sentinel/internal/testutil"
)

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestSQLStore(t *testing.T) {
	testutil.EachDB(t, func(t *testing.T, db *sqldb.DB) {
		testStore(t, NewSQLStore(db))
	})
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2026, 4, 15, 12, 0, 0, 0, time.UTC)

	p, err := s.GetAppUsage(ctx, "com.bank", 3)
	require.NoError(t, err)
	assert.Nil(t, p)
	require.NoError(t, s.UpsertAppUsage(ctx, &AppUsagePattern{AppName: "com.bank", HourOfDay: 3, UsageCount: 1, LastUsed: now}))
	require.NoError(t, s.UpsertAppUsage(ctx, &AppUsagePattern{AppName: "com.bank", HourOfDay: 3, UsageCount: 2, LastUsed: now}))
	p, err = s.GetAppUsage(ctx, "com.bank", 3)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 2, p.UsageCount)
	assert.True(t, now.Equal(p.LastUsed))

	zone := &LocationCluster{ID: "zone_a", Latitude: 1.5, Longitude: 2.5, RadiusM: 300, VisitCount: 1, FirstSeen: now, LastVisit: now}
	require.NoError(t, s.UpsertLocationCluster(ctx, zone))
	zone.VisitCount = 6
	require.NoError(t, s.UpsertLocationCluster(ctx, zone))
	require.NoError(t, s.UpsertLocationCluster(ctx, &LocationCluster{ID: "zone_b", RadiusM: 300, VisitCount: 1, FirstSeen: now.Add(time.Hour), LastVisit: now}))
	zones, err := s.ListLocationClusters(ctx)
	require.NoError(t, err)
	require.Len(t, zones, 2)
	assert.Equal(t, "zone_a", zones[0].ID)
	assert.Equal(t, 6, zones[0].VisitCount)
	require.NoError(t, s.DeleteLocationCluster(ctx, "zone_b"))
	zones, err = s.ListLocationClusters(ctx)
	require.NoError(t, err)
	assert.Len(t, zones, 1)

	n, err := s.GetNetwork(ctx, "Home")
	require.NoError(t, err)
	assert.Nil(t, n)
	require.NoError(t, s.UpsertNetwork(ctx, &KnownNetwork{SSID: "Home", FirstSeen: now, LastSeen: now, ConnectCount: 3, Trusted: true}))
	require.NoError(t, s.UpsertNetwork(ctx, &KnownNetwork{SSID: "Cafe", FirstSeen: now, LastSeen: now, ConnectCount: 1}))
	trusted, err := s.CountTrustedNetworks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, trusted)
	n, err = s.GetNetwork(ctx, "Home")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.True(t, n.Trusted)

	u, err := s.GetUnlockPattern(ctx, 3, 2)
	require.NoError(t, err)
	assert.Nil(t, u)
	require.NoError(t, s.UpsertUnlockPattern(ctx, &UnlockPattern{
		HourOfDay: 3, DayOfWeek: 2, SlotStart: now.Truncate(time.Hour), CurrentCount: 2,
		SampleCount: 7, AverageUnlocks: 1.25, ConsecutiveFailures: 1, LastUnlock: now,
	}))
	u, err = s.GetUnlockPattern(ctx, 3, 2)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, 7, u.SampleCount)
	assert.InDelta(t, 1.25, u.AverageUnlocks, 1e-9)
	assert.True(t, now.Truncate(time.Hour).Equal(u.SlotStart))

	require.NoError(t, s.InsertAnomaly(ctx, &Anomaly{ID: "anm_2", Type: AnomalyUnknownNetwork, Analyzer: AnalyzerNetwork, RiskPoints: 25, Timestamp: now}))
	require.NoError(t, s.InsertAnomaly(ctx, &Anomaly{ID: "anm_1", Type: AnomalyHighFrequency, Analyzer: AnalyzerUnlock, RiskPoints: 15, Timestamp: now.Add(-2 * time.Hour)}))
	list, err := s.ListAnomalies(ctx, now.Add(-3*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "anm_1", list[0].ID)
	assert.Equal(t, AnomalyUnknownNetwork, list[1].Type)

	deleted, err := s.DeleteAnomaliesOlderThan(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	require.NoError(t, s.DeleteAll(ctx))
	list, err = s.ListAnomalies(ctx, now.Add(-3*time.Hour), now)
	require.NoError(t, err)
	assert.Empty(t, list)
	trusted, err = s.CountTrustedNetworks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, trusted)
}
