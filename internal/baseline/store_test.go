package baseline

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

func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	got, err := store.GetByType(ctx, MetricUsageHour)
	require.NoError(t, err)
	assert.Nil(t, got)

	avg, err := store.GetAverageConfidence(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, avg)

	v := 2.5
	require.NoError(t, store.Upsert(ctx, &Baseline{
		ID: baselineID(MetricUsageHour), MetricType: MetricUsageHour,
		EncodedValue: `{"histogram":[]}`, Variance: &v, Confidence: 0.3,
		SampleCount: 25, LearningComplete: true, UpdatedAt: now,
	}))
	require.NoError(t, store.Upsert(ctx, &Baseline{
		ID: baselineID(MetricLocation), MetricType: MetricLocation,
		EncodedValue: `{}`, Confidence: 0.1, SampleCount: 3, UpdatedAt: now,
	}))

	// Upsert replaces.
	require.NoError(t, store.Upsert(ctx, &Baseline{
		ID: baselineID(MetricUsageHour), MetricType: MetricUsageHour,
		EncodedValue: `{"histogram":[1]}`, Variance: &v, Confidence: 0.5,
		SampleCount: 30, LearningComplete: true, UpdatedAt: now.Add(time.Hour),
		ConsumedIDs: []string{"sig_a", "sig_b"},
	}))

	got, err = store.GetByType(ctx, MetricUsageHour)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, `{"histogram":[1]}`, got.EncodedValue)
	assert.Equal(t, 30, got.SampleCount)
	require.NotNil(t, got.Variance)
	assert.InDelta(t, 2.5, *got.Variance, 1e-9)
	assert.True(t, now.Add(time.Hour).Equal(got.UpdatedAt))
	assert.Equal(t, []string{"sig_a", "sig_b"}, got.ConsumedIDs)

	loc, err := store.GetByType(ctx, MetricLocation)
	require.NoError(t, err)
	require.NotNil(t, loc)
	assert.Nil(t, loc.Variance)
	assert.False(t, loc.LearningComplete)
	assert.Empty(t, loc.ConsumedIDs)

	complete, err := store.GetAllLearningComplete(ctx)
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, MetricUsageHour, complete[0].MetricType)

	avg, err = store.GetAverageConfidence(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, avg, 1e-9)

	require.NoError(t, store.DeleteAll(ctx))
	got, err = store.GetByType(ctx, MetricUsageHour)
	require.NoError(t, err)
	assert.Nil(t, got)
}
