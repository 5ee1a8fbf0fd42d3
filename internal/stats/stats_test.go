package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeanAndVariance(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}

	assert.InDelta(t, 5.0, Mean(values), 1e-9)
	assert.InDelta(t, 4.0, PopulationVariance(values), 1e-9)
	assert.InDelta(t, 2.0, PopulationStdDev(values), 1e-9)
}

func TestEmptyInputs(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 0.0, PopulationVariance(nil))
	assert.Equal(t, 0.0, PopulationStdDev([]float64{}))
}

func TestZScore(t *testing.T) {
	assert.InDelta(t, 1.5, ZScore(8, 5, 2), 1e-9)
	assert.InDelta(t, -1.0, ZScore(3, 5, 2), 1e-9)
	assert.Equal(t, 0.0, ZScore(100, 5, 0))
}

func TestIsAnomaly_ZeroStdDevNeverAnomalous(t *testing.T) {
	for _, v := range []float64{-1e9, 0, 3, 1e9} {
		for _, m := range []float64{-5, 0, 42} {
			assert.False(t, IsAnomaly(v, m, 0, DefaultThresholdSD), "value=%v mean=%v", v, m)
		}
	}
}

func TestIsAnomaly_Threshold(t *testing.T) {
	assert.False(t, IsAnomaly(9, 5, 2, 2.0), "z == 2 is not beyond the threshold")
	assert.True(t, IsAnomaly(9.1, 5, 2, 2.0))
	assert.True(t, IsAnomaly(0.9, 5, 2, 2.0))
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 0.0, Confidence(5, 20, 100))
	assert.Equal(t, 0.0, Confidence(20, 20, 100))
	assert.InDelta(t, 0.5, Confidence(60, 20, 100), 1e-9)
	assert.Equal(t, 1.0, Confidence(100, 20, 100))
	assert.Equal(t, 1.0, Confidence(5000, 20, 100))
	assert.Equal(t, 1.0, Confidence(20, 20, 20))
}

func TestConfidence_MonotonicAndBounded(t *testing.T) {
	prev := 0.0
	for n := 0; n <= 300; n++ {
		c := Confidence(n, 20, 150)
		if c < prev {
			t.Fatalf("confidence decreased at n=%d: %f < %f", n, c, prev)
		}
		if c < 0 || c > 1 {
			t.Fatalf("confidence out of bounds at n=%d: %f", n, c)
		}
		prev = c
	}
}

func TestHaversineDistance(t *testing.T) {
	// Same point.
	assert.InDelta(t, 0, HaversineDistance(48.8566, 2.3522, 48.8566, 2.3522), 1e-6)

	// One degree of latitude is ~111.19 km on a 6371 km sphere.
	d := HaversineDistance(0, 0, 1, 0)
	assert.InDelta(t, 111_195, d, 5)

	// Paris -> London, roughly 343.5 km.
	d = HaversineDistance(48.8566, 2.3522, 51.5074, -0.1278)
	assert.InDelta(t, 343_500, d, 1_500)

	// Symmetric.
	assert.InDelta(t, HaversineDistance(10, 20, 30, 40), HaversineDistance(30, 40, 10, 20), 1e-6)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-3, 0, 1))
	assert.Equal(t, 1.0, Clamp(math.Inf(1), 0, 1))
	assert.Equal(t, 0.25, Clamp(0.25, 0, 1))
}
