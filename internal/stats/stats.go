// Package stats holds the pure arithmetic every baseline and anomaly decision
// is built from. Nothing here keeps state or touches I/O, so each result can be
// reproduced by hand from the inputs.
package stats

import "math"

// EarthRadiusMeters is the mean Earth radius used by HaversineDistance.
const EarthRadiusMeters = 6_371_000.0

// DefaultThresholdSD is the number of standard deviations beyond which a value
// counts as anomalous.
const DefaultThresholdSD = 2.0

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// PopulationVariance returns sum((x - mean)^2) / n, or 0 for an empty slice.
func PopulationVariance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := Mean(values)
	var acc float64
	for _, v := range values {
		d := v - m
		acc += d * d
	}
	return acc / float64(len(values))
}

// PopulationStdDev is the square root of PopulationVariance.
func PopulationStdDev(values []float64) float64 {
	return math.Sqrt(PopulationVariance(values))
}

// ZScore returns how many standard deviations value lies from mean.
// A zero (or negative) stdDev yields 0.
func ZScore(value, mean, stdDev float64) float64 {
	if stdDev <= 0 {
		return 0
	}
	return (value - mean) / stdDev
}

// IsAnomaly reports whether |z| exceeds thresholdSD. It is always false when
// stdDev is zero: a perfectly flat history cannot say what "unusual" means.
func IsAnomaly(value, mean, stdDev, thresholdSD float64) bool {
	if stdDev == 0 {
		return false
	}
	return math.Abs(ZScore(value, mean, stdDev)) > thresholdSD
}

// Confidence ramps linearly from 0 at minSamples to 1 at saturationSamples.
// Below minSamples it is 0. The result is always within [0, 1] and never
// decreases as sampleCount grows.
func Confidence(sampleCount, minSamples, saturationSamples int) float64 {
	if sampleCount < minSamples || sampleCount <= 0 {
		return 0
	}
	if saturationSamples <= minSamples {
		return 1
	}
	c := float64(sampleCount-minSamples) / float64(saturationSamples-minSamples)
	return Clamp(c, 0, 1)
}

// HaversineDistance returns the great-circle distance in meters between two
// points given in decimal degrees.
func HaversineDistance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Ints converts integer samples to float64 for the functions above.
func Ints(values []int) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}
