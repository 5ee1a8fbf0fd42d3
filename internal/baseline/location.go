package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/signal"
	"github.com/mbd888/sentinel/internal/stats"
)

const (
	// ClusterRadiusMeters is how far a point may be from a cluster's centre
	// and still belong to it.
	ClusterRadiusMeters = 500.0
	// MinClusterHits is the hit count at which a cluster becomes established.
	MinClusterHits = 3
	// MaxClusters bounds the cluster list.
	MaxClusters = 20

	locationMinSamples        = 10
	locationSaturationSamples = 50
	minEstablishedClusters    = 2
)

// Cluster is a centre of repeated presence.
type Cluster struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Hits int     `json:"hits"`
}

func (c Cluster) established() bool { return c.Hits >= MinClusterHits }

// LocationMetric clusters LOCATION_UPDATE coordinates greedily: each point
// joins the nearest cluster within ClusterRadiusMeters or seeds a new one.
type LocationMetric struct {
	mu       sync.Mutex
	clusters []Cluster
	points   int
	learning learning
}

type locationState struct {
	Clusters []Cluster `json:"clusters"`
	Points   int       `json:"points"`
}

// NewLocationMetric creates an empty location tracker.
func NewLocationMetric() *LocationMetric {
	return &LocationMetric{}
}

func (m *LocationMetric) MetricType() MetricType { return MetricLocation }

func (m *LocationMetric) UpdateFromSignals(signals []*signal.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range signals {
		if s.Type != signal.TypeLocationUpdate {
			continue
		}
		if lat, lng, ok := s.Coordinates(); ok {
			m.addPoint(lat, lng)
		}
	}
	m.learning.observe(m.points, locationMinSamples,
		stats.Confidence(m.points, locationMinSamples, locationSaturationSamples))
}

// AddPoint records a single observation.
func (m *LocationMetric) AddPoint(lat, lng float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addPoint(lat, lng)
	m.learning.observe(m.points, locationMinSamples,
		stats.Confidence(m.points, locationMinSamples, locationSaturationSamples))
}

func (m *LocationMetric) addPoint(lat, lng float64) {
	m.points++

	nearest, dist := -1, math.Inf(1)
	for i, c := range m.clusters {
		if d := stats.HaversineDistance(lat, lng, c.Lat, c.Lng); d < dist {
			nearest, dist = i, d
		}
	}
	if nearest >= 0 && dist <= ClusterRadiusMeters {
		c := &m.clusters[nearest]
		c.Hits++
		c.Lat += (lat - c.Lat) / float64(c.Hits)
		c.Lng += (lng - c.Lng) / float64(c.Hits)
		return
	}

	seed := Cluster{Lat: lat, Lng: lng, Hits: 1}
	if len(m.clusters) < MaxClusters {
		m.clusters = append(m.clusters, seed)
		return
	}

	// Full: replace the weakest cluster that has not yet become established.
	weakest := -1
	for i, c := range m.clusters {
		if c.established() {
			continue
		}
		if weakest < 0 || c.Hits < m.clusters[weakest].Hits {
			weakest = i
		}
	}
	if weakest >= 0 {
		m.clusters[weakest] = seed
	}
}

// IsLocationAnomaly is false until at least two clusters are established,
// then true iff (lat, lng) lies outside every established cluster.
func (m *LocationMetric) IsLocationAnomaly(lat, lng float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	var established []Cluster
	for _, c := range m.clusters {
		if c.established() {
			established = append(established, c)
		}
	}
	if len(established) < minEstablishedClusters {
		return false
	}
	for _, c := range established {
		if stats.HaversineDistance(lat, lng, c.Lat, c.Lng) <= ClusterRadiusMeters {
			return false
		}
	}
	return true
}

// Clusters returns a copy of the current clusters.
func (m *LocationMetric) Clusters() []Cluster {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Cluster(nil), m.clusters...)
}

func (m *LocationMetric) LearningComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.learning.complete
}

func (m *LocationMetric) ToBaseline(now time.Time) (*Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(locationState{Clusters: m.clusters, Points: m.points})
	if err != nil {
		return nil, fmt.Errorf("encode clusters: %w", err)
	}
	return &Baseline{
		ID:               baselineID(MetricLocation),
		MetricType:       MetricLocation,
		EncodedValue:     string(data),
		Confidence:       m.learning.confidence,
		SampleCount:      m.points,
		LearningComplete: m.learning.complete,
		UpdatedAt:        now,
	}, nil
}

func (m *LocationMetric) LoadFromBaseline(b *Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	if b == nil {
		return nil
	}

	var st locationState
	if err := json.Unmarshal([]byte(b.EncodedValue), &st); err != nil {
		return errors.Join(ErrCorruptBaseline, err)
	}
	if len(st.Clusters) > MaxClusters || st.Points < 0 {
		return fmt.Errorf("%w: location state out of bounds", ErrCorruptBaseline)
	}
	for _, c := range st.Clusters {
		if c.Hits < 1 || c.Lat < -90 || c.Lat > 90 || c.Lng < -180 || c.Lng > 180 {
			return fmt.Errorf("%w: bad cluster", ErrCorruptBaseline)
		}
	}

	m.clusters = st.Clusters
	m.points = st.Points
	m.learning.restore(b)
	return nil
}

func (m *LocationMetric) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *LocationMetric) reset() {
	m.clusters = nil
	m.points = 0
	m.learning = learning{}
}
