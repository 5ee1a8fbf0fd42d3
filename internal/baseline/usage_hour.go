package baseline

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/signal"
	"github.com/mbd888/sentinel/internal/stats"
)

const (
	usageHourMinSamples        = 20
	usageHourSaturationSamples = 200
)

// UsageHourMetric is a 24-bucket histogram of APP_OPENED signals by local
// hour of day.
type UsageHourMetric struct {
	mu        sync.Mutex
	loc       *time.Location
	histogram [24]int
	total     int
	learning  learning
}

type usageHourState struct {
	Histogram []int `json:"histogram"`
}

// NewUsageHourMetric creates an empty histogram that buckets timestamps in loc.
func NewUsageHourMetric(loc *time.Location) *UsageHourMetric {
	if loc == nil {
		loc = time.Local
	}
	return &UsageHourMetric{loc: loc}
}

func (m *UsageHourMetric) MetricType() MetricType { return MetricUsageHour }

func (m *UsageHourMetric) UpdateFromSignals(signals []*signal.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range signals {
		if s.Type != signal.TypeAppOpened {
			continue
		}
		m.histogram[s.Timestamp.In(m.loc).Hour()]++
		m.total++
	}
	m.learning.observe(m.total, usageHourMinSamples,
		stats.Confidence(m.total, usageHourMinSamples, usageHourSaturationSamples))
}

// IsHourAnomaly is true only when enough usage has been seen, nothing was
// ever seen at hour, and the histogram mean exceeds its standard deviation.
func (m *UsageHourMetric) IsHourAnomaly(hour int) bool {
	if hour < 0 || hour > 23 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.total < usageHourMinSamples || m.histogram[hour] != 0 {
		return false
	}
	values := stats.Ints(m.histogram[:])
	return stats.Mean(values) > stats.PopulationStdDev(values)
}

// Total is the number of APP_OPENED signals counted.
func (m *UsageHourMetric) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Histogram returns a copy of the hourly counts.
func (m *UsageHourMetric) Histogram() [24]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.histogram
}

func (m *UsageHourMetric) LearningComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.learning.complete
}

func (m *UsageHourMetric) ToBaseline(now time.Time) (*Baseline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(usageHourState{Histogram: m.histogram[:]})
	if err != nil {
		return nil, fmt.Errorf("encode usage histogram: %w", err)
	}
	variance := stats.PopulationVariance(stats.Ints(m.histogram[:]))
	return &Baseline{
		ID:               baselineID(MetricUsageHour),
		MetricType:       MetricUsageHour,
		EncodedValue:     string(data),
		Variance:         &variance,
		Confidence:       m.learning.confidence,
		SampleCount:      m.total,
		LearningComplete: m.learning.complete,
		UpdatedAt:        now,
	}, nil
}

func (m *UsageHourMetric) LoadFromBaseline(b *Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reset()
	if b == nil {
		return nil
	}

	var st usageHourState
	if err := json.Unmarshal([]byte(b.EncodedValue), &st); err != nil {
		return errors.Join(ErrCorruptBaseline, err)
	}
	if len(st.Histogram) != 24 {
		return fmt.Errorf("%w: histogram has %d buckets", ErrCorruptBaseline, len(st.Histogram))
	}
	var total int
	for _, c := range st.Histogram {
		if c < 0 {
			return fmt.Errorf("%w: negative bucket count", ErrCorruptBaseline)
		}
		total += c
	}

	copy(m.histogram[:], st.Histogram)
	m.total = total
	m.learning.restore(b)
	return nil
}

func (m *UsageHourMetric) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *UsageHourMetric) reset() {
	m.histogram = [24]int{}
	m.total = 0
	m.learning = learning{}
}
