// Package baseline learns per-user behavioral norms from the signal log and
// answers "is this unusual?" questions against them.
//
// Three trackers each own one metric: the hour-of-day usage histogram, session
// cadence and length, and visited-location clusters. The Engine feeds them
// from a rolling 30-day window, persists each as a Baseline row, and restores
// them on start.
package baseline

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/mbd888/sentinel/internal/signal"
)

// MetricType identifies which tracker a Baseline row belongs to.
type MetricType string

const (
	MetricUsageHour MetricType = "USAGE_HOUR"
	MetricSession   MetricType = "SESSION"
	MetricLocation  MetricType = "LOCATION"
)

var (
	// ErrCorruptBaseline is returned by LoadFromBaseline when stored data
	// cannot be decoded. The tracker is reset to empty before returning it.
	ErrCorruptBaseline = errors.New("baseline: corrupt baseline data")
)

// Baseline is the persisted summary of one metric.
type Baseline struct {
	ID               string     `json:"id"`
	MetricType       MetricType `json:"metricType"`
	EncodedValue     string     `json:"encodedValue"`
	Variance         *float64   `json:"variance,omitempty"`
	Confidence       float64    `json:"confidence"`
	SampleCount      int        `json:"sampleCount"`
	LearningComplete bool       `json:"learningComplete"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	// ConsumedIDs lists the unprocessed signals already folded into
	// EncodedValue, so a retried update after a partial failure skips them.
	ConsumedIDs []string `json:"consumedIds,omitempty"`
}

func (b *Baseline) clone() *Baseline {
	c := *b
	if b.Variance != nil {
		v := *b.Variance
		c.Variance = &v
	}
	c.ConsumedIDs = slices.Clone(b.ConsumedIDs)
	return &c
}

// Store persists one Baseline per metric type.
type Store interface {
	Upsert(ctx context.Context, b *Baseline) error
	// GetByType returns nil, nil when no baseline has been stored yet.
	GetByType(ctx context.Context, t MetricType) (*Baseline, error)
	GetAllLearningComplete(ctx context.Context) ([]*Baseline, error)
	// GetAverageConfidence is 0 when nothing is stored.
	GetAverageConfidence(ctx context.Context) (float64, error)
	DeleteAll(ctx context.Context) error
}

// Tracker is one learned metric.
type Tracker interface {
	MetricType() MetricType
	UpdateFromSignals(signals []*signal.Signal)
	ToBaseline(now time.Time) (*Baseline, error)
	// LoadFromBaseline restores state. A nil baseline resets the tracker.
	// Undecodable data resets it and returns ErrCorruptBaseline.
	LoadFromBaseline(b *Baseline) error
	LearningComplete() bool
	Reset()
}

func baselineID(t MetricType) string {
	return "bl_" + string(t)
}

// learning carries the sticky progress shared by every tracker: confidence
// never drops and learning never un-completes until Reset.
type learning struct {
	confidence float64
	complete   bool
}

func (l *learning) observe(sampleCount, minSamples int, confidence float64) {
	if confidence > l.confidence {
		l.confidence = confidence
	}
	if sampleCount >= minSamples {
		l.complete = true
	}
}

func (l *learning) restore(b *Baseline) {
	l.confidence = b.Confidence
	l.complete = b.LearningComplete
}
