// Package risk turns the last hour of signals, the learned baselines and the
// behavioral analyzers into a single 0-100 score.
//
// A score is the sum of fixed per-signal weights, baseline-anomaly points,
// capped behavioral points and compound-scenario bonuses. When nothing new
// has happened since the previous score, that score decays by 10% per hour
// instead of dropping straight to the fresh total.
package risk

import (
	"context"
	"errors"
	"time"
)

// Level is the response tier a score maps to.
type Level string

const (
	LevelNormal   Level = "NORMAL"
	LevelWarning  Level = "WARNING"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Lower bounds (inclusive) of each level.
const (
	ThresholdWarning  = 40
	ThresholdHigh     = 70
	ThresholdCritical = 90

	MinScore = 0
	MaxScore = 100
)

// LevelForScore maps a total score to its level.
func LevelForScore(score int) Level {
	switch {
	case score >= ThresholdCritical:
		return LevelCritical
	case score >= ThresholdHigh:
		return LevelHigh
	case score >= ThresholdWarning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// ParseLevel maps a stored level name back to a Level, defaulting to NORMAL.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelWarning, LevelHigh, LevelCritical:
		return Level(s)
	}
	return LevelNormal
}

func (l Level) rank() int {
	switch l {
	case LevelWarning:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	}
	return 0
}

// AtLeast reports whether l is as severe as other.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// Score is an immutable evaluation result.
type Score struct {
	ID            string         `json:"id"`
	TotalScore    int            `json:"totalScore"`
	Level         Level          `json:"level"`
	Contributions map[string]int `json:"contributions"`
	TriggerReason string         `json:"triggerReason"`
	Decayed       bool           `json:"decayed"`
	Timestamp     time.Time      `json:"timestamp"`
}

func (s *Score) clone() *Score {
	c := *s
	c.Contributions = make(map[string]int, len(s.Contributions))
	for k, v := range s.Contributions {
		c.Contributions[k] = v
	}
	return &c
}

// Triggers lists the contribution names, highest first.
func (s *Score) Triggers() []string {
	return sortedContributions(s.Contributions).names()
}

var (
	// ErrEvaluationSkipped means a store was unavailable; the previous score
	// stays the latest.
	ErrEvaluationSkipped = errors.New("risk: evaluation skipped")
)

// Store keeps the score history. GetLatest returns nil, nil when empty.
type Store interface {
	Insert(ctx context.Context, s *Score) error
	GetLatest(ctx context.Context) (*Score, error)
	ListRecent(ctx context.Context, limit int) ([]*Score, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
