package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// MinUnlockSamples is the number of completed slots a bucket needs
	// before its frequency is judged.
	MinUnlockSamples = 7
	// FrequencyMultiplier is how far above the average a slot must go.
	FrequencyMultiplier = 3.0
	// FailedAttemptsThreshold is the consecutive-failure count that raises
	// FAILED_ATTEMPTS_RISK, and again at each multiple.
	FailedAttemptsThreshold = 3

	highFrequencyPoints  = 15
	failedAttemptsPoints = 20
)

// UnlockAnalyzer learns how often the device is unlocked per (hour, weekday)
// and flags bursts and runs of failures.
type UnlockAnalyzer struct {
	store Store
	loc   *time.Location
	rec   recorder
}

// NewUnlockAnalyzer creates an unlock analyzer bucketing in loc.
func NewUnlockAnalyzer(store Store, loc *time.Location, logger *slog.Logger) *UnlockAnalyzer {
	return &UnlockAnalyzer{
		store: store,
		loc:   loc,
		rec:   recorder{analyzer: AnalyzerUnlock, store: store, logger: logger},
	}
}

// RecordUnlock counts a successful unlock.
func (a *UnlockAnalyzer) RecordUnlock(ctx context.Context, ts time.Time) (int, error) {
	return a.observe(ctx, ts, true)
}

// RecordFailedAttempt counts a failed unlock. Failures also count toward
// unlock frequency.
func (a *UnlockAnalyzer) RecordFailedAttempt(ctx context.Context, ts time.Time) (int, error) {
	return a.observe(ctx, ts, false)
}

func (a *UnlockAnalyzer) observe(ctx context.Context, ts time.Time, success bool) (int, error) {
	local := ts.In(a.loc)
	hour, dow := local.Hour(), int(local.Weekday())
	slot := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, a.loc)

	p, err := a.store.GetUnlockPattern(ctx, hour, dow)
	if err != nil {
		return 0, fmt.Errorf("get unlock pattern: %w", err)
	}
	if p == nil {
		p = &UnlockPattern{HourOfDay: hour, DayOfWeek: dow, SlotStart: slot}
	}
	if !p.SlotStart.Equal(slot) {
		if !p.SlotStart.IsZero() && slot.After(p.SlotStart) {
			p.SampleCount++
			p.AverageUnlocks += (float64(p.CurrentCount) - p.AverageUnlocks) / float64(p.SampleCount)
		}
		p.SlotStart = slot
		p.CurrentCount = 0
		p.ConsecutiveFailures = 0
	}

	before := p.CurrentCount
	p.CurrentCount++
	p.LastUnlock = ts
	if success {
		p.ConsecutiveFailures = 0
	} else {
		p.ConsecutiveFailures++
	}

	var (
		points int
		errs   error
	)
	if limit := FrequencyMultiplier * p.AverageUnlocks; p.SampleCount >= MinUnlockSamples && p.AverageUnlocks > 0 &&
		float64(before) <= limit && float64(p.CurrentCount) > limit {
		n, err := a.rec.record(ctx, AnomalyHighFrequency, highFrequencyPoints, ts,
			fmt.Sprintf("count=%d average=%.2f hour=%d dow=%d", p.CurrentCount, p.AverageUnlocks, hour, dow))
		points += n
		errs = err
	}
	if !success && p.ConsecutiveFailures%FailedAttemptsThreshold == 0 {
		n, err := a.rec.record(ctx, AnomalyFailedAttemptsRisk, failedAttemptsPoints, ts,
			fmt.Sprintf("consecutive_failures=%d hour=%d dow=%d", p.ConsecutiveFailures, hour, dow))
		points += n
		if errs == nil {
			errs = err
		}
	}

	if err := a.store.UpsertUnlockPattern(ctx, p); err != nil {
		return min(points, CapUnlock), fmt.Errorf("update unlock pattern: %w", err)
	}
	return min(points, CapUnlock), errs
}
