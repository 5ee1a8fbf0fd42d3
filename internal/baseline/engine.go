package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/signal"
	"github.com/mbd888/sentinel/internal/stats"
	"github.com/mbd888/sentinel/internal/traces"
)

// Window is how far back UpdateBaselines reads the signal log.
const Window = 30 * 24 * time.Hour

// Engine owns the three trackers and keeps them in sync with the store.
type Engine struct {
	signals signal.Store
	store   Store
	logger  *slog.Logger
	policy  retry.Policy
	now     func() time.Time

	mu          sync.Mutex // serializes Initialize / UpdateBaselines / Reset
	initialized bool
	// consumed holds, per metric, the unprocessed signal IDs its stored
	// baseline already reflects.
	consumed map[MetricType]map[string]struct{}

	usage     *UsageHourMetric
	sessions  *SessionMetric
	locations *LocationMetric
	loc       *time.Location
}

// NewEngine creates a baseline engine reading from signals and persisting
// into store. Trackers bucket hours and days in the local time zone.
func NewEngine(signals signal.Store, store Store) *Engine {
	return &Engine{
		signals:   signals,
		store:     store,
		logger:    logging.Discard(),
		policy:    retry.DefaultPolicy,
		now:       time.Now,
		usage:     NewUsageHourMetric(time.Local),
		sessions:  NewSessionMetric(time.Local),
		locations: NewLocationMetric(),
		loc:       time.Local,
		consumed:  make(map[MetricType]map[string]struct{}),
	}
}

// WithLogger sets the logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = logging.OrDiscard(l)
	return e
}

// WithClock replaces time.Now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// WithLocation sets the time zone used for hour-of-day and day bucketing.
// Call before Initialize.
func (e *Engine) WithLocation(loc *time.Location) *Engine {
	e.loc = loc
	e.usage = NewUsageHourMetric(loc)
	e.sessions = NewSessionMetric(loc)
	return e
}

// WithRetryPolicy bounds every store call.
func (e *Engine) WithRetryPolicy(p retry.Policy) *Engine {
	e.policy = p
	return e
}

func (e *Engine) trackers() []Tracker {
	return []Tracker{e.usage, e.sessions, e.locations}
}

// Initialize loads each tracker's persisted baseline. It is idempotent. A
// corrupt baseline resets only that tracker.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialize(ctx)
}

func (e *Engine) initialize(ctx context.Context) error {
	if e.initialized {
		return nil
	}
	clear(e.consumed)
	for _, t := range e.trackers() {
		b, err := retry.Value(ctx, e.policy, func(ctx context.Context) (*Baseline, error) {
			return e.store.GetByType(ctx, t.MetricType())
		})
		if err != nil {
			return fmt.Errorf("load %s baseline: %w", t.MetricType(), err)
		}
		if err := t.LoadFromBaseline(b); err != nil {
			e.logger.Warn("corrupt baseline reset",
				"metric", string(t.MetricType()), "error", err)
			continue
		}
		if b != nil {
			e.consumed[t.MetricType()] = idSet(b.ConsumedIDs)
			metrics.BaselineConfidence.WithLabelValues(string(b.MetricType)).Set(b.Confidence)
		}
	}
	e.initialized = true
	return nil
}

// UpdateBaselines reads the last 30 days of signals, feeds the ones not yet
// consumed to every tracker, persists the results and marks those signals
// processed.
//
// Each stored baseline records which unprocessed signals it already
// reflects. When a run fails after some baselines were written, the next
// run reloads from the store and skips, per tracker, the signals its
// baseline already counted, so every signal is counted exactly once.
func (e *Engine) UpdateBaselines(ctx context.Context) (err error) {
	ctx, span := traces.StartSpan(ctx, "baseline.UpdateBaselines")
	defer func() {
		traces.RecordError(span, err)
		span.End()
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.BaselineUpdatesTotal.WithLabelValues(result).Inc()
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.initialize(ctx); err != nil {
		return err
	}

	now := e.now()
	window, err := retry.Value(ctx, e.policy, func(ctx context.Context) ([]*signal.Signal, error) {
		return e.signals.GetInRange(ctx, now.Add(-Window), now)
	})
	if err != nil {
		return fmt.Errorf("read signal window: %w", err)
	}
	fresh := signal.Unprocessed(window)
	span.SetAttributes(traces.SignalCount(len(fresh)))
	if len(fresh) == 0 {
		return nil
	}
	ids := signal.IDs(fresh)

	for _, t := range e.trackers() {
		if err := e.apply(ctx, t, fresh, ids, now); err != nil {
			// Trackers may now hold counts the store does not; reload.
			e.initialized = false
			return err
		}
	}

	if err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		return e.signals.MarkProcessed(ctx, ids)
	}); err != nil {
		// Stored baselines carry ids, so in-memory state stays valid.
		return fmt.Errorf("mark signals processed: %w", err)
	}
	clear(e.consumed)

	e.logger.Debug("baselines updated", "signals", len(fresh))
	return nil
}

// apply feeds t the signals its baseline has not counted yet and persists
// the result along with ids.
func (e *Engine) apply(ctx context.Context, t Tracker, fresh []*signal.Signal, ids []string, now time.Time) error {
	seen := e.consumed[t.MetricType()]
	batch := fresh
	if len(seen) > 0 {
		batch = make([]*signal.Signal, 0, len(fresh))
		for _, s := range fresh {
			if _, ok := seen[s.ID]; !ok {
				batch = append(batch, s)
			}
		}
	}
	t.UpdateFromSignals(batch)

	b, err := t.ToBaseline(now)
	if err != nil {
		return fmt.Errorf("encode %s baseline: %w", t.MetricType(), err)
	}
	b.ConsumedIDs = ids
	if err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		return e.store.Upsert(ctx, b)
	}); err != nil {
		return fmt.Errorf("persist %s baseline: %w", t.MetricType(), err)
	}
	e.consumed[t.MetricType()] = idSet(ids)
	metrics.BaselineConfidence.WithLabelValues(string(b.MetricType)).Set(b.Confidence)
	return nil
}

func idSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// IsLearningComplete is true once both usage-hour and session baselines
// have completed learning.
func (e *Engine) IsLearningComplete() bool {
	return e.usage.LearningComplete() && e.sessions.LearningComplete()
}

// GetLearningProgress is the average stored confidence, within [0, 1].
func (e *Engine) GetLearningProgress(ctx context.Context) (float64, error) {
	avg, err := retry.Value(ctx, e.policy, e.store.GetAverageConfidence)
	if err != nil {
		return 0, fmt.Errorf("average confidence: %w", err)
	}
	return stats.Clamp(avg, 0, 1), nil
}

// IsCurrentHourAnomaly checks the current local hour against the usage histogram.
func (e *Engine) IsCurrentHourAnomaly() bool {
	return e.usage.IsHourAnomaly(e.now().In(e.loc).Hour())
}

// IsHourAnomaly checks hour (0-23) against the usage histogram.
func (e *Engine) IsHourAnomaly(hour int) bool {
	return e.usage.IsHourAnomaly(hour)
}

// IsTodaySessionCountAnomaly compares today's session count with other days.
func (e *Engine) IsTodaySessionCountAnomaly() bool {
	return e.sessions.IsTodaySessionCountAnomaly(e.now())
}

// IsSessionDurationAnomaly compares a session length with recorded ones.
func (e *Engine) IsSessionDurationAnomaly(durationMs int64) bool {
	return e.sessions.IsSessionDurationAnomaly(durationMs)
}

// IsLocationAnomaly checks a coordinate against established clusters.
func (e *Engine) IsLocationAnomaly(lat, lng float64) bool {
	return e.locations.IsLocationAnomaly(lat, lng)
}

// Reset forgets everything learned, in memory and in the store.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, t := range e.trackers() {
		t.Reset()
		metrics.BaselineConfidence.WithLabelValues(string(t.MetricType())).Set(0)
	}
	clear(e.consumed)
	e.initialized = true

	if err := retry.Do(ctx, e.policy, e.store.DeleteAll); err != nil {
		return fmt.Errorf("reset baselines: %w", err)
	}
	return nil
}
