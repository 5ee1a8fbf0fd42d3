package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mbd888/sentinel/internal/behavior"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/signal"
	"github.com/mbd888/sentinel/internal/traces"
)

const (
	// Window is how far back each evaluation looks for signals.
	Window = 60 * time.Minute
	// DecayPerHour is the fraction of a stale score lost per hour.
	DecayPerHour = 0.10
)

// Baselines answers the anomaly questions the engine asks.
// *baseline.Engine satisfies it.
type Baselines interface {
	IsCurrentHourAnomaly() bool
	IsTodaySessionCountAnomaly() bool
	IsSessionDurationAnomaly(durationMs int64) bool
	IsLocationAnomaly(lat, lng float64) bool
}

// Behavior supplies capped behavioral points. *behavior.Monitor satisfies it.
type Behavior interface {
	RiskPoints(ctx context.Context, since, until time.Time) (behavior.Points, error)
}

// Engine computes and persists risk scores. Evaluations are serialized: the
// read of the previous score and the write of the new one never interleave.
type Engine struct {
	signals   signal.Store
	store     Store
	baselines Baselines
	behavior  Behavior
	logger    *slog.Logger
	policy    retry.Policy
	now       func() time.Time
	running   *semaphore.Weighted
}

// NewEngine creates a scoring engine over the signal log and score store.
// Baseline and behavioral sources are optional.
func NewEngine(signals signal.Store, store Store) *Engine {
	return &Engine{
		signals: signals,
		store:   store,
		logger:  logging.Discard(),
		policy:  retry.DefaultPolicy,
		now:     time.Now,
		running: semaphore.NewWeighted(1),
	}
}

// WithBaselines adds baseline-anomaly contributions.
func (e *Engine) WithBaselines(b Baselines) *Engine {
	e.baselines = b
	return e
}

// WithBehavior adds behavioral-analyzer contributions.
func (e *Engine) WithBehavior(b Behavior) *Engine {
	e.behavior = b
	return e
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

// WithRetryPolicy bounds every store call.
func (e *Engine) WithRetryPolicy(p retry.Policy) *Engine {
	e.policy = p
	return e
}

// Latest returns the most recent persisted score, or nil.
func (e *Engine) Latest(ctx context.Context) (*Score, error) {
	return retry.Value(ctx, e.policy, e.store.GetLatest)
}

// History returns up to limit scores, newest first.
func (e *Engine) History(ctx context.Context, limit int) ([]*Score, error) {
	return retry.Value(ctx, e.policy, func(ctx context.Context) ([]*Score, error) {
		return e.store.ListRecent(ctx, limit)
	})
}

// Evaluate scores the current window and persists the result. Store errors
// are returned wrapped in ErrEvaluationSkipped; nothing is written then.
// A caller waiting for a running evaluation gives up when ctx is done.
func (e *Engine) Evaluate(ctx context.Context) (*Score, error) {
	if err := e.running.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.running.Release(1)

	start := time.Now()
	evalID := idgen.WithPrefix("eval_")
	ctx = logging.WithEvaluationID(ctx, evalID)
	ctx, span := traces.StartSpan(ctx, "risk.Evaluate", traces.EvaluationID(evalID))
	defer span.End()

	score, err := e.evaluate(ctx, evalID)
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		traces.RecordError(span, err)
		metrics.EvaluationsSkippedTotal.Inc()
		e.logger.Warn("risk evaluation skipped", "evaluation_id", evalID, "error", err)
		return nil, err
	}

	span.SetAttributes(traces.RiskScore(score.TotalScore), traces.RiskLevel(string(score.Level)))
	metrics.EvaluationsTotal.WithLabelValues(string(score.Level)).Inc()
	metrics.RiskScore.Set(float64(score.TotalScore))
	e.logger.Info("risk evaluated",
		"evaluation_id", evalID,
		"score", score.TotalScore,
		"level", string(score.Level),
		"decayed", score.Decayed,
		"reason", score.TriggerReason,
	)
	return score, nil
}

func (e *Engine) evaluate(ctx context.Context, evalID string) (*Score, error) {
	now := e.now()
	since := now.Add(-Window)

	signals, err := retry.Value(ctx, e.policy, func(ctx context.Context) ([]*signal.Signal, error) {
		return e.signals.GetInRange(ctx, since, now)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: read signals: %w", ErrEvaluationSkipped, err)
	}
	prev, err := retry.Value(ctx, e.policy, e.store.GetLatest)
	if err != nil {
		return nil, fmt.Errorf("%w: read previous score: %w", ErrEvaluationSkipped, err)
	}

	var points behavior.Points
	if e.behavior != nil {
		points, err = retry.Value(ctx, e.policy, func(ctx context.Context) (behavior.Points, error) {
			return e.behavior.RiskPoints(ctx, since, now)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: read behavioral points: %w", ErrEvaluationSkipped, err)
		}
	}

	contributions := make(map[string]int)
	active := make(map[signal.Type]bool)
	for _, s := range signals {
		active[s.Type] = true
		if w := Weight(s.Type); w > 0 {
			contributions[s.Name()] += w
		}
	}
	e.addBaselineAnomalies(contributions, signals)
	if behavioral := min(points.Total, behavior.CapTotal); behavioral > 0 {
		contributions[ContribBehavioral] = behavioral
	}
	for name, bonus := range CompoundBonuses(active) {
		contributions[name] = bonus
	}

	fresh := 0
	for _, v := range contributions {
		fresh += v
	}
	total := fresh
	reason := sortedContributions(contributions).String()

	var decayed bool
	if prev != nil && points.Total == 0 && !hasSignalsAfter(signals, prev.Timestamp) {
		d := DecayedScore(prev.TotalScore, now.Sub(prev.Timestamp))
		if d > fresh {
			total = d
			decayed = true
			contributions[ContribDecayed] = d - fresh
			reason = fmt.Sprintf("decayed from %d over %s", prev.TotalScore, now.Sub(prev.Timestamp).Round(time.Minute))
		}
	}

	total = clamp(total)
	if reason == "" {
		reason = "no risk signals"
	}

	score := &Score{
		ID:            idgen.WithPrefix("rs_"),
		TotalScore:    total,
		Level:         LevelForScore(total),
		Contributions: contributions,
		TriggerReason: reason,
		Decayed:       decayed,
		Timestamp:     now,
	}

	// The write completes even if the caller is shutting down.
	writeCtx := context.WithoutCancel(ctx)
	if err := retry.Do(writeCtx, e.policy, func(ctx context.Context) error {
		return e.store.Insert(ctx, score)
	}); err != nil {
		return nil, fmt.Errorf("%w: persist score: %w", ErrEvaluationSkipped, err)
	}
	return score, nil
}

func (e *Engine) addBaselineAnomalies(contributions map[string]int, signals []*signal.Signal) {
	if e.baselines == nil {
		return
	}
	if hasUserActivity(signals) && e.baselines.IsCurrentHourAnomaly() {
		contributions[ContribUnusualHour] = PointsUnusualHour
	}
	if e.baselines.IsTodaySessionCountAnomaly() {
		contributions[ContribUnusualSessionCount] = PointsUnusualSessionCount
	}
	if end := latestOf(signals, signal.TypeSessionEnd); end != nil {
		if d, ok := end.SessionDurationMs(); ok && e.baselines.IsSessionDurationAnomaly(d) {
			contributions[ContribUnusualSessionDuration] = PointsUnusualSessionDuration
		}
	}
	if loc := latestOf(signals, signal.TypeLocationUpdate); loc != nil {
		if lat, lng, ok := loc.Coordinates(); ok && e.baselines.IsLocationAnomaly(lat, lng) {
			contributions[ContribUnknownLocation] = PointsUnknownLocation
		}
	}
}

// DecayedScore is prev reduced by DecayPerHour for every hour of age. It is
// never above prev and never below 0.
func DecayedScore(prev int, age time.Duration) int {
	if age < 0 {
		age = 0
	}
	factor := math.Max(0, 1-DecayPerHour*age.Hours())
	d := int(math.Floor(float64(prev)*factor + 1e-9))
	return max(0, min(d, prev))
}

func clamp(v int) int {
	return max(MinScore, min(v, MaxScore))
}

func hasSignalsAfter(signals []*signal.Signal, t time.Time) bool {
	for _, s := range signals {
		if s.Timestamp.After(t) {
			return true
		}
	}
	return false
}

// hasUserActivity reports whether someone used the device in the window.
func hasUserActivity(signals []*signal.Signal) bool {
	for _, s := range signals {
		switch s.Type {
		case signal.TypeAppOpened, signal.TypeUnlockSuccess, signal.TypeUnlockFailed, signal.TypeSessionStart:
			return true
		}
	}
	return false
}

func latestOf(signals []*signal.Signal, t signal.Type) *signal.Signal {
	var latest *signal.Signal
	for _, s := range signals {
		if s.Type == t && (latest == nil || !s.Timestamp.Before(latest.Timestamp)) {
			latest = s
		}
	}
	return latest
}

type contribution struct {
	name   string
	points int
}

type contributionList []contribution

func sortedContributions(m map[string]int) contributionList {
	out := make(contributionList, 0, len(m))
	for k, v := range m {
		out = append(out, contribution{k, v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].points != out[j].points {
			return out[i].points > out[j].points
		}
		return out[i].name < out[j].name
	})
	return out
}

func (l contributionList) names() []string {
	out := make([]string, len(l))
	for i, c := range l {
		out[i] = c.name
	}
	return out
}

func (l contributionList) String() string {
	parts := make([]string, len(l))
	for i, c := range l {
		parts[i] = fmt.Sprintf("%s(+%d)", c.name, c.points)
	}
	return strings.Join(parts, ", ")
}
