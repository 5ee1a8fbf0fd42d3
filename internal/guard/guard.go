// Package guard wires the pipeline together: signals in, baselines updated,
// risk scored, response applied. It is the single entry point the daemon and
// the HTTP API talk to.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sentinel/internal/applock"
	"github.com/mbd888/sentinel/internal/baseline"
	"github.com/mbd888/sentinel/internal/behavior"
	"github.com/mbd888/sentinel/internal/devicestate"
	"github.com/mbd888/sentinel/internal/incident"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/response"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/session"
	"github.com/mbd888/sentinel/internal/signal"
)

// DefaultRetention is how long signals, scores and anomalies are kept.
const DefaultRetention = 90 * 24 * time.Hour

// MaxBatch is the largest signal batch Ingest accepts.
const MaxBatch = 500

var (
	ErrEmptyBatch    = errors.New("guard: empty signal batch")
	ErrBatchTooLarge = fmt.Errorf("guard: more than %d signals in one batch", MaxBatch)
)

// Stores are the persistence dependencies.
type Stores struct {
	Signals   signal.Store
	Baselines baseline.Store
	Behavior  behavior.Store
	Scores    risk.Store
	Incidents incident.Store
	State     devicestate.Store
}

// MemoryStores returns in-memory stores, for tests and database-less runs.
func MemoryStores() Stores {
	return Stores{
		Signals:   signal.NewMemoryStore(),
		Baselines: baseline.NewMemoryStore(),
		Behavior:  behavior.NewMemoryStore(),
		Scores:    risk.NewMemoryStore(),
		Incidents: incident.NewMemoryStore(),
		State:     devicestate.NewMemoryStore(),
	}
}

// Options tune a Guard. Zero values take defaults.
type Options struct {
	Logger       *slog.Logger
	Location     *time.Location
	Clock        func() time.Time
	RetryPolicy  retry.Policy
	Retention    time.Duration
	Notifier     response.Notifier
	Hub          *realtime.Hub
	StoreTimeout time.Duration
}

// Guard owns every engine and manager.
type Guard struct {
	stores    Stores
	baselines *baseline.Engine
	monitor   *behavior.Monitor
	risk      *risk.Engine
	response  *response.Engine
	lock      *applock.Manager
	sessions  *session.Manager
	logger    *slog.Logger
	policy    retry.Policy
	retention time.Duration
	now       func() time.Time
}

// New builds the pipeline over stores.
func New(stores Stores, opts Options) *Guard {
	logger := logging.OrDiscard(opts.Logger)
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	policy := opts.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy
	}
	if opts.StoreTimeout > 0 {
		policy = policy.WithTimeout(opts.StoreTimeout)
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	g := &Guard{
		stores:    stores,
		logger:    logger,
		policy:    policy,
		retention: retention,
		now:       now,
	}

	g.baselines = baseline.NewEngine(stores.Signals, stores.Baselines).
		WithLogger(logger.With("component", "baseline")).
		WithClock(now).
		WithLocation(loc).
		WithRetryPolicy(policy)
	g.monitor = behavior.NewMonitor(stores.Behavior, loc, logger.With("component", "behavior")).
		WithTimeout(policy.Timeout)
	g.risk = risk.NewEngine(stores.Signals, stores.Scores).
		WithBaselines(g.baselines).
		WithBehavior(g.monitor).
		WithLogger(logger.With("component", "risk")).
		WithClock(now).
		WithRetryPolicy(policy)

	hub := opts.Hub
	g.lock = applock.NewManager(stores.State).
		WithLogger(logger.With("component", "applock")).
		WithClock(now).
		WithRetryPolicy(policy).
		OnChange(func(st applock.State) { hub.Publish(realtime.EventLock, "", st) })
	g.sessions = session.NewManager(stores.State, stores.Signals).
		WithLogger(logger.With("component", "session")).
		WithClock(now).
		WithRetryPolicy(policy)

	g.response = response.NewEngine(g.risk, g.lock, g.sessions).
		WithIncidents(stores.Incidents).
		WithUnlockRecorder(g.monitor).
		WithSignals(stores.Signals).
		WithHub(hub).
		WithLogger(logger.With("component", "response")).
		WithClock(now).
		WithRetryPolicy(policy)
	if opts.Notifier != nil {
		g.response.WithNotifier(opts.Notifier)
	}
	return g
}

// Start restores persisted lock, session and baseline state. Every part is
// attempted; failures are joined.
func (g *Guard) Start(ctx context.Context) error {
	var errs []error
	if err := g.lock.Load(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load app lock: %w", err))
	}
	if err := g.sessions.Load(ctx); err != nil {
		errs = append(errs, fmt.Errorf("load session: %w", err))
	}
	if err := g.baselines.Initialize(ctx); err != nil {
		errs = append(errs, fmt.Errorf("initialize baselines: %w", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		g.logger.Error("guard started with errors", "error", err)
	} else {
		g.logger.Info("guard started", "locked", g.lock.IsLocked(), "learning_complete", g.baselines.IsLearningComplete())
	}
	return err
}

// IngestResult reports what Ingest did.
type IngestResult struct {
	Stored         int `json:"stored"`
	BehaviorPoints int `json:"behaviorPoints"`
}

// Ingest stores a batch of signals and feeds each to the behavioral
// analyzers. Analyzer errors do not undo the insert; they are returned
// joined after every signal has been seen.
func (g *Guard) Ingest(ctx context.Context, batch []*signal.Signal) (*IngestResult, error) {
	switch {
	case len(batch) == 0:
		return nil, ErrEmptyBatch
	case len(batch) > MaxBatch:
		return nil, ErrBatchTooLarge
	}
	for i, s := range batch {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("signal %d: %w", i, err)
		}
	}

	if err := retry.Do(ctx, g.policy, func(ctx context.Context) error {
		return g.stores.Signals.InsertAll(ctx, batch)
	}); err != nil {
		return nil, fmt.Errorf("store signals: %w", err)
	}

	res := &IngestResult{Stored: len(batch)}
	var errs []error
	for _, s := range batch {
		metrics.SignalsIngestedTotal.WithLabelValues(s.Name()).Inc()
		pts, err := g.monitor.Observe(ctx, s)
		res.BehaviorPoints += pts
		if err != nil {
			errs = append(errs, fmt.Errorf("analyze %s: %w", s.ID, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		g.logger.Warn("behavioral analysis incomplete", "error", err)
	}
	return res, err
}

// Evaluate refreshes the baselines and runs one evaluate-and-respond cycle.
// A baseline failure is logged and scoring proceeds on the last good
// baselines.
func (g *Guard) Evaluate(ctx context.Context) (*response.Result, error) {
	if err := g.baselines.UpdateBaselines(ctx); err != nil {
		g.logger.Warn("baseline update failed, scoring with previous baselines", "error", err)
	}
	return g.response.EvaluateAndRespond(ctx)
}

// Prune deletes signals, scores and anomalies older than the retention
// period. Incidents are kept.
func (g *Guard) Prune(ctx context.Context) error {
	cutoff := g.now().Add(-g.retention)
	var errs []error

	n, err := retry.Value(ctx, g.policy, func(ctx context.Context) (int64, error) {
		return g.stores.Signals.DeleteOlderThan(ctx, cutoff)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("prune signals: %w", err))
	}
	metrics.SignalsPrunedTotal.Add(float64(n))

	if _, err := retry.Value(ctx, g.policy, func(ctx context.Context) (int64, error) {
		return g.stores.Scores.DeleteOlderThan(ctx, cutoff)
	}); err != nil {
		errs = append(errs, fmt.Errorf("prune scores: %w", err))
	}
	if _, err := retry.Value(ctx, g.policy, func(ctx context.Context) (int64, error) {
		return g.monitor.Prune(ctx, cutoff)
	}); err != nil {
		errs = append(errs, fmt.Errorf("prune anomalies: %w", err))
	}

	if n > 0 {
		g.logger.Info("pruned old signals", "count", n, "cutoff", cutoff)
	}
	return errors.Join(errs...)
}

// OnAuthSuccess handles a successful re-authentication.
func (g *Guard) OnAuthSuccess(ctx context.Context, userID string) (session.State, error) {
	return g.response.OnAuthSuccess(ctx, userID)
}

// OnAuthFailure handles a failed authentication.
func (g *Guard) OnAuthFailure(ctx context.Context) (*response.AuthFailure, error) {
	return g.response.OnAuthFailure(ctx)
}

// LockState returns the current app-lock state.
func (g *Guard) LockState() applock.State { return g.lock.State() }

// IsAppLocked reports whether the app is locked.
func (g *Guard) IsAppLocked() bool { return g.response.IsAppLocked() }

// IsInCooldown reports whether authentication attempts are blocked.
func (g *Guard) IsInCooldown() bool { return g.response.IsInCooldown() }

// CooldownRemaining is zero when no cooldown is running.
func (g *Guard) CooldownRemaining() time.Duration { return g.response.CooldownRemaining() }

// Session returns the current session state.
func (g *Guard) Session() session.State { return g.sessions.Current() }

// LatestScore returns the most recent score, or nil.
func (g *Guard) LatestScore(ctx context.Context) (*risk.Score, error) {
	return g.risk.Latest(ctx)
}

// ScoreHistory returns up to limit scores, newest first.
func (g *Guard) ScoreHistory(ctx context.Context, limit int) ([]*risk.Score, error) {
	return g.risk.History(ctx, limit)
}

// Incidents lists logged incidents, newest first.
func (g *Guard) Incidents(ctx context.Context, limit int, unresolvedOnly bool) ([]*incident.Incident, error) {
	return retry.Value(ctx, g.policy, func(ctx context.Context) ([]*incident.Incident, error) {
		return g.stores.Incidents.ListRecent(ctx, limit, unresolvedOnly)
	})
}

// ResolveIncident marks an incident resolved.
func (g *Guard) ResolveIncident(ctx context.Context, id string) error {
	return retry.Do(ctx, g.policy, func(ctx context.Context) error {
		err := g.stores.Incidents.Resolve(ctx, id)
		if errors.Is(err, incident.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
}

// Progress reports how far baseline learning has come.
type Progress struct {
	Progress float64 `json:"progress"`
	Complete bool    `json:"complete"`
}

// LearningProgress returns the baseline learning progress.
func (g *Guard) LearningProgress(ctx context.Context) (Progress, error) {
	p, err := g.baselines.GetLearningProgress(ctx)
	if err != nil {
		return Progress{}, err
	}
	return Progress{Progress: p, Complete: g.baselines.IsLearningComplete()}, nil
}

// Reset forgets all learned baselines and behavioral patterns, as on
// account deletion. Signals and incidents are kept.
func (g *Guard) Reset(ctx context.Context) error {
	err := errors.Join(g.baselines.Reset(ctx), g.monitor.Reset(ctx))
	if err != nil {
		g.logger.Error("reset incomplete", "error", err)
		return err
	}
	g.logger.Warn("learned behavior reset")
	return nil
}
