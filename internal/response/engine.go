package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sentinel/internal/alert"
	"github.com/mbd888/sentinel/internal/applock"
	"github.com/mbd888/sentinel/internal/incident"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/session"
	"github.com/mbd888/sentinel/internal/signal"
	"github.com/mbd888/sentinel/internal/traces"
)

// Engine executes responses. The evaluator, lock and session manager are
// required; everything else is optional.
type Engine struct {
	evaluator Evaluator
	lock      Locker
	sessions  Sessions
	incidents incident.Store
	notifier  Notifier
	unlocks   UnlockRecorder
	signals   signal.Store
	hub       *realtime.Hub
	logger    *slog.Logger
	policy    retry.Policy
	now       func() time.Time
}

// NewEngine creates a response engine.
func NewEngine(evaluator Evaluator, lock Locker, sessions Sessions) *Engine {
	return &Engine{
		evaluator: evaluator,
		lock:      lock,
		sessions:  sessions,
		logger:    logging.Discard(),
		policy:    retry.DefaultPolicy,
		now:       time.Now,
	}
}

// WithIncidents logs incidents to s.
func (e *Engine) WithIncidents(s incident.Store) *Engine {
	e.incidents = s
	return e
}

// WithNotifier sends alerts through n.
func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// WithUnlockRecorder reports authentication outcomes to r.
func (e *Engine) WithUnlockRecorder(r UnlockRecorder) *Engine {
	e.unlocks = r
	return e
}

// WithSignals records LOGIN_SUCCESS and LOGIN_FAILURE signals and reads the
// last known location for incidents.
func (e *Engine) WithSignals(s signal.Store) *Engine {
	e.signals = s
	return e
}

// WithHub publishes evaluations and incidents to the realtime feed.
func (e *Engine) WithHub(h *realtime.Hub) *Engine {
	e.hub = h
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

// WithRetryPolicy bounds store calls.
func (e *Engine) WithRetryPolicy(p retry.Policy) *Engine {
	e.policy = p
	return e
}

// IsAppLocked reports whether the app is locked.
func (e *Engine) IsAppLocked() bool { return e.lock.IsLocked() }

// IsInCooldown reports whether authentication attempts are blocked.
func (e *Engine) IsInCooldown() bool { return e.lock.IsInCooldown() }

// CooldownRemaining is zero when no cooldown is running.
func (e *Engine) CooldownRemaining() time.Duration { return e.lock.CooldownRemaining() }

// EvaluateAndRespond scores the device and applies the response for the
// resulting level. An evaluation error (risk.ErrEvaluationSkipped) is
// returned with a nil Result. Action failures are joined into the returned
// error alongside a complete Result.
func (e *Engine) EvaluateAndRespond(ctx context.Context) (*Result, error) {
	score, err := e.evaluator.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	return e.Respond(ctx, score)
}

// Respond applies the response for an already computed score.
func (e *Engine) Respond(ctx context.Context, score *risk.Score) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "response.Respond",
		traces.RiskScore(score.TotalScore), traces.RiskLevel(string(score.Level)))
	defer span.End()

	res := &Result{
		RiskLevel:  score.Level,
		Score:      score.TotalScore,
		Actions:    []Action{},
		Evaluation: score,
	}
	// Security actions must land even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	reason := fmt.Sprintf("risk %s (score %d)", score.Level, score.TotalScore)

	var errs []error
	apply := func(a Action, fn func() error) {
		err := fn()
		e.count(a, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
			e.logger.Error("response action failed", "action", string(a), "level", string(score.Level), "error", err)
			return
		}
		res.Actions = append(res.Actions, a)
	}

	switch score.Level {
	case risk.LevelHigh:
		res.RequiresLock, res.RequiresAuth = true, true
		apply(ActionLockApp, func() error { return e.lock.Lock(ctx, reason) })
		apply(ActionRequireBiometric, func() error { return e.sessions.RequireBiometric(ctx) })
	case risk.LevelCritical:
		res.RequiresLock, res.RequiresAuth = true, true
		apply(ActionForceLockout, func() error { return e.lock.ForceLockout(ctx, applock.ForcedLockout, reason) })
		apply(ActionWipeSession, func() error { return e.sessions.WipeSession(ctx) })
	}

	if score.Level.AtLeast(risk.LevelWarning) && e.incidents != nil {
		apply(ActionLogIncident, func() error {
			id, err := e.logIncident(ctx, score, res.Actions)
			res.IncidentID = id
			return err
		})
	}
	if score.Level.AtLeast(risk.LevelHigh) && e.notifier != nil {
		apply(ActionSendAlert, func() error {
			return e.notifier.Notify(alert.RiskAlert(score.Level == risk.LevelCritical,
				score.TotalScore, score.Triggers(), actionNames(res.Actions), score.Timestamp))
		})
	}

	e.hub.Publish(realtime.EventEvaluation, score.Level, res)
	if score.Level != risk.LevelNormal {
		e.logger.Warn("risk response applied",
			"level", string(score.Level),
			"score", score.TotalScore,
			"actions", actionNames(res.Actions),
			"incident_id", res.IncidentID,
		)
	}

	err := errors.Join(errs...)
	if err != nil {
		traces.RecordError(span, err)
	}
	return res, err
}

func (e *Engine) logIncident(ctx context.Context, score *risk.Score, taken []Action) (string, error) {
	inc := &incident.Incident{
		Severity:     score.Level,
		RiskScore:    score.TotalScore,
		Triggers:     score.Triggers(),
		ActionsTaken: actionNames(taken),
		Summary:      fmt.Sprintf("Risk %s (score %d): %s", score.Level, score.TotalScore, score.TriggerReason),
		Location:     e.lastLocation(ctx),
		Timestamp:    score.Timestamp,
	}
	id, err := retry.Value(ctx, e.policy, func(ctx context.Context) (string, error) {
		return e.incidents.Insert(ctx, inc)
	})
	if err != nil {
		return "", err
	}
	metrics.IncidentsTotal.WithLabelValues(string(score.Level)).Inc()
	e.hub.Publish(realtime.EventIncident, score.Level, inc)
	return id, nil
}

// lastLocation is the newest reported position in the scoring window, if any.
func (e *Engine) lastLocation(ctx context.Context) *incident.Location {
	if e.signals == nil {
		return nil
	}
	now := e.now()
	signals, err := retry.Value(ctx, e.policy, func(ctx context.Context) ([]*signal.Signal, error) {
		return e.signals.GetInRange(ctx, now.Add(-risk.Window), now)
	})
	if err != nil {
		e.logger.Warn("failed to read location for incident", "error", err)
		return nil
	}
	locs := signal.OfType(signals, signal.TypeLocationUpdate)
	for i := len(locs) - 1; i >= 0; i-- {
		if lat, lng, ok := locs[i].Coordinates(); ok {
			return &incident.Location{Latitude: lat, Longitude: lng}
		}
	}
	return nil
}

// OnAuthSuccess unlocks the app, clears the failed-attempt counter and
// cooldown, and starts a new session for userID.
func (e *Engine) OnAuthSuccess(ctx context.Context, userID string) (session.State, error) {
	ctx = context.WithoutCancel(ctx)
	now := e.now()

	var errs []error
	if err := e.lock.Unlock(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	st, err := e.sessions.StartSession(ctx, userID)
	if err != nil {
		errs = append(errs, fmt.Errorf("start session: %w", err))
	}
	if e.unlocks != nil {
		if _, err := e.unlocks.RecordUnlock(ctx, now); err != nil {
			errs = append(errs, fmt.Errorf("record unlock: %w", err))
		}
	}
	errs = append(errs, e.recordSignal(ctx, signal.New(signal.TypeLoginSuccess, userID, "", now)))

	e.logger.Info("authentication succeeded", "user_id", userID, "session_id", st.ID)
	err = errors.Join(errs...)
	if err != nil {
		e.logger.Error("authentication success handling incomplete", "error", err)
	}
	return st, err
}

// OnAuthFailure counts a failed authentication, applies the next cooldown
// tier and queues a failed-login alert on every third consecutive failure.
func (e *Engine) OnAuthFailure(ctx context.Context) (*AuthFailure, error) {
	ctx = context.WithoutCancel(ctx)
	now := e.now()

	var errs []error
	attempts, err := e.lock.RecordFailedAttempt(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("record failed attempt: %w", err))
	}
	if e.unlocks != nil {
		if _, err := e.unlocks.RecordFailedAttempt(ctx, now); err != nil {
			errs = append(errs, fmt.Errorf("record failed unlock: %w", err))
		}
	}
	errs = append(errs, e.recordSignal(ctx, signal.New(signal.TypeLoginFailure, "", "", now)))

	out := &AuthFailure{Attempts: attempts, CooldownRemaining: e.lock.CooldownRemaining()}
	if attempts > 0 && attempts%FailedLoginAlertEvery == 0 && e.notifier != nil {
		err := e.notifier.Notify(alert.FailedLoginAlert(attempts, now))
		e.count(ActionSendAlert, err)
		if err != nil {
			e.logger.Error("failed to queue failed-login alert", "attempts", attempts, "error", err)
		} else {
			out.AlertQueued = true
		}
	}

	e.logger.Warn("authentication failed", "attempts", attempts, "cooldown", out.CooldownRemaining)
	return out, errors.Join(errs...)
}

func (e *Engine) recordSignal(ctx context.Context, s *signal.Signal) error {
	if e.signals == nil {
		return nil
	}
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		return e.signals.Insert(ctx, s)
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", s.Name(), err)
	}
	metrics.SignalsIngestedTotal.WithLabelValues(s.Name()).Inc()
	return nil
}

func (e *Engine) count(a Action, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ResponseActionsTotal.WithLabelValues(string(a), result).Inc()
}

func actionNames(actions []Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}
