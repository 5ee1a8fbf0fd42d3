// Package response turns risk levels into device actions.
//
//	NORMAL    nothing
//	WARNING   log an incident
//	HIGH      lock the app, require biometric re-auth, log an incident, alert
//	CRITICAL  force a one-hour lockout, wipe the session, log an incident, alert
//
// Lock and session actions run first. Incident logging and alerting follow,
// and every action runs even when an earlier one failed.
package response

import (
	"context"
	"time"

	"github.com/mbd888/sentinel/internal/alert"
	"github.com/mbd888/sentinel/internal/behavior"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/session"
)

// Action is one step taken in response to an evaluation.
type Action string

const (
	ActionLockApp          Action = "LOCK_APP"
	ActionRequireBiometric Action = "REQUIRE_BIOMETRIC"
	ActionForceLockout     Action = "FORCE_LOCKOUT"
	ActionWipeSession      Action = "WIPE_SESSION"
	ActionLogIncident      Action = "LOG_INCIDENT"
	ActionSendAlert        Action = "SEND_ALERT"
)

// FailedLoginAlertEvery is how many consecutive failures trigger a
// failed-login alert (3, 6, 9, ...).
const FailedLoginAlertEvery = 3

// Result describes what one evaluation did.
type Result struct {
	RiskLevel    risk.Level  `json:"riskLevel"`
	Score        int         `json:"score"`
	Actions      []Action    `json:"actions"`
	RequiresLock bool        `json:"requiresLock"`
	RequiresAuth bool        `json:"requiresAuth"`
	IncidentID   string      `json:"incidentId,omitempty"`
	Evaluation   *risk.Score `json:"evaluation"`
}

// AuthFailure describes a recorded failed authentication.
type AuthFailure struct {
	Attempts          int           `json:"attempts"`
	CooldownRemaining time.Duration `json:"cooldownRemainingNs"`
	AlertQueued       bool          `json:"alertQueued"`
}

// Evaluator produces a fresh risk score. *risk.Engine satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context) (*risk.Score, error)
}

// Locker is the app-lock state machine. *applock.Manager satisfies it.
type Locker interface {
	Lock(ctx context.Context, reason string) error
	ForceLockout(ctx context.Context, d time.Duration, reason string) error
	Unlock(ctx context.Context) error
	RecordFailedAttempt(ctx context.Context) (int, error)
	IsLocked() bool
	IsInCooldown() bool
	CooldownRemaining() time.Duration
}

// Sessions is the session manager. *session.Manager satisfies it.
type Sessions interface {
	StartSession(ctx context.Context, userID string) (session.State, error)
	RequireBiometric(ctx context.Context) error
	WipeSession(ctx context.Context) error
}

// Notifier queues alerts without blocking. *alert.Notifier satisfies it.
type Notifier interface {
	Notify(a *alert.Alert) error
}

// UnlockRecorder feeds authentication outcomes to the unlock analyzer.
// *behavior.Monitor satisfies it.
type UnlockRecorder interface {
	RecordUnlock(ctx context.Context, ts time.Time) (int, error)
	RecordFailedAttempt(ctx context.Context, ts time.Time) (int, error)
}

var _ UnlockRecorder = (*behavior.Monitor)(nil)
