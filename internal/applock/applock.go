// Package applock owns the app-lock state: whether the app is locked, the
// progressive cooldown between failed authentication attempts, and the
// forced lockout applied at CRITICAL risk. The state is persisted on every
// change and restored by Load, so a restart neither unlocks the app nor
// clears a cooldown.
package applock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/devicestate"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/retry"
)

// ForcedLockout is the lockout applied at CRITICAL risk.
const ForcedLockout = time.Hour

// CooldownTiers is indexed by min(failedAttempts-1, len-1).
var CooldownTiers = []time.Duration{
	30 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
}

// CooldownFor returns the cooldown after the given number of consecutive
// failed attempts.
func CooldownFor(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	return CooldownTiers[min(attempts-1, len(CooldownTiers)-1)]
}

// State is the persisted lock document.
type State struct {
	Locked         bool      `json:"locked"`
	Reason         string    `json:"reason,omitempty"`
	LockedAt       time.Time `json:"lockedAt,omitzero"`
	CooldownUntil  time.Time `json:"cooldownUntil,omitzero"`
	FailedAttempts int       `json:"failedAttempts"`
}

// Manager serializes every lock transition and persists the result.
// Persistence errors are returned but the in-memory transition still
// applies: a lock must hold even when the disk write failed.
type Manager struct {
	mu       sync.Mutex
	store    devicestate.Store
	state    State
	logger   *slog.Logger
	policy   retry.Policy
	now      func() time.Time
	onChange func(State)
}

// NewManager creates an unlocked manager. Call Load to restore saved state.
func NewManager(store devicestate.Store) *Manager {
	return &Manager{
		store:  store,
		logger: logging.Discard(),
		policy: retry.DefaultPolicy,
		now:    time.Now,
	}
}

// WithLogger sets the logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = logging.OrDiscard(l)
	return m
}

// WithClock replaces time.Now.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// WithRetryPolicy bounds store calls.
func (m *Manager) WithRetryPolicy(p retry.Policy) *Manager {
	m.policy = p
	return m
}

// OnChange registers a callback run after every transition, outside the lock.
func (m *Manager) OnChange(fn func(State)) *Manager {
	m.onChange = fn
	return m
}

// Load restores the persisted state. A corrupt document is logged and the
// app starts locked, since the previous state cannot be trusted.
func (m *Manager) Load(ctx context.Context) error {
	var st State
	err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		_, err := devicestate.Load(ctx, m.store, devicestate.KeyAppLock, &st)
		return err
	})

	m.mu.Lock()
	if err != nil {
		m.logger.Error("app lock state unreadable, locking", "error", err)
		m.state = State{Locked: true, Reason: "state unreadable", LockedAt: m.now()}
	} else {
		m.state = st
	}
	snapshot := m.state
	m.mu.Unlock()

	m.publish(snapshot)
	return err
}

// State returns a copy of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsLocked reports whether the app is locked.
func (m *Manager) IsLocked() bool {
	return m.State().Locked
}

// IsInCooldown reports whether authentication attempts are blocked.
func (m *Manager) IsInCooldown() bool {
	return m.CooldownRemaining() > 0
}

// CooldownRemaining is zero when no cooldown is running.
func (m *Manager) CooldownRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return max(0, m.state.CooldownUntil.Sub(m.now()))
}

// Lock locks the app. Locking an already locked app keeps the original
// lock time.
func (m *Manager) Lock(ctx context.Context, reason string) error {
	return m.update(ctx, "lock", func(st *State, now time.Time) {
		if !st.Locked {
			st.LockedAt = now
		}
		st.Locked = true
		st.Reason = reason
	})
}

// ForceLockout locks the app and blocks authentication for d. An existing
// longer cooldown is kept.
func (m *Manager) ForceLockout(ctx context.Context, d time.Duration, reason string) error {
	return m.update(ctx, "force_lockout", func(st *State, now time.Time) {
		if !st.Locked {
			st.LockedAt = now
		}
		st.Locked = true
		st.Reason = reason
		if until := now.Add(d); until.After(st.CooldownUntil) {
			st.CooldownUntil = until
		}
	})
}

// Unlock clears the lock, the failed-attempt counter and any cooldown.
func (m *Manager) Unlock(ctx context.Context) error {
	return m.update(ctx, "unlock", func(st *State, _ time.Time) {
		*st = State{}
	})
}

// RecordFailedAttempt counts a failed authentication and starts the next
// cooldown tier. It returns the new attempt count.
func (m *Manager) RecordFailedAttempt(ctx context.Context) (int, error) {
	var attempts int
	err := m.update(ctx, "failed_attempt", func(st *State, now time.Time) {
		st.FailedAttempts++
		attempts = st.FailedAttempts
		if until := now.Add(CooldownFor(st.FailedAttempts)); until.After(st.CooldownUntil) {
			st.CooldownUntil = until
		}
	})
	return attempts, err
}

func (m *Manager) update(ctx context.Context, op string, fn func(st *State, now time.Time)) error {
	m.mu.Lock()
	now := m.now()
	fn(&m.state, now)
	snapshot := m.state
	err := retry.Do(context.WithoutCancel(ctx), m.policy, func(ctx context.Context) error {
		return devicestate.Save(ctx, m.store, devicestate.KeyAppLock, snapshot, now)
	})
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("failed to persist app lock state", "op", op, "error", err)
	} else {
		m.logger.Info("app lock state changed", "op", op, "locked", snapshot.Locked,
			"failed_attempts", snapshot.FailedAttempts, "cooldown_until", snapshot.CooldownUntil)
	}
	m.publish(snapshot)
	return err
}

func (m *Manager) publish(st State) {
	metrics.AppLocked.Set(metrics.BoolGauge(st.Locked))
	metrics.FailedAuthAttempts.Set(float64(st.FailedAttempts))
	if m.onChange != nil {
		m.onChange(st)
	}
}
