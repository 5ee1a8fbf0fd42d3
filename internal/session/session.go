// Package session tracks the authenticated session: who is signed in, since
// when, and whether biometric re-authentication is pending. Session starts
// and ends are written to the signal log so the session baseline learns from
// real usage.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/devicestate"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/signal"
)

// State is the persisted session document.
type State struct {
	ID                string    `json:"id,omitempty"`
	UserID            string    `json:"userId,omitempty"`
	Authenticated     bool      `json:"authenticated"`
	StartedAt         time.Time `json:"startedAt,omitzero"`
	BiometricRequired bool      `json:"biometricRequired"`
}

// Manager owns the session state.
type Manager struct {
	mu      sync.Mutex
	store   devicestate.Store
	signals signal.Store
	state   State
	logger  *slog.Logger
	policy  retry.Policy
	now     func() time.Time
}

// NewManager creates a manager with no active session. signals may be nil,
// in which case no session signals are recorded.
func NewManager(store devicestate.Store, signals signal.Store) *Manager {
	return &Manager{
		store:   store,
		signals: signals,
		logger:  logging.Discard(),
		policy:  retry.DefaultPolicy,
		now:     time.Now,
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

// Load restores the persisted session. An unreadable document leaves the
// device signed out.
func (m *Manager) Load(ctx context.Context) error {
	var st State
	err := retry.Do(ctx, m.policy, func(ctx context.Context) error {
		_, err := devicestate.Load(ctx, m.store, devicestate.KeySession, &st)
		return err
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = State{}
		return err
	}
	m.state = st
	return nil
}

// Current returns a copy of the session state.
func (m *Manager) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsAuthenticated reports whether a session is active.
func (m *Manager) IsAuthenticated() bool {
	return m.Current().Authenticated
}

// RequiresBiometric reports whether biometric re-authentication is pending.
func (m *Manager) RequiresBiometric() bool {
	return m.Current().BiometricRequired
}

// StartSession ends any active session and starts a new one for userID. The
// biometric requirement is cleared.
func (m *Manager) StartSession(ctx context.Context, userID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var errs []error
	if m.state.Authenticated {
		errs = append(errs, m.recordEnd(ctx, now))
	}
	m.state = State{
		ID:            idgen.WithPrefix("ses_"),
		UserID:        userID,
		Authenticated: true,
		StartedAt:     now,
	}
	errs = append(errs,
		m.persist(ctx, now),
		m.record(ctx, signal.New(signal.TypeSessionStart, userID, "", now)),
	)
	m.logger.Info("session started", "session_id", m.state.ID, "user_id", userID)
	return m.state, errors.Join(errs...)
}

// EndSession ends the active session, if any.
func (m *Manager) EndSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Authenticated {
		return nil
	}
	now := m.now()
	endErr := m.recordEnd(ctx, now)
	m.state = State{BiometricRequired: m.state.BiometricRequired}
	return errors.Join(endErr, m.persist(ctx, now))
}

// RequireBiometric marks biometric re-authentication as pending.
func (m *Manager) RequireBiometric(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.BiometricRequired = true
	m.logger.Info("biometric re-authentication required", "session_id", m.state.ID)
	return m.persist(ctx, m.now())
}

// WipeSession ends the session and discards the signed-in identity, forcing
// a full login.
func (m *Manager) WipeSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var endErr error
	if m.state.Authenticated {
		endErr = m.recordEnd(ctx, now)
	}
	m.logger.Warn("session wiped", "session_id", m.state.ID, "user_id", m.state.UserID)
	m.state = State{}
	return errors.Join(endErr, m.persist(ctx, now))
}

// recordEnd writes SESSION_END with the session length. Caller holds m.mu.
func (m *Manager) recordEnd(ctx context.Context, now time.Time) error {
	d := max(0, now.Sub(m.state.StartedAt))
	meta := signal.EncodeMetadata(map[string]any{signal.MetaDurationMs: d.Milliseconds()})
	return m.record(ctx, signal.New(signal.TypeSessionEnd, m.state.UserID, meta, now))
}

func (m *Manager) record(ctx context.Context, s *signal.Signal) error {
	if m.signals == nil {
		return nil
	}
	err := retry.Do(context.WithoutCancel(ctx), m.policy, func(ctx context.Context) error {
		return m.signals.Insert(ctx, s)
	})
	if err != nil {
		m.logger.Error("failed to record session signal", "type", s.Name(), "error", err)
		return fmt.Errorf("record %s: %w", s.Name(), err)
	}
	return nil
}

// persist saves the session document. Caller holds m.mu.
func (m *Manager) persist(ctx context.Context, now time.Time) error {
	st := m.state
	err := retry.Do(context.WithoutCancel(ctx), m.policy, func(ctx context.Context) error {
		return devicestate.Save(ctx, m.store, devicestate.KeySession, st, now)
	})
	if err != nil {
		m.logger.Error("failed to persist session state", "error", err)
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}
