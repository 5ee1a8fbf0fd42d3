package applock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/devicestate"
	"github.com/mbd888/sentinel/internal/retry"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newManager(store devicestate.Store, c *clock) *Manager {
	return NewManager(store).
		WithClock(c.now).
		WithRetryPolicy(retry.Policy{MaxAttempts: 1})
}

func TestCooldownFor(t *testing.T) {
	want := []time.Duration{0, 30 * time.Second, time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, time.Hour, time.Hour}
	for attempts, d := range want {
		assert.Equal(t, d, CooldownFor(attempts), "attempts=%d", attempts)
	}
}

func TestManager_FailedAttemptsEscalateCooldown(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)}
	m := newManager(devicestate.NewMemoryStore(), c)

	n, err := m.RecordFailedAttempt(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, m.IsInCooldown())
	assert.Equal(t, 30*time.Second, m.CooldownRemaining())

	c.advance(31 * time.Second)
	assert.False(t, m.IsInCooldown())
	assert.Zero(t, m.CooldownRemaining())

	_, _ = m.RecordFailedAttempt(ctx)
	n, _ = m.RecordFailedAttempt(ctx)
	assert.Equal(t, 3, n)
	assert.Equal(t, 5*time.Minute, m.CooldownRemaining())
}

func TestManager_UnlockClearsEverything(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)}
	m := newManager(devicestate.NewMemoryStore(), c)

	require.NoError(t, m.Lock(ctx, "HIGH risk"))
	_, _ = m.RecordFailedAttempt(ctx)
	assert.True(t, m.IsLocked())

	require.NoError(t, m.Unlock(ctx))
	st := m.State()
	assert.False(t, st.Locked)
	assert.Zero(t, st.FailedAttempts)
	assert.False(t, m.IsInCooldown())
}

func TestManager_ForceLockout(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)}
	m := newManager(devicestate.NewMemoryStore(), c)

	require.NoError(t, m.ForceLockout(ctx, ForcedLockout, "CRITICAL risk"))
	assert.True(t, m.IsLocked())
	assert.Equal(t, time.Hour, m.CooldownRemaining())

	// A failed attempt never shortens the lockout.
	_, _ = m.RecordFailedAttempt(ctx)
	assert.Equal(t, time.Hour, m.CooldownRemaining())
}

func TestManager_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := devicestate.NewMemoryStore()
	c := &clock{t: time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)}

	m := newManager(store, c)
	require.NoError(t, m.Lock(ctx, "HIGH risk"))
	_, _ = m.RecordFailedAttempt(ctx)
	_, _ = m.RecordFailedAttempt(ctx)

	restarted := newManager(store, c)
	require.NoError(t, restarted.Load(ctx))
	assert.True(t, restarted.IsLocked())
	assert.Equal(t, 2, restarted.State().FailedAttempts)
	assert.Equal(t, time.Minute, restarted.CooldownRemaining())
}

func TestManager_CorruptStateLocks(t *testing.T) {
	ctx := context.Background()
	store := devicestate.NewMemoryStore()
	require.NoError(t, store.Set(ctx, devicestate.KeyAppLock, "garbage", time.Now()))

	m := newManager(store, &clock{t: time.Now()})
	assert.Error(t, m.Load(ctx))
	assert.True(t, m.IsLocked())
}

type failingStore struct{ devicestate.MemoryStore }

func (*failingStore) Set(context.Context, string, string, time.Time) error {
	return errors.New("disk full")
}

func TestManager_LockHoldsWhenPersistFails(t *testing.T) {
	m := newManager(&failingStore{}, &clock{t: time.Now()})
	var seen []State
	m.OnChange(func(st State) { seen = append(seen, st) })

	assert.Error(t, m.Lock(context.Background(), "HIGH risk"))
	assert.True(t, m.IsLocked())
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Locked)
}
