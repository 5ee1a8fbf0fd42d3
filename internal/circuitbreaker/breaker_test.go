package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	c := &fakeClock{t: time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)}
	return New(threshold, cooldown).WithClock(c.now), c
}

var errDown = errors.New("transport down")

func fail() error    { return errDown }
func succeed() error { return nil }

func TestDo_OpensAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3, time.Minute)

	for range 3 {
		assert.ErrorIs(t, b.Do("webhook", fail), errDown)
	}
	assert.Equal(t, StateOpen, b.State("webhook"))

	called := false
	err := b.Do("webhook", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.Contains(t, err.Error(), "webhook")
	assert.False(t, called, "open circuit must not run the call")
}

func TestDo_ProbeAfterCooldown(t *testing.T) {
	tests := []struct {
		name  string
		probe func() error
		want  State
	}{
		{"probe succeeds", succeed, StateClosed},
		{"probe fails", fail, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, c := newBreaker(2, time.Minute)
			_ = b.Do("webhook", fail)
			_ = b.Do("webhook", fail)

			c.advance(59 * time.Second)
			require.ErrorIs(t, b.Do("webhook", succeed), ErrOpen)

			c.advance(time.Second)
			_ = b.Do("webhook", tt.probe)
			assert.Equal(t, tt.want, b.State("webhook"))
		})
	}
}

func TestAllow_SingleProbeWhileHalfOpen(t *testing.T) {
	b, c := newBreaker(1, time.Minute)
	b.RecordFailure("redis")
	c.advance(time.Minute)

	assert.True(t, b.Allow("redis"))
	assert.Equal(t, StateHalfOpen, b.State("redis"))
	assert.False(t, b.Allow("redis"), "second caller waits for the probe")
}

func TestFailedProbeRestartsCooldown(t *testing.T) {
	b, c := newBreaker(1, time.Minute)
	b.RecordFailure("webhook")
	c.advance(time.Minute)
	require.True(t, b.Allow("webhook"))
	b.RecordFailure("webhook")

	c.advance(30 * time.Second)
	assert.False(t, b.Allow("webhook"))
	c.advance(30 * time.Second)
	assert.True(t, b.Allow("webhook"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newBreaker(3, time.Minute)
	_ = b.Do("redis", fail)
	_ = b.Do("redis", fail)
	_ = b.Do("redis", succeed)
	_ = b.Do("redis", fail)
	assert.Equal(t, StateClosed, b.State("redis"))
}

func TestTargetsAreIndependent(t *testing.T) {
	b, _ := newBreaker(1, time.Minute)
	_ = b.Do("webhook", fail)

	assert.Equal(t, StateOpen, b.State("webhook"))
	assert.NoError(t, b.Do("redis", succeed))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestOnTransition(t *testing.T) {
	b, c := newBreaker(2, time.Minute)
	var got []string
	b.OnTransition(func(target string, from, to State) {
		got = append(got, target+":"+from.String()+"->"+to.String())
	})

	_ = b.Do("webhook", fail)
	_ = b.Do("webhook", fail)
	c.advance(time.Minute)
	_ = b.Do("webhook", succeed)

	assert.Equal(t, []string{
		"webhook:closed->open",
		"webhook:open->half_open",
		"webhook:half_open->closed",
	}, got)
}

func TestNewDefaults(t *testing.T) {
	b := New(0, -time.Second)
	assert.Equal(t, defaultThreshold, b.threshold)
	assert.Equal(t, defaultCooldown, b.cooldown)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.Equal(t, "unknown", State(-1).String())
}
