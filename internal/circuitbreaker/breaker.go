// Package circuitbreaker stops alert delivery to a transport that keeps
// failing, then probes it again after a pause.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is a circuit's position.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call in flight
)

var stateNames = [...]string{"closed", "open", "half_open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "sentinel",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by target, from-state, and to-state.",
}, []string{"target", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

// ErrOpen is returned for a call rejected because its circuit is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

const (
	defaultThreshold = 5
	defaultCooldown  = 30 * time.Second
)

// circuit tracks one target.
type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker keeps one circuit per target. A circuit opens after threshold
// consecutive failures. Once cooldown has passed since it opened, a single
// probe is let through; its outcome closes or reopens the circuit.
type Breaker struct {
	threshold int
	cooldown  time.Duration

	mu           sync.Mutex
	circuits     map[string]*circuit
	now          func() time.Time
	onTransition func(target string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// 30 seconds.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		circuits:  make(map[string]*circuit),
		now:       time.Now,
	}
}

// WithClock replaces time.Now.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition sets a callback run on every state change, with the breaker
// lock held. It must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(target string, from, to State)) *Breaker {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
	return b
}

// Do runs fn unless target's circuit is open, and records the outcome. A
// rejected call returns an error wrapping ErrOpen without running fn.
func (b *Breaker) Do(target string, fn func() error) error {
	if !b.Allow(target) {
		return fmt.Errorf("%w: %s", ErrOpen, target)
	}
	err := fn()
	if err != nil {
		b.RecordFailure(target)
	} else {
		b.RecordSuccess(target)
	}
	return err
}

// Allow reports whether a call to target may proceed. An open circuit past
// its cooldown moves to half-open and admits the caller as the probe.
func (b *Breaker) Allow(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[target]
	if !ok {
		return true
	}
	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(target, c, StateHalfOpen)
		return true
	default:
		return false
	}
}

// RecordSuccess resets target's failure count and closes its circuit.
func (b *Breaker) RecordSuccess(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[target]; ok {
		c.failures = 0
		b.move(target, c, StateClosed)
	}
}

// RecordFailure counts a failure against target. Reaching the threshold or
// failing a probe opens the circuit.
func (b *Breaker) RecordFailure(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[target]
	if !ok {
		c = &circuit{}
		b.circuits[target] = c
	}
	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.move(target, c, StateOpen)
	}
}

// State returns target's state; unknown targets are closed.
func (b *Breaker) State(target string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[target]; ok {
		return c.state
	}
	return StateClosed
}

// move requires b.mu.
func (b *Breaker) move(target string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(target, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(target, from, to)
	}
}
