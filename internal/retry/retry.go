// Package retry bounds and retries store and dispatcher I/O. Every call gets a
// per-attempt timeout; a timeout counts as a transient failure and is retried
// with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ErrTimeout is returned (wrapped) when an attempt hit its own deadline.
var ErrTimeout = errors.New("retry: attempt timed out")

// PermanentError marks an error that retrying cannot fix, such as a
// constraint violation or a rejected payload.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy describes how a call is bounded and retried.
type Policy struct {
	MaxAttempts int           // total attempts; values below 1 mean 1
	BaseDelay   time.Duration // first backoff, doubled per retry with +-25% jitter
	Timeout     time.Duration // per-attempt deadline; zero disables it
}

// DefaultPolicy is used for store I/O: three attempts, 50ms backoff, 5s per attempt.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, Timeout: 5 * time.Second}

// WithTimeout returns a copy of p with a different per-attempt timeout.
func (p Policy) WithTimeout(d time.Duration) Policy {
	p.Timeout = d
	return p
}

func (p Policy) attempts() int {
	return max(p.MaxAttempts, 1)
}

// backoff is the pause after the given zero-based failed attempt.
func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d <= 0 {
		return 0
	}
	spread := d / 2
	return d - spread/2 + rand.N(spread+1) //nolint:gosec // jitter only
}

// Do calls fn until it succeeds, returns a *PermanentError, runs out of
// attempts, or ctx is done. The error from the last attempt is returned,
// unwrapped from PermanentError.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	n := p.attempts()
	var err error
	for attempt := range n {
		if err = p.try(ctx, fn); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == n-1 {
			break
		}

		t := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

func (p Policy) try(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}

// Value is Do for calls that produce a result.
func Value[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}
