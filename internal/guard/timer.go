package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/response"
	"github.com/mbd888/sentinel/internal/risk"
)

const (
	// DefaultInterval is the periodic evaluation interval.
	DefaultInterval = 15 * time.Minute
	// PruneInterval is how often retention pruning runs.
	PruneInterval = 24 * time.Hour
)

// Runner is what the timer drives. *Guard satisfies it.
type Runner interface {
	Evaluate(ctx context.Context) (*response.Result, error)
	Prune(ctx context.Context) error
}

// Timer runs an evaluation at startup, on every tick and on demand.
// Triggers that arrive while an evaluation is running collapse into one
// follow-up evaluation.
type Timer struct {
	runner    Runner
	logger    *slog.Logger
	interval  time.Duration
	trigger   chan struct{}
	stop      chan struct{}
	running   atomic.Bool
	lastRun   atomic.Int64 // unix ms of the last finished evaluation
	lastPrune time.Time
	runs      atomic.Int64
}

// NewTimer creates a timer over r. A non-positive interval uses
// DefaultInterval.
func NewTimer(r Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Timer{
		runner:   r,
		logger:   logging.OrDiscard(logger),
		interval: interval,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun is when the last evaluation finished, zero before the first.
func (t *Timer) LastRun() time.Time {
	ms := t.lastRun.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Runs is the number of evaluations attempted.
func (t *Timer) Runs() int64 {
	return t.runs.Load()
}

// Trigger requests an evaluation without waiting for it, e.g. when the app
// comes to the foreground.
func (t *Timer) Trigger() {
	select {
	case t.trigger <- struct{}{}:
	default:
	}
}

// Start blocks until ctx is done or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeDoWork(ctx, t.tick)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeDoWork(ctx, t.tick)
		case <-t.trigger:
			t.safeDoWork(ctx, t.evaluate)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeDoWork(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in evaluation timer", "panic", fmt.Sprint(r))
		}
	}()
	fn(ctx)
}

func (t *Timer) tick(ctx context.Context) {
	t.evaluate(ctx)
	if time.Since(t.lastPrune) >= PruneInterval {
		if err := t.runner.Prune(ctx); err != nil {
			t.logger.Warn("retention pruning failed", "error", err)
			return
		}
		t.lastPrune = time.Now()
	}
}

func (t *Timer) evaluate(ctx context.Context) {
	t.runs.Add(1)
	res, err := t.runner.Evaluate(ctx)
	t.lastRun.Store(time.Now().UnixMilli())
	switch {
	case errors.Is(err, risk.ErrEvaluationSkipped):
		t.logger.Warn("evaluation skipped, previous score retained", "error", err)
	case err != nil && res == nil:
		t.logger.Error("evaluation failed", "error", err)
	case err != nil:
		t.logger.Error("response applied with errors", "level", string(res.RiskLevel), "error", err)
	}
}
