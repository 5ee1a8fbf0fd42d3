package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
)

// DefaultTimeout bounds one delivery.
const DefaultTimeout = 30 * time.Second

const defaultQueueSize = 64

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("alert: notifier closed")

// ErrQueueFull is returned when the backlog is full; the alert is dropped.
var ErrQueueFull = errors.New("alert: queue full")

// Notifier delivers alerts in the background, one at a time. Notify never
// blocks on the network. Close cancels queued and in-flight deliveries; the
// downstream queue owns any redelivery.
type Notifier struct {
	dispatcher Dispatcher
	breaker    *circuitbreaker.Breaker
	recipient  string
	timeout    time.Duration
	logger     *slog.Logger
	onResult   func(a *Alert, err error)

	queue  chan *Alert
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewNotifier starts a notifier over d. Deliveries to a transport that fails
// five times in a row are skipped for a minute.
func NewNotifier(d Dispatcher, logger *slog.Logger) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		dispatcher: d,
		breaker:    circuitbreaker.New(5, time.Minute),
		timeout:    DefaultTimeout,
		logger:     logging.OrDiscard(logger),
		queue:      make(chan *Alert, defaultQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	n.breaker.OnTransition(func(target string, from, to circuitbreaker.State) {
		n.logger.Warn("alert transport circuit changed", "transport", target,
			"from", from.String(), "to", to.String())
	})
	go n.run()
	return n
}

// WithTimeout sets the per-delivery timeout. Call before the first Notify.
func (n *Notifier) WithTimeout(d time.Duration) *Notifier {
	if d > 0 {
		n.timeout = d
	}
	return n
}

// WithRecipient sets the address stamped on alerts that have none.
func (n *Notifier) WithRecipient(r string) *Notifier {
	n.recipient = r
	return n
}

// WithBreaker replaces the circuit breaker.
func (n *Notifier) WithBreaker(b *circuitbreaker.Breaker) *Notifier {
	n.breaker = b
	return n
}

// OnResult registers a callback run after each delivery attempt.
func (n *Notifier) OnResult(fn func(a *Alert, err error)) *Notifier {
	n.onResult = fn
	return n
}

// Transport names the dispatcher in use.
func (n *Notifier) Transport() string {
	return n.dispatcher.Name()
}

// Notify queues a for delivery.
func (n *Notifier) Notify(a *Alert) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}
	if a.Recipient == "" {
		a.Recipient = n.recipient
	}
	select {
	case n.queue <- a:
		return nil
	default:
		metrics.AlertDeliveriesTotal.WithLabelValues("dropped").Inc()
		n.logger.Error("alert queue full, dropping alert", "alert_id", a.ID, "kind", string(a.Kind))
		return ErrQueueFull
	}
}

// Close stops the notifier. Alerts still queued are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.ctx.Done():
			n.drain()
			return
		case a := <-n.queue:
			n.deliver(a)
		}
	}
}

func (n *Notifier) drain() {
	for {
		select {
		case a := <-n.queue:
			metrics.AlertDeliveriesTotal.WithLabelValues("cancelled").Inc()
			n.logger.Warn("alert delivery cancelled", "alert_id", a.ID, "kind", string(a.Kind))
		default:
			return
		}
	}
}

func (n *Notifier) deliver(a *Alert) {
	if n.ctx.Err() != nil {
		metrics.AlertDeliveriesTotal.WithLabelValues("cancelled").Inc()
		n.report(a, n.ctx.Err())
		return
	}
	name := n.dispatcher.Name()
	err := n.breaker.Do(name, func() error {
		ctx, cancel := context.WithTimeout(n.ctx, n.timeout)
		defer cancel()
		return n.dispatcher.SendAlert(ctx, a)
	})

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.AlertDeliveriesTotal.WithLabelValues("circuit_open").Inc()
		n.logger.Warn("alert transport unavailable, skipping", "transport", name, "alert_id", a.ID)
	case err != nil:
		metrics.AlertDeliveriesTotal.WithLabelValues("failed").Inc()
		n.logger.Error("alert delivery failed", "transport", name, "alert_id", a.ID,
			"kind", string(a.Kind), "error", err)
	default:
		metrics.AlertDeliveriesTotal.WithLabelValues("sent").Inc()
		n.logger.Info("alert delivered", "transport", name, "alert_id", a.ID, "kind", string(a.Kind))
	}
	n.report(a, err)
}

func (n *Notifier) report(a *Alert, err error) {
	if n.onResult != nil {
		n.onResult(a, err)
	}
}
