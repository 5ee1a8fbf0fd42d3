// Package alert delivers security notifications to the account owner.
//
// Delivery is best-effort: a Notifier queues alerts and sends them in the
// background through one Dispatcher (log, signed webhook, or the email
// worker's Redis queue). A failed or slow delivery never blocks the caller.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
)

// Kind identifies why an alert was raised.
type Kind string

const (
	KindRiskHigh     Kind = "risk.high"
	KindRiskCritical Kind = "risk.critical"
	KindFailedLogin  Kind = "auth.failed_login"
)

// Alert is one notification.
type Alert struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Recipient string    `json:"recipient,omitempty"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	RiskScore int       `json:"riskScore,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds an alert with a fresh ID.
func New(kind Kind, subject, body string, ts time.Time) *Alert {
	return &Alert{
		ID:        idgen.WithPrefix("alr_"),
		Kind:      kind,
		Subject:   subject,
		Body:      body,
		Timestamp: ts,
	}
}

// RiskAlert describes a HIGH or CRITICAL evaluation.
func RiskAlert(critical bool, score int, triggers []string, actions []string, ts time.Time) *Alert {
	kind, level := KindRiskHigh, "HIGH"
	if critical {
		kind, level = KindRiskCritical, "CRITICAL"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Risk level %s (score %d) at %s.\n", level, score, ts.UTC().Format(time.RFC3339))
	if len(triggers) > 0 {
		fmt.Fprintf(&b, "Triggers: %s\n", strings.Join(triggers, ", "))
	}
	if len(actions) > 0 {
		fmt.Fprintf(&b, "Actions taken: %s\n", strings.Join(actions, ", "))
	}
	a := New(kind, fmt.Sprintf("Security alert: %s risk detected", level), b.String(), ts)
	a.RiskScore = score
	return a
}

// FailedLoginAlert reports a run of failed authentication attempts.
func FailedLoginAlert(attempts int, ts time.Time) *Alert {
	return New(KindFailedLogin,
		"Security alert: repeated failed sign-in attempts",
		fmt.Sprintf("%d consecutive failed authentication attempts, the latest at %s.",
			attempts, ts.UTC().Format(time.RFC3339)),
		ts)
}

// Dispatcher sends one alert. Implementations must honor ctx.
type Dispatcher interface {
	Name() string
	SendAlert(ctx context.Context, a *Alert) error
}
