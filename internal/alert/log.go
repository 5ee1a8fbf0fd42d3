package alert

import (
	"context"
	"log/slog"

	"github.com/mbd888/sentinel/internal/logging"
)

// LogDispatcher writes alerts to the log. It is the transport used when no
// delivery channel is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a log-only dispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logging.OrDiscard(logger)}
}

func (d *LogDispatcher) Name() string { return "log" }

func (d *LogDispatcher) SendAlert(_ context.Context, a *Alert) error {
	d.logger.Warn("security alert",
		"alert_id", a.ID,
		"kind", string(a.Kind),
		"recipient", a.Recipient,
		"subject", a.Subject,
		"risk_score", a.RiskScore,
	)
	return nil
}
