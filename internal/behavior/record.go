package behavior

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/metrics"
)

// recorder persists and logs anomalies for one analyzer.
type recorder struct {
	analyzer string
	store    Store
	logger   *slog.Logger
}

func (r recorder) record(ctx context.Context, typ AnomalyType, points int, ts time.Time, details string) (int, error) {
	a := &Anomaly{
		ID:         idgen.WithPrefix("anm_"),
		Type:       typ,
		Analyzer:   r.analyzer,
		RiskPoints: points,
		Details:    details,
		Timestamp:  ts,
	}
	metrics.AnomaliesTotal.WithLabelValues(string(typ)).Inc()
	r.logger.Warn("behavioral anomaly",
		"analyzer", r.analyzer,
		"type", string(typ),
		"risk_points", points,
		"details", details,
	)
	if err := r.store.InsertAnomaly(ctx, a); err != nil {
		return points, fmt.Errorf("record %s anomaly: %w", typ, err)
	}
	return points, nil
}
