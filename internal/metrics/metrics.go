// Package metrics provides Prometheus instrumentation for the daemon.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sentinel"

var (
	// HTTPRequestsTotal counts host API requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SignalsIngestedTotal counts stored signals by type.
	SignalsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_ingested_total",
			Help:      "Total signals stored, by signal type.",
		},
		[]string{"type"},
	)

	// SignalsPrunedTotal counts signals removed by retention.
	SignalsPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_pruned_total",
		Help:      "Total signals deleted by the retention policy.",
	})

	// EvaluationsTotal counts completed risk evaluations by resulting level.
	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Total risk evaluations by resulting level.",
		},
		[]string{"level"},
	)

	// EvaluationsSkippedTotal counts evaluations abandoned on store errors.
	EvaluationsSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evaluations_skipped_total",
		Help:      "Total evaluations skipped because a store was unavailable.",
	})

	// EvaluationDuration observes how long one evaluation takes.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_duration_seconds",
		Help:      "Risk evaluation duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// RiskScore is the most recent total score.
	RiskScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Most recent risk score (0-100).",
	})

	// BaselineUpdatesTotal counts baseline update runs by result.
	BaselineUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "baseline_updates_total",
			Help:      "Total baseline update runs by result.",
		},
		[]string{"result"},
	)

	// BaselineConfidence is the stored confidence per metric.
	BaselineConfidence = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "baseline_confidence",
			Help:      "Learned baseline confidence (0-1) by metric.",
		},
		[]string{"metric"},
	)

	// AnomaliesTotal counts behavioral anomalies by type.
	AnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "behavior_anomalies_total",
			Help:      "Total behavioral anomalies recorded by type.",
		},
		[]string{"type"},
	)

	// ResponseActionsTotal counts response actions by action and result.
	ResponseActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_actions_total",
			Help:      "Total response actions by action and result.",
		},
		[]string{"action", "result"},
	)

	// IncidentsTotal counts logged incidents by severity.
	IncidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "incidents_total",
			Help:      "Total incidents logged by severity.",
		},
		[]string{"severity"},
	)

	// AlertDeliveriesTotal counts alert dispatch attempts by result.
	AlertDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_deliveries_total",
			Help:      "Total alert deliveries by result.",
		},
		[]string{"result"},
	)

	// AppLocked is 1 while the app is locked.
	AppLocked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_locked",
		Help:      "1 while the app is locked, 0 otherwise.",
	})

	// FailedAuthAttempts is the current consecutive failed-auth count.
	FailedAuthAttempts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "failed_auth_attempts",
		Help:      "Consecutive failed authentication attempts.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SignalsIngestedTotal,
		SignalsPrunedTotal,
		EvaluationsTotal,
		EvaluationsSkippedTotal,
		EvaluationDuration,
		RiskScore,
		BaselineUpdatesTotal,
		BaselineConfidence,
		AnomaliesTotal,
		ResponseActionsTotal,
		IncidentsTotal,
		AlertDeliveriesTotal,
		AppLocked,
		FailedAuthAttempts,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// BoolGauge converts a flag to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency per route pattern. Requests
// that match no route share the "unmatched" label so probes of random paths
// cannot grow the series set.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus metrics handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
