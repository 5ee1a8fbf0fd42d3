// Package server exposes the risk engine to the host app over a loopback
// HTTP API and runs the daemon's background workers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	ossignal "os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/sentinel/internal/alert"
	"github.com/mbd888/sentinel/internal/baseline"
	"github.com/mbd888/sentinel/internal/behavior"
	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/devicestate"
	"github.com/mbd888/sentinel/internal/guard"
	"github.com/mbd888/sentinel/internal/health"
	"github.com/mbd888/sentinel/internal/incident"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/ratelimit"
	"github.com/mbd888/sentinel/internal/realtime"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/signal"
	"github.com/mbd888/sentinel/internal/sqldb"
	"github.com/mbd888/sentinel/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and the pipeline behind it.
type Server struct {
	cfg         *config.Config
	db          *sqldb.DB // nil if using in-memory
	redis       *redis.Client
	stores      *guard.Stores
	dispatcher  alert.Dispatcher
	guard       *guard.Guard
	timer       *guard.Timer
	notifier    *alert.Notifier
	realtimeHub *realtime.Hub
	health      *health.Registry
	apiLimiter  *ratelimit.Limiter
	authLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server
	listener    net.Listener
	logger      *slog.Logger
	now         func() time.Time

	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStores replaces the stores selected by DATABASE_URL (for testing).
func WithStores(stores guard.Stores) Option {
	return func(s *Server) {
		s.stores = &stores
	}
}

// WithDispatcher replaces the alert transport selected by ALERT_TRANSPORT.
func WithDispatcher(d alert.Dispatcher) Option {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// WithClock replaces time.Now in the pipeline.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a server: it opens storage, restores the persisted lock and
// session state, and prepares the alert transport and background workers.
// Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.openStores(ctx); err != nil {
		return nil, err
	}
	if err := s.openDispatcher(); err != nil {
		s.closeStorage()
		return nil, err
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.notifier = alert.NewNotifier(s.dispatcher, s.logger.With("component", "alert")).
		WithTimeout(cfg.AlertTimeout).
		WithRecipient(cfg.AlertRecipient).
		OnResult(s.publishAlert)
	s.logger.Info("alerting enabled", "transport", s.notifier.Transport())

	s.guard = guard.New(*s.stores, guard.Options{
		Logger:       s.logger,
		Location:     time.Local,
		Clock:        s.now,
		Retention:    cfg.SignalRetention,
		Notifier:     s.notifier,
		Hub:          s.realtimeHub,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err := s.guard.Start(ctx); err != nil {
		s.notifier.Close()
		s.closeStorage()
		return nil, fmt.Errorf("failed to restore device state: %w", err)
	}
	s.timer = guard.NewTimer(s.guard, cfg.EvaluationInterval, s.logger.With("component", "timer"))

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}
	if s.redis != nil {
		s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
	}
	s.health.Register("evaluation_timer", health.Liveness("evaluation_timer",
		s.timer.Running, s.timer.LastRun, 2*cfg.EvaluationInterval, time.Now))
	s.health.Register("realtime", func(context.Context) health.Status {
		return health.Status{Name: "realtime", Healthy: s.realtimeHub.Running()}
	})

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.apiLimiter = ratelimit.New(ratelimit.APIConfig())
	s.authLimiter = ratelimit.New(ratelimit.AuthConfig())

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) openStores(ctx context.Context) error {
	if s.stores != nil {
		s.logger.Info("using injected storage")
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		stores := guard.MemoryStores()
		s.stores = &stores
		s.logger.Warn("using in-memory storage (lock state and baselines will not persist)")
		return nil
	}

	db, err := sqldb.OpenAndMigrate(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	s.db = db
	s.stores = &guard.Stores{
		Signals:   signal.NewSQLStore(db),
		Baselines: baseline.NewSQLStore(db),
		Behavior:  behavior.NewSQLStore(db),
		Scores:    risk.NewSQLStore(db),
		Incidents: incident.NewSQLStore(db),
		State:     devicestate.NewSQLStore(db),
	}
	s.logger.Info("using SQL storage", "dialect", string(db.Dialect()), "url", sqldb.MaskDSN(s.cfg.DatabaseURL))
	return nil
}

func (s *Server) openDispatcher() error {
	if s.dispatcher != nil {
		return nil
	}
	switch s.cfg.AlertTransport {
	case config.TransportWebhook:
		s.dispatcher = alert.NewWebhookDispatcher(s.cfg.AlertWebhookURL, s.cfg.AlertWebhookSecret)
	case config.TransportRedis:
		client, err := alert.OpenRedis(s.cfg.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
		s.dispatcher = alert.NewRedisQueueDispatcher(client, s.cfg.AlertQueueKey)
	default:
		s.dispatcher = alert.NewLogDispatcher(s.logger.With("component", "alert"))
	}
	return nil
}

// publishAlert mirrors delivered alerts onto the live feed.
func (s *Server) publishAlert(a *alert.Alert, err error) {
	if err != nil {
		return
	}
	var level risk.Level
	switch a.Kind {
	case alert.KindRiskCritical:
		level = risk.LevelCritical
	case alert.KindRiskHigh:
		level = risk.LevelHigh
	}
	s.realtimeHub.Publish(realtime.EventAlert, level, a)
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", probe(&s.healthy, "alive", "unhealthy"))
	s.router.GET("/health/ready", probe(&s.ready, "ready", "not_ready"))
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for the live feed
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1", s.apiLimiter.Middleware("api"))
	{
		v1.POST("/signals", s.ingestSignals)
		v1.POST("/evaluate", s.evaluate)

		auth := v1.Group("/auth", s.authLimiter.Middleware("auth"))
		auth.POST("/success", s.authSuccess)
		auth.POST("/failure", s.authFailure)

		v1.GET("/lock", s.getLock)
		v1.GET("/session", s.getSession)

		v1.GET("/risk/latest", s.getLatestScore)
		v1.GET("/risk/history", s.getScoreHistory)

		v1.GET("/baselines/progress", s.getLearningProgress)
		v1.POST("/baselines/reset", s.resetBaselines)

		v1.GET("/incidents", s.listIncidents)
		v1.POST("/incidents/:id/resolve", validation.IDParamMiddleware("inc_"), s.resolveIncident)
	}
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Version is reported by /health; cmd/sentineld overrides it at build time.
var Version = "dev"

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// probe answers 200 while flag is set and 503 otherwise.
func probe(flag *atomic.Bool, up, down string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if flag.Load() {
			c.JSON(http.StatusOK, gin.H{"status": up})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": down})
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until ctx
// is cancelled, SIGINT/SIGTERM arrives or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		cancel()
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = ln

	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("host API listening", "addr", ln.Addr().String())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.timer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db.DB, 30*time.Second)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	stopCtx, stop := ossignal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("serve %s: %w", ln.Addr(), err)
	case <-stopCtx.Done():
		if ctx.Err() != nil {
			s.logger.Info("stopping, context cancelled")
		} else {
			s.logger.Info("stopping, shutdown signal received")
		}
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight requests and evaluation
// writes complete; queued alert deliveries are cancelled.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.timer != nil {
		s.timer.Stop()
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	var shutdownErr error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	s.apiLimiter.Stop()
	s.authLimiter.Stop()

	s.notifier.Close()
	s.logger.Info("alert notifier stopped")

	s.closeStorage()

	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStorage() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Guard returns the pipeline the server drives.
func (s *Server) Guard() *guard.Guard {
	return s.guard
}
