// Sentinel - on-device behavioral risk engine
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/server"
	"github.com/mbd888/sentinel/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Bootstrap logger until the configured one exists.
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting sentineld",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"addr", cfg.Addr(),
		"evaluation_interval", cfg.EvaluationInterval,
		"alert_transport", cfg.AlertTransport,
		"persistent", cfg.DatabaseURL != "",
	)

	server.Version = Version
	traces.Version = Version

	ctx := context.Background()
	shutdownTracing, err := traces.Init(ctx, traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	srv, err := server.New(ctx, cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return 1
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		return 1
	}
	return 0
}
