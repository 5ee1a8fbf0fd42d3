// Package config handles daemon configuration from an optional TOML file and
// environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/mbd888/sentinel/internal/security"
)

// Alert transports.
const (
	TransportLog     = "log"
	TransportWebhook = "webhook"
	TransportRedis   = "redis"
)

// Config holds all daemon configuration.
type Config struct {
	// Server settings
	Port      string `toml:"port"`
	Env       string `toml:"env"` // "development", "staging", "production"
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "text" or "json"

	// Storage. Empty uses in-memory stores.
	DatabaseURL  string        `toml:"database_url"`
	StoreTimeout time.Duration `toml:"store_timeout"`

	// Evaluation
	EvaluationInterval time.Duration `toml:"evaluation_interval"`
	SignalRetention    time.Duration `toml:"signal_retention"`

	// Alerts
	AlertTransport     string        `toml:"alert_transport"`
	AlertTimeout       time.Duration `toml:"alert_timeout"`
	AlertRecipient     string        `toml:"alert_recipient"`
	AlertWebhookURL    string        `toml:"alert_webhook_url"`
	AlertWebhookSecret string        `toml:"alert_webhook_secret"`
	RedisURL           string        `toml:"redis_url"`
	AlertQueueKey      string        `toml:"alert_queue_key"`

	// Tracing. An empty endpoint disables export.
	OTLPEndpoint     string  `toml:"otlp_endpoint"`
	TraceSampleRatio float64 `toml:"trace_sample_ratio"`
}

const (
	// Host is the only interface the API binds to.
	Host = "127.0.0.1"

	DefaultPort               = "7420"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultStoreTimeout       = 5 * time.Second
	DefaultEvaluationInterval = 15 * time.Minute
	DefaultSignalRetention    = 90 * 24 * time.Hour
	DefaultAlertTimeout       = 30 * time.Second
	DefaultAlertQueueKey      = "sentinel:alerts"
	DefaultTraceSampleRatio   = 1.0
)

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		Port:               DefaultPort,
		Env:                DefaultEnv,
		LogLevel:           DefaultLogLevel,
		LogFormat:          DefaultLogFormat,
		StoreTimeout:       DefaultStoreTimeout,
		EvaluationInterval: DefaultEvaluationInterval,
		SignalRetention:    DefaultSignalRetention,
		AlertTransport:     TransportLog,
		AlertTimeout:       DefaultAlertTimeout,
		AlertQueueKey:      DefaultAlertQueueKey,
		TraceSampleRatio:   DefaultTraceSampleRatio,
	}
}

// Load builds the configuration: defaults, then the TOML file named by
// SENTINEL_CONFIG if set, then environment variables. A .env file in the
// working directory is loaded first if present.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("SENTINEL_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the TOML file at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.StoreTimeout = getEnvDuration("STORE_TIMEOUT", c.StoreTimeout)
	c.EvaluationInterval = getEnvDuration("EVALUATION_INTERVAL", c.EvaluationInterval)
	c.SignalRetention = getEnvDuration("SIGNAL_RETENTION", c.SignalRetention)
	c.AlertTransport = getEnv("ALERT_TRANSPORT", c.AlertTransport)
	c.AlertTimeout = getEnvDuration("ALERT_TIMEOUT", c.AlertTimeout)
	c.AlertRecipient = getEnv("ALERT_RECIPIENT", c.AlertRecipient)
	c.AlertWebhookURL = getEnv("ALERT_WEBHOOK_URL", c.AlertWebhookURL)
	c.AlertWebhookSecret = getEnv("ALERT_WEBHOOK_SECRET", c.AlertWebhookSecret)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.AlertQueueKey = getEnv("ALERT_QUEUE_KEY", c.AlertQueueKey)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	if v := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			c.TraceSampleRatio = r
		}
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	for name, d := range map[string]time.Duration{
		"STORE_TIMEOUT":       c.StoreTimeout,
		"EVALUATION_INTERVAL": c.EvaluationInterval,
		"SIGNAL_RETENTION":    c.SignalRetention,
		"ALERT_TIMEOUT":       c.AlertTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1, got %g", c.TraceSampleRatio)
	}

	switch c.AlertTransport {
	case TransportLog:
	case TransportWebhook:
		if c.AlertWebhookURL == "" {
			return fmt.Errorf("ALERT_WEBHOOK_URL is required for the webhook transport")
		}
		if err := security.ValidateWebhookURL(c.AlertWebhookURL); err != nil {
			return fmt.Errorf("ALERT_WEBHOOK_URL: %w", err)
		}
	case TransportRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis transport")
		}
	default:
		return fmt.Errorf("ALERT_TRANSPORT must be log, webhook or redis, got %q", c.AlertTransport)
	}

	return nil
}

// Addr is the loopback listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(Host, c.Port)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("15m") and whole seconds ("900").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
