package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Server configuration
	Port        string `env:"PORT" envDefault:"8090"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Storage configuration
	StoreBackend string `env:"STORE_BACKEND" envDefault:"pocketbase"`
	PostgresDSN  string `env:"POSTGRES_DSN"`

	// Redis configuration
	RedisURL string `env:"REDIS_URL" envDefault:"localhost:6379"`

	// PubNub configuration
	PubNubPublishKey   string `env:"PUBNUB_PUBLISH_KEY"`
	PubNubSubscribeKey string `env:"PUBNUB_SUBSCRIBE_KEY"`
	PubNubSecretKey    string `env:"PUBNUB_SECRET_KEY"`
	PubNubUserID       string `env:"PUBNUB_USER_ID" envDefault:"rsvp-server"`

	// Admission configuration
	AdmissionMaxAttempts int           `env:"ADMISSION_MAX_ATTEMPTS" envDefault:"5"`
	AdmissionRetryBase   time.Duration `env:"ADMISSION_RETRY_BASE" envDefault:"10ms"`
	RateLimitPerMinute   int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`
	ReconcileConcurrency int           `env:"RECONCILE_CONCURRENCY" envDefault:"4"`

	// Monitoring
	EnableMetrics bool   `env:"ENABLE_METRICS" envDefault:"true"`
	MetricsPort   string `env:"METRICS_PORT" envDefault:"9090"`
}

const (
	BackendPocketBase = "pocketbase"
	BackendRedis      = "redis"
	BackendPostgres   = "postgres"
)

func LoadConfig() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPocketBase, BackendRedis:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when STORE_BACKEND=%s", BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.AdmissionMaxAttempts < 1 {
		return fmt.Errorf("ADMISSION_MAX_ATTEMPTS must be at least 1, got %d", c.AdmissionMaxAttempts)
	}
	if c.ReconcileConcurrency < 1 {
		return fmt.Errorf("RECONCILE_CONCURRENCY must be at least 1, got %d", c.ReconcileConcurrency)
	}
	return nil
}

// PubNubEnabled reports whether realtime notifications can be published.
func (c *Config) PubNubEnabled() bool {
	return c.PubNubPublishKey != "" && c.PubNubSubscribeKey != ""
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
