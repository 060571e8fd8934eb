// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`

	// ── Job engine ───────────────────────────────────────────────────────────────
	// PollInterval is how often each job source scans for eligible rows.
	PollInterval   time.Duration `env:"POLL_INTERVAL"       envDefault:"4s"`
	ClaimBatchSize int           `env:"CLAIM_BATCH_SIZE"    envDefault:"15"`
	BatchTimeout   time.Duration `env:"BATCH_TIMEOUT"       envDefault:"60s"`
	MaxConcurrent  int           `env:"MAX_CONCURRENT_JOBS" envDefault:"8"`
	MaxAttempts    int           `env:"MAX_ATTEMPTS"        envDefault:"5"`
	// BackoffBaseSeconds is the exponential backoff base: a job that has made
	// n attempts becomes eligible again after base^n seconds.
	BackoffBaseSeconds int `env:"BACKOFF_BASE_SECONDS" envDefault:"3"`
	// StuckTimeout is how long a job may sit in-flight before it is presumed
	// orphaned by a crashed instance and becomes reclaimable.
	StuckTimeout time.Duration `env:"STUCK_TIMEOUT" envDefault:"5m"`

	// ── Webhooks ─────────────────────────────────────────────────────────────────
	// WebhookSecretKey is the hex-encoded 32-byte AES key that encrypts
	// subscription signing secrets at rest.
	WebhookSecretKey              string        `env:"WEBHOOK_SECRET_KEY,required"`
	WebhookTimeout                time.Duration `env:"WEBHOOK_TIMEOUT"                  envDefault:"30s"`
	WebhookMaxConsecutiveFailures int           `env:"WEBHOOK_MAX_CONSECUTIVE_FAILURES" envDefault:"20"`
	WebhookRatePerSecond          float64       `env:"WEBHOOK_RATE_PER_SECOND"          envDefault:"25"`
	WebhookRateBurst              int           `env:"WEBHOOK_RATE_BURST"               envDefault:"50"`

	// ── Inference queue ──────────────────────────────────────────────────────────
	// QueueBackend selects where release messages are published: "redis" or "sqs".
	QueueBackend   string `env:"QUEUE_BACKEND"   envDefault:"redis"`
	RedisAddr      string `env:"REDIS_ADDR"      envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB"        envDefault:"0"`
	InferenceQueue string `env:"INFERENCE_QUEUE" envDefault:"inference-requests"`

	// ── Ops ──────────────────────────────────────────────────────────────────────
	MetricsAddr            string `env:"METRICS_ADDR"             envDefault:":9090"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
