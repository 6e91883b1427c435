// Package config loads reactorhub's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Server
	Host string `env:"REACTORHUB_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"REACTORHUB_PORT" envDefault:"8080"`

	InstanceID string `env:"INSTANCE_ID"`

	// Coordination store (Redis-style)
	CoordinationStoreURL string `env:"COORDINATION_STORE_URL" envDefault:"redis://localhost:6379/0"`

	// Document store (Mongo-style)
	DocumentStoreURL string `env:"DOCUMENT_STORE_URL" envDefault:"mongodb://localhost:27017"`
	DocumentStoreDB  string `env:"DOCUMENT_STORE_DB" envDefault:"reactorhub"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Webhook delivery
	WebhookMaxRetries            int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"5"`
	WebhookRetryDelay            time.Duration `env:"WEBHOOK_RETRY_DELAY" envDefault:"500ms"`
	WebhookMaxRetryDelay         time.Duration `env:"WEBHOOK_MAX_RETRY_DELAY" envDefault:"60s"`
	WebhookTimeout               time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	WebhookBackoffMultiplier     float64       `env:"WEBHOOK_BACKOFF_MULTIPLIER" envDefault:"2.0"`
	WebhookDefaultMaxRPM         int           `env:"WEBHOOK_RATE_LIMIT_DEFAULT_MAX_RPM" envDefault:"60"`
	WebhookRateLimitWindow       time.Duration `env:"WEBHOOK_RATE_LIMIT_WINDOW" envDefault:"60s"`
	WebhookProcessingConcurrency int           `env:"WEBHOOK_PROCESSING_CONCURRENCY" envDefault:"8"`

	// Script sandbox
	ScriptExecutionTimeout time.Duration `env:"SCRIPT_EXECUTION_TIMEOUT" envDefault:"30s"`
	ScriptAPIBaseURL       string        `env:"SCRIPT_API_BASE_URL"`
	ScriptAPITimeout       time.Duration `env:"SCRIPT_API_TIMEOUT" envDefault:"10s"`

	// Coordination tuning
	LockTTL                   time.Duration `env:"SCALING_LOCK_TTL" envDefault:"15s"`
	LeadershipRenewalInterval time.Duration `env:"SCALING_LEADERSHIP_RENEWAL_INTERVAL" envDefault:"5s"`
	LockCleanupInterval       time.Duration `env:"SCALING_LOCK_CLEANUP_INTERVAL" envDefault:"30s"`
	MaxScriptExecutionTime    time.Duration `env:"SCALING_MAX_SCRIPT_EXECUTION_TIME" envDefault:"300s"`

	// Cluster behavior
	CronLeaderElection bool `env:"CLUSTER_CRON_LEADER_ELECTION" envDefault:"true"`

	// Optional Slack alerting for the operator surface.
	SlackBotToken     string `env:"SLACK_BOT_TOKEN"`
	SlackAlertChannel string `env:"SLACK_ALERT_CHANNEL"`

	// Shutdown
	ShutdownDrainTimeout time.Duration `env:"SHUTDOWN_DRAIN_TIMEOUT" envDefault:"30s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
