package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the assistant worker.
type Config struct {
	// Worker configuration
	WorkerID string `env:"WORKER_ID" envDefault:"assistant-1"`
	AppEnv   string `env:"APP_ENV" envDefault:"development"`

	// Redis configuration
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASS" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Stream configuration
	RouteStream     string        `env:"ROUTE_STREAM" envDefault:"assistant.route"`
	DecisionStream  string        `env:"DECISION_STREAM" envDefault:"assistant.decided"`
	BroadcastStream string        `env:"BROADCAST_STREAM" envDefault:"broadcast.jobs"`
	ConsumerGroup   string        `env:"CONSUMER_GROUP" envDefault:"assistant-workers"`
	BlockTime       time.Duration `env:"BLOCK_TIME" envDefault:"1s"`

	// Embedding configuration
	EmbedAPIKey   string        `env:"EMBED_API_KEY"`
	EmbedBaseURL  string        `env:"EMBED_BASE_URL" envDefault:""`
	EmbedModel    string        `env:"EMBED_MODEL" envDefault:"text-embedding-3-small"`
	EmbedDim      int           `env:"EMBED_DIM" envDefault:"1536"`
	EmbedTimeout  time.Duration `env:"EMBED_TIMEOUT" envDefault:"10s"`
	EmbedCacheTTL time.Duration `env:"EMBED_CACHE_TTL" envDefault:"24h"`

	// Router configuration
	MinConfidence         float64 `env:"ROUTER_MIN_CONFIDENCE" envDefault:"0.6"`
	AmbiguityEpsilon      float64 `env:"ROUTER_AMBIGUITY_EPSILON" envDefault:"0.05"`
	RolloutPercent        int     `env:"ROUTER_ROLLOUT_PERCENT" envDefault:"0"`
	ShadowEnabled         bool    `env:"ROUTER_SHADOW_ENABLED" envDefault:"false"`
	ProfilesPath          string  `env:"PROFILES_PATH" envDefault:"profiles.json"`
	CandidateProfilesPath string  `env:"CANDIDATE_PROFILES_PATH" envDefault:""`
	RulesPath             string  `env:"RULES_PATH" envDefault:""`

	// Calibration configuration
	CalibrationRefresh time.Duration `env:"CALIBRATION_REFRESH" envDefault:"1m"`

	// Checkpoint configuration
	CheckpointTTL time.Duration `env:"CHECKPOINT_TTL" envDefault:"30m"`

	// Rate limiting (per conversation thread)
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`
	RateLimitMax    int64         `env:"RATE_LIMIT_MAX" envDefault:"20"`

	// Broadcast configuration
	BroadcastConcurrency int           `env:"BROADCAST_CONCURRENCY" envDefault:"5"`
	BroadcastWorkers     int           `env:"BROADCAST_WORKERS" envDefault:"2"`
	SendTimeout          time.Duration `env:"SEND_TIMEOUT" envDefault:"15s"`
	RetryBaseDelay       time.Duration `env:"RETRY_BASE_DELAY" envDefault:"500ms"`
	RetryMaxAttempts     int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	ResultTTL            time.Duration `env:"BROADCAST_RESULT_TTL" envDefault:"24h"`

	// Messaging provider (SMS / WhatsApp)
	MessagingAccountSID string `env:"MESSAGING_ACCOUNT_SID"`
	MessagingAuthToken  string `env:"MESSAGING_AUTH_TOKEN"`
	MessagingFrom       string `env:"MESSAGING_FROM"`
	MessagingBaseURL    string `env:"MESSAGING_BASE_URL" envDefault:""`

	// Email provider
	EmailAPIKey  string `env:"EMAIL_API_KEY"`
	EmailFrom    string `env:"EMAIL_FROM" envDefault:"leads@easyislanders.com"`
	EmailBaseURL string `env:"EMAIL_BASE_URL" envDefault:""`

	// Audit ledger
	LedgerDriver string `env:"LEDGER_DRIVER" envDefault:"sqlite"`
	LedgerDSN    string `env:"LEDGER_DSN" envDefault:"file:assistant.db?cache=shared"`

	// Health check configuration
	HealthPort int `env:"HEALTH_PORT" envDefault:"8082"`

	// Logging configuration
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Production reports whether the worker runs in production mode.
func (c *Config) Production() bool {
	return c.AppEnv == "production"
}

// Validate validates the configuration. In production mode the provider
// credentials are required here: a missing credential fails startup with a
// descriptive error instead of surfacing mid-conversation.
func (c *Config) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("WORKER_ID is required")
	}

	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}

	if c.RouteStream == "" {
		return fmt.Errorf("ROUTE_STREAM is required")
	}

	if c.DecisionStream == "" {
		return fmt.Errorf("DECISION_STREAM is required")
	}

	if c.BroadcastStream == "" {
		return fmt.Errorf("BROADCAST_STREAM is required")
	}

	if c.ConsumerGroup == "" {
		return fmt.Errorf("CONSUMER_GROUP is required")
	}

	if c.BlockTime <= 0 {
		return fmt.Errorf("BLOCK_TIME must be positive")
	}

	if c.EmbedDim <= 0 {
		return fmt.Errorf("EMBED_DIM must be positive")
	}

	if c.EmbedTimeout <= 0 {
		return fmt.Errorf("EMBED_TIMEOUT must be positive")
	}

	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("ROUTER_MIN_CONFIDENCE must be in [0,1]")
	}

	if c.AmbiguityEpsilon < 0 || c.AmbiguityEpsilon > 1 {
		return fmt.Errorf("ROUTER_AMBIGUITY_EPSILON must be in [0,1]")
	}

	if c.RolloutPercent < 0 || c.RolloutPercent > 100 {
		return fmt.Errorf("ROUTER_ROLLOUT_PERCENT must be between 0 and 100")
	}

	if c.ProfilesPath == "" {
		return fmt.Errorf("PROFILES_PATH is required")
	}

	if c.RolloutPercent > 0 && c.CandidateProfilesPath == "" {
		return fmt.Errorf("CANDIDATE_PROFILES_PATH is required when ROUTER_ROLLOUT_PERCENT > 0")
	}

	if c.CheckpointTTL <= 0 {
		return fmt.Errorf("CHECKPOINT_TTL must be positive")
	}

	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}

	if c.RateLimitMax <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX must be positive")
	}

	if c.BroadcastConcurrency <= 0 {
		return fmt.Errorf("BROADCAST_CONCURRENCY must be positive")
	}

	if c.BroadcastWorkers <= 0 {
		return fmt.Errorf("BROADCAST_WORKERS must be positive")
	}

	if c.RetryMaxAttempts < 0 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be non-negative")
	}

	switch c.LedgerDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("LEDGER_DRIVER must be sqlite or postgres")
	}

	if c.LedgerDSN == "" {
		return fmt.Errorf("LEDGER_DSN is required")
	}

	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return fmt.Errorf("HEALTH_PORT must be between 1 and 65535")
	}

	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error")
	}

	if c.Production() {
		if c.EmbedAPIKey == "" {
			return fmt.Errorf("EMBED_API_KEY is required in production")
		}
		if c.MessagingAccountSID == "" || c.MessagingAuthToken == "" {
			return fmt.Errorf("MESSAGING_ACCOUNT_SID and MESSAGING_AUTH_TOKEN are required in production")
		}
		if c.MessagingFrom == "" {
			return fmt.Errorf("MESSAGING_FROM is required in production")
		}
		if c.EmailAPIKey == "" {
			return fmt.Errorf("EMAIL_API_KEY is required in production")
		}
	}

	return nil
}

// isValidLogLevel checks if the log level is valid.
func isValidLogLevel(level string) bool {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	return validLevels[level]
}

// String returns a string representation of the config (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{WorkerID=%s, AppEnv=%s, RedisAddr=%s, RedisDB=%d, RouteStream=%s, ConsumerGroup=%s, "+
			"EmbedModel=%s, EmbedDim=%d, MinConfidence=%.2f, Epsilon=%.2f, "+
			"RolloutPercent=%d, ShadowEnabled=%v, LedgerDriver=%s, HealthPort=%d, LogLevel=%s}",
		c.WorkerID,
		c.AppEnv,
		c.RedisAddr,
		c.RedisDB,
		c.RouteStream,
		c.ConsumerGroup,
		c.EmbedModel,
		c.EmbedDim,
		c.MinConfidence,
		c.AmbiguityEpsilon,
		c.RolloutPercent,
		c.ShadowEnabled,
		c.LedgerDriver,
		c.HealthPort,
		c.LogLevel,
	)
}
