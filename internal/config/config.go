// Package config provides configuration management for the integration engine.
// It loads configuration from environment variables with sensible defaults and
// validates the result so the application starts safely.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// Security Configuration:
//   - STATE_SIGNING_SECRET: HMAC secret for OAuth state tokens (required, minimum 32 characters)
//   - CONFIG_ENCRYPTION_KEY: Encryption key for tokens at rest (required)
//   - OAUTH_STATE_TTL: Lifetime of an issued OAuth state (default: 10m)
//   - OAUTH_RESULT_URL: Redirect target after the OAuth round trip (default: /connections)
//
// Storage:
//   - DATABASE_URL: Postgres connection string; when empty, in-memory stores are used
//
// Redis (state store, queue backend, distributed locks):
//   - REDIS_ENABLED: Connect to Redis even when the queue backend does not need it (default: false)
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Dispatch:
//   - QUEUE_BACKEND: "memory", "redis", or "amqp" (default: memory)
//   - AMQP_URL: AMQP connection URL (required when QUEUE_BACKEND=amqp)
//   - DISPATCH_QUEUE: Queue name for pending actions (default: actions)
//   - DISPATCH_WORKERS: Worker pool size (default: 4)
//   - DISPATCH_MAX_ATTEMPTS: Attempts per action including the first (default: 3)
//   - DISPATCH_BACKOFF: Fixed delay between attempts (default: 60s)
//   - DISPATCH_TIMEOUT: Per-attempt execution timeout (default: 30s)
//
// Schedules:
//   - SCHEDULES: JSON array of {"cron","event_type","data"} entries; each one
//     emits an internal event on its cron spec (default: none)
//
// Rate Limiting:
//   - RATE_LIMIT_ENABLED: Enable per-IP rate limiting (default: true)
//   - RATE_LIMIT_RPS: Sustained requests per second per IP (default: 10)
//   - RATE_LIMIT_BURST: Burst size per IP (default: 30)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Schedule is one SCHEDULES entry: a cron spec and the internal event it
// emits on every tick.
type Schedule struct {
	Cron      string                 `json:"cron"`
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Config holds all configuration values for the integration engine. All fields
// correspond to environment variables that can be set to override the defaults.
type Config struct {
	// Application settings
	Port     string
	LogLevel string

	// Security
	StateSigningSecret string
	EncryptionKey      string
	OAuthStateTTL      time.Duration
	OAuthResultURL     string

	// Storage
	DatabaseURL string

	// Redis
	RedisEnabled  bool
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	RedisPoolSize int

	// Dispatch
	QueueBackend        string
	AMQPURL             string
	DispatchQueue       string
	DispatchWorkers     int
	DispatchMaxAttempts int
	DispatchBackoff     time.Duration
	DispatchTimeout     time.Duration

	// Schedules
	SchedulesJSON string

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
}

// Load creates a new Config instance with values loaded from environment
// variables. Call Validate on the result before use.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		StateSigningSecret: getEnv("STATE_SIGNING_SECRET", ""),
		EncryptionKey:      getEnv("CONFIG_ENCRYPTION_KEY", ""),
		OAuthStateTTL:      getDurationEnv("OAUTH_STATE_TTL", 10*time.Minute),
		OAuthResultURL:     getEnv("OAUTH_RESULT_URL", "/connections"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		RedisPoolSize: getIntEnv("REDIS_POOL_SIZE", 10),

		QueueBackend:        getEnv("QUEUE_BACKEND", "memory"),
		AMQPURL:             getEnv("AMQP_URL", ""),
		DispatchQueue:       getEnv("DISPATCH_QUEUE", "actions"),
		DispatchWorkers:     getIntEnv("DISPATCH_WORKERS", 4),
		DispatchMaxAttempts: getIntEnv("DISPATCH_MAX_ATTEMPTS", 3),
		DispatchBackoff:     getDurationEnv("DISPATCH_BACKOFF", 60*time.Second),
		DispatchTimeout:     getDurationEnv("DISPATCH_TIMEOUT", 30*time.Second),

		SchedulesJSON: getEnv("SCHEDULES", ""),

		RateLimitEnabled: getBoolEnv("RATE_LIMIT_ENABLED", true),
		RateLimitRPS:     getFloatEnv("RATE_LIMIT_RPS", 10),
		RateLimitBurst:   getIntEnv("RATE_LIMIT_BURST", 30),
	}
}

// Validate checks that required values are set and within bounds.
func (c *Config) Validate() error {
	if len(c.StateSigningSecret) < 32 {
		return fmt.Errorf("STATE_SIGNING_SECRET must be at least 32 characters")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("CONFIG_ENCRYPTION_KEY is required")
	}
	if c.OAuthStateTTL <= 0 {
		return fmt.Errorf("OAUTH_STATE_TTL must be positive")
	}

	switch c.QueueBackend {
	case "memory", "redis":
	case "amqp":
		if c.AMQPURL == "" {
			return fmt.Errorf("AMQP_URL is required when QUEUE_BACKEND=amqp")
		}
	default:
		return fmt.Errorf("unsupported QUEUE_BACKEND %q", c.QueueBackend)
	}

	if c.DispatchWorkers <= 0 {
		return fmt.Errorf("DISPATCH_WORKERS must be positive")
	}
	if c.DispatchMaxAttempts <= 0 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be positive")
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}
	if _, err := c.Schedules(); err != nil {
		return err
	}

	return nil
}

// Schedules parses the SCHEDULES entries. An empty value means no schedules.
func (c *Config) Schedules() ([]Schedule, error) {
	if c.SchedulesJSON == "" {
		return nil, nil
	}
	var schedules []Schedule
	if err := json.Unmarshal([]byte(c.SchedulesJSON), &schedules); err != nil {
		return nil, fmt.Errorf("SCHEDULES must be a JSON array: %w", err)
	}
	for i, s := range schedules {
		if s.Cron == "" {
			return nil, fmt.Errorf("SCHEDULES entry %d is missing cron", i)
		}
		if s.EventType == "" {
			return nil, fmt.Errorf("SCHEDULES entry %d is missing event_type", i)
		}
	}
	return schedules, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
