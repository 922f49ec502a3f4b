// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	GatewayURL     string
	GatewayKey     string
	GatewaySecret  string
	GatewayTimeout time.Duration

	// Webhook authentication
	WebhookSecret string

	// Crediting
	CoinRate int64 // coins credited per amount unit

	// Status poller
	PollInterval   time.Duration
	PollPendingAge time.Duration
	PollBatchSize  int

	// Security / observability
	RateLimitRPM int
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultCoinRate       = 100
	DefaultGatewayTimeout = 15 * time.Second
	DefaultPollInterval   = 30 * time.Second
	DefaultPollPendingAge = time.Minute
	DefaultPollBatchSize  = 100
	DefaultRateLimit      = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayURL:     os.Getenv("GATEWAY_URL"),
		GatewayKey:     os.Getenv("GATEWAY_KEY"),
		GatewaySecret:  os.Getenv("GATEWAY_SECRET"),
		GatewayTimeout: getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		CoinRate:       getEnvInt64("COIN_RATE", DefaultCoinRate),
		PollInterval:   getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		PollPendingAge: getEnvDuration("POLL_PENDING_AGE", DefaultPollPendingAge),
		PollBatchSize:  int(getEnvInt64("POLL_BATCH_SIZE", DefaultPollBatchSize)),
		RateLimitRPM:   int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("GATEWAY_URL is required")
	}
	if c.GatewayKey == "" {
		return fmt.Errorf("GATEWAY_KEY is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if c.CoinRate <= 0 {
		return fmt.Errorf("COIN_RATE must be a positive integer")
	}
	return nil
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
