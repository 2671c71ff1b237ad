// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/mbd888/safetrade/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port           string
	Env            string // "development", "staging", "production"
	LogLevel       string
	LogFormat      string // "json" or "text"
	RequestTimeout time.Duration

	// Database
	DatabaseURL    string // PostgreSQL connection string (optional, uses in-memory if not set)
	DBMaxOpenConns int
	DBMaxIdleConns int

	// Security
	JWTSecret          string
	CORSOrigins        []string
	RateLimitPerMinute int // 0 disables rate limiting
	RateLimitBurst     int

	// Escrow policy
	PlatformFeePercent     string // e.g. "5.00"
	AutoReleaseDays        int
	AutoReleaseSchedule    string // standard 5-field cron spec
	AutoReleaseConcurrency int
	StoreMaxRetries        int

	// Coordination and events
	RedisURL     string   // optional, enables the auto-release lease
	KafkaBrokers []string // optional, enables the kafka notification sink
	KafkaTopic   string
	NotifyBuffer int

	ReconciliationInterval time.Duration

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort                   = "8080"
	DefaultEnv                    = "development"
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "json"
	DefaultPlatformFeePercent     = "5.00"
	DefaultAutoReleaseDays        = 21
	DefaultAutoReleaseSchedule    = "0 2 * * *"
	DefaultAutoReleaseConcurrency = 4
	DefaultStoreMaxRetries        = 5
	DefaultKafkaTopic             = "safetrade.events"
	DefaultNotifyBuffer           = 1024
	DefaultReconciliationInterval = 15 * time.Minute
	DefaultRequestTimeout         = 30 * time.Second
	DefaultRateLimitPerMinute     = 120
	DefaultRateLimitBurst         = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		RequestTimeout:         getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:         int(getEnvInt64("DB_MAX_OPEN_CONNS", 25)),
		DBMaxIdleConns:         int(getEnvInt64("DB_MAX_IDLE_CONNS", 5)),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		CORSOrigins:            splitList(os.Getenv("CORS_ORIGINS")),
		RateLimitPerMinute:     int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		RateLimitBurst:         int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		PlatformFeePercent:     getEnv("PLATFORM_FEE_PERCENT", DefaultPlatformFeePercent),
		AutoReleaseDays:        int(getEnvInt64("ESCROW_AUTO_RELEASE_DAYS", DefaultAutoReleaseDays)),
		AutoReleaseSchedule:    getEnv("AUTO_RELEASE_SCHEDULE", DefaultAutoReleaseSchedule),
		AutoReleaseConcurrency: int(getEnvInt64("AUTO_RELEASE_CONCURRENCY", DefaultAutoReleaseConcurrency)),
		StoreMaxRetries:        int(getEnvInt64("STORE_MAX_RETRIES", DefaultStoreMaxRetries)),
		RedisURL:               os.Getenv("REDIS_URL"),
		KafkaBrokers:           splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:             getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		NotifyBuffer:           int(getEnvInt64("NOTIFY_BUFFER", DefaultNotifyBuffer)),
		ReconciliationInterval: getEnvDuration("RECONCILIATION_INTERVAL", DefaultReconciliationInterval),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" && c.IsProduction() {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters")
	}

	fee, ok := money.Parse(c.PlatformFeePercent)
	if !ok {
		return fmt.Errorf("PLATFORM_FEE_PERCENT %q is not a valid percentage", c.PlatformFeePercent)
	}
	if fee.Cmp(money.Hundred()) > 0 {
		return fmt.Errorf("PLATFORM_FEE_PERCENT must be between 0 and 100")
	}

	if c.AutoReleaseDays < 1 {
		return fmt.Errorf("ESCROW_AUTO_RELEASE_DAYS must be at least 1")
	}
	if _, err := cron.ParseStandard(c.AutoReleaseSchedule); err != nil {
		return fmt.Errorf("AUTO_RELEASE_SCHEDULE %q: %w", c.AutoReleaseSchedule, err)
	}
	if c.AutoReleaseConcurrency < 1 {
		return fmt.Errorf("AUTO_RELEASE_CONCURRENCY must be at least 1")
	}
	if c.StoreMaxRetries < 1 {
		return fmt.Errorf("STORE_MAX_RETRIES must be at least 1")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if c.RateLimitPerMinute > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when rate limiting is enabled")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	return nil
}

// AutoReleaseAfter is the confirmation window after which escrows are force-released.
func (c *Config) AutoReleaseAfter() time.Duration {
	return time.Duration(c.AutoReleaseDays) * 24 * time.Hour
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
