// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Settlement
	GracePeriod   time.Duration // dispute window after delivery before auto-release
	SweepInterval time.Duration // how often the settlement sweeper runs
	ItemTimeout   time.Duration // per-escrow budget within a sweep

	// Disputes
	ReturnWindow time.Duration // window after delivery in which a dispute may be raised

	// Pricing rules applied at order creation
	TaxRateBPS        int64
	CommissionRateBPS int64

	// Events
	OutboxDrainInterval time.Duration
	WebhookSecret       string

	// Payment gateway
	StripeAPIKey string // optional; refund instructions are acknowledged locally if unset

	// Security
	AdminSecret string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultGracePeriod       = 72 * time.Hour
	DefaultSweepInterval     = time.Minute
	DefaultItemTimeout       = 10 * time.Second
	DefaultReturnWindow      = 14 * 24 * time.Hour
	DefaultDrainInterval     = 5 * time.Second
	DefaultTaxRateBPS        = 1800 // 18% GST
	DefaultCommissionRateBPS = 500  // 5% platform commission cap
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		GracePeriod:         getEnvDuration("SETTLEMENT_GRACE_PERIOD", DefaultGracePeriod),
		SweepInterval:       getEnvDuration("SETTLEMENT_SWEEP_INTERVAL", DefaultSweepInterval),
		ItemTimeout:         getEnvDuration("SETTLEMENT_ITEM_TIMEOUT", DefaultItemTimeout),
		ReturnWindow:        getEnvDuration("DISPUTE_RETURN_WINDOW", DefaultReturnWindow),
		TaxRateBPS:          getEnvInt64("TAX_RATE_BPS", DefaultTaxRateBPS),
		CommissionRateBPS:   getEnvInt64("COMMISSION_RATE_BPS", DefaultCommissionRateBPS),
		OutboxDrainInterval: getEnvDuration("OUTBOX_DRAIN_INTERVAL", DefaultDrainInterval),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.GracePeriod <= 0 {
		return fmt.Errorf("SETTLEMENT_GRACE_PERIOD must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SETTLEMENT_SWEEP_INTERVAL must be positive")
	}
	if c.TaxRateBPS < 0 || c.TaxRateBPS > 10000 {
		return fmt.Errorf("TAX_RATE_BPS must be between 0 and 10000")
	}
	if c.CommissionRateBPS < 0 || c.CommissionRateBPS > 10000 {
		return fmt.Errorf("COMMISSION_RATE_BPS must be between 0 and 10000")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

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
