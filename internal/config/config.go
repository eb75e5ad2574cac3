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
	GatewayProvider   string // "paystack" (mobile-money REST driver) or "stripe"
	GatewayBaseURL    string
	GatewaySecretKey  string // Bearer key for outbound gateway calls
	GatewaySuccessURL string // Post-payment redirect, required by the stripe driver
	WebhookSecret     string // HMAC secret for inbound webhook signatures
	GatewayTimeout    time.Duration
	Currency          string // Default settlement currency (ISO 4217)

	// Escrow
	HoldingPeriod time.Duration // Time funds stay escrowed before auto-release
	SweepInterval time.Duration // How often the release scheduler scans

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultCurrency     = "GHS"
	DefaultHoldingDays  = 4
	DefaultSweepSeconds = 120
	DefaultGatewayURL   = "https://api.paygate.example.com"
	DefaultProvider     = "paystack"
	DefaultGatewaySecs  = 15
	DefaultRateLimitRPM = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayProvider:   getEnv("GATEWAY_PROVIDER", DefaultProvider),
		GatewayBaseURL:    getEnv("GATEWAY_BASE_URL", DefaultGatewayURL),
		GatewaySecretKey:  os.Getenv("GATEWAY_SECRET_KEY"), // Required, no default
		GatewaySuccessURL: os.Getenv("GATEWAY_SUCCESS_URL"),
		WebhookSecret:     os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayTimeout:    time.Duration(getEnvInt64("GATEWAY_TIMEOUT_SECONDS", DefaultGatewaySecs)) * time.Second,
		Currency:          getEnv("CURRENCY", DefaultCurrency),
		HoldingPeriod:     time.Duration(getEnvInt64("ESCROW_HOLDING_DAYS", DefaultHoldingDays)) * 24 * time.Hour,
		SweepInterval:     time.Duration(getEnvInt64("RELEASE_SWEEP_INTERVAL_SECONDS", DefaultSweepSeconds)) * time.Second,
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.GatewayProvider != "paystack" && c.GatewayProvider != "stripe" {
		return fmt.Errorf("GATEWAY_PROVIDER must be paystack or stripe, got %q", c.GatewayProvider)
	}
	if c.GatewayProvider == "stripe" && c.GatewaySuccessURL == "" {
		return fmt.Errorf("GATEWAY_SUCCESS_URL is required for the stripe provider")
	}
	if c.GatewaySecretKey == "" {
		return fmt.Errorf("GATEWAY_SECRET_KEY is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("GATEWAY_WEBHOOK_SECRET is required")
	}
	if c.HoldingPeriod <= 0 {
		return fmt.Errorf("ESCROW_HOLDING_DAYS must be positive")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO 4217 code")
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
