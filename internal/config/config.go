// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
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

	// NakaPay gateway
	NakaPayBaseURL       string
	NakaPayAPIKey        string
	NakaPayWebhookSecret string
	NakaPayTimeout       time.Duration
	PublicBaseURL        string // Base URL for invoice payment callbacks (optional)

	// Background work
	ReconcileInterval time.Duration // How often pending invoices are polled
	InvoiceTTL        time.Duration // Age after which a still-pending invoice expires
	SessionIdleTTL    time.Duration // Idle age after which anonymous sessions deactivate (0 = never)

	// Per-action prices in sats
	PriceMonitorCreated int64
	PriceAlertSent      int64
	PriceCheckPerformed int64

	// Security
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultNakaPayBaseURL    = "https://api.nakapay.app"
	DefaultNakaPayTimeout    = 30 * time.Second
	DefaultReconcileInterval = time.Minute
	DefaultInvoiceTTL        = 24 * time.Hour
	DefaultRateLimit         = 60

	DefaultPriceMonitorCreated = 10
	DefaultPriceAlertSent      = 1
	DefaultPriceCheckPerformed = 1
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		NakaPayBaseURL:       getEnv("NAKAPAY_BASE_URL", DefaultNakaPayBaseURL),
		NakaPayAPIKey:        os.Getenv("NAKAPAY_API_KEY"),
		NakaPayWebhookSecret: os.Getenv("NAKAPAY_WEBHOOK_SECRET"),
		NakaPayTimeout:       getEnvDuration("NAKAPAY_TIMEOUT", DefaultNakaPayTimeout),
		PublicBaseURL:        os.Getenv("PUBLIC_BASE_URL"),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		InvoiceTTL:           getEnvDuration("INVOICE_TTL", DefaultInvoiceTTL),
		SessionIdleTTL:       getEnvDuration("SESSION_IDLE_TTL", 0),
		PriceMonitorCreated:  getEnvInt64("PRICE_MONITOR_CREATED", DefaultPriceMonitorCreated),
		PriceAlertSent:       getEnvInt64("PRICE_ALERT_SENT", DefaultPriceAlertSent),
		PriceCheckPerformed:  getEnvInt64("PRICE_CHECK_PERFORMED", DefaultPriceCheckPerformed),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent. The gateway API key
// is deliberately not required here: the server runs without one, and
// gateway-dependent calls fail with a configuration error until it is set.
func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.NakaPayBaseURL); err != nil {
		return fmt.Errorf("NAKAPAY_BASE_URL is not a valid URL: %w", err)
	}
	if c.PublicBaseURL != "" {
		if _, err := url.ParseRequestURI(c.PublicBaseURL); err != nil {
			return fmt.Errorf("PUBLIC_BASE_URL is not a valid URL: %w", err)
		}
	}
	if c.PriceMonitorCreated <= 0 || c.PriceAlertSent <= 0 || c.PriceCheckPerformed <= 0 {
		return fmt.Errorf("action prices must be positive sat amounts")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.InvoiceTTL <= 0 {
		return fmt.Errorf("INVOICE_TTL must be positive")
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
