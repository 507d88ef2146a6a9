// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Identity
	JWTSecret   string
	JWTIssuer   string
	OperatorIDs string // comma separated party ids

	// Deal rules
	HoldingPeriod    time.Duration
	HoldingPlatforms string // comma separated platforms that enforce a hold
	FeeCurrency      string

	// Fee rails
	StripeSecretKey      string
	NowPaymentsAPIKey    string
	NowPaymentsAPIURL    string
	NowPaymentsIPNSecret string
	PublicBaseURL        string // externally reachable base, used for processor callbacks
	CheckoutSuccessURL   string

	// Notifications
	ChatWebhookURL    string
	ChatWebhookSecret string
	NotifyWorkers     int
	NotifyQueueSize   int

	// Observability
	OTLPEndpoint string

	// HTTP hardening
	RateLimitRPM    int
	CORSOrigins     string
	ShutdownTimeout time.Duration
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultHoldingPeriod    = 168 * time.Hour
	DefaultHoldingPlatforms = "youtube"
	DefaultFeeCurrency      = "USD"
	DefaultRateLimitRPM     = 120
	DefaultNotifyWorkers    = 4
	DefaultNotifyQueueSize  = 1024
	DefaultShutdownTimeout  = 15 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  strings.ToLower(getEnv("ENV", DefaultEnv)),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTIssuer:            os.Getenv("JWT_ISSUER"),
		OperatorIDs:          os.Getenv("OPERATOR_IDS"),
		HoldingPeriod:        getEnvDuration("HOLDING_PERIOD", DefaultHoldingPeriod),
		HoldingPlatforms:     getEnv("HOLDING_PLATFORMS", DefaultHoldingPlatforms),
		FeeCurrency:          strings.ToUpper(getEnv("FEE_CURRENCY", DefaultFeeCurrency)),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		NowPaymentsAPIKey:    os.Getenv("NOWPAYMENTS_API_KEY"),
		NowPaymentsAPIURL:    os.Getenv("NOWPAYMENTS_API_URL"),
		NowPaymentsIPNSecret: os.Getenv("NOWPAYMENTS_IPN_SECRET"),
		PublicBaseURL:        strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		CheckoutSuccessURL:   os.Getenv("CHECKOUT_SUCCESS_URL"),
		ChatWebhookURL:       os.Getenv("CHAT_WEBHOOK_URL"),
		ChatWebhookSecret:    os.Getenv("CHAT_WEBHOOK_SECRET"),
		NotifyWorkers:        int(getEnvInt64("NOTIFY_WORKERS", DefaultNotifyWorkers)),
		NotifyQueueSize:      int(getEnvInt64("NOTIFY_QUEUE_SIZE", DefaultNotifyQueueSize)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:          os.Getenv("CORS_ORIGINS"),
		ShutdownTimeout:      getEnvDuration("SHUTDOWN_TIMEOUT", DefaultShutdownTimeout),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535")
	}
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}
	if c.HoldingPeriod < 0 {
		return fmt.Errorf("HOLDING_PERIOD must not be negative")
	}
	if len(c.FeeCurrency) != 3 {
		return fmt.Errorf("FEE_CURRENCY must be a three-letter code")
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
	}

	if c.CryptoEnabled() {
		if c.PublicBaseURL == "" {
			return fmt.Errorf("PUBLIC_BASE_URL is required when NOWPAYMENTS_API_KEY is set")
		}
		if u, err := url.Parse(c.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL")
		}
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET of at least 32 bytes is required in production")
		}
		if len(c.Operators()) == 0 {
			return fmt.Errorf("OPERATOR_IDS must name at least one operator in production")
		}
		if c.CryptoEnabled() && c.NowPaymentsIPNSecret == "" {
			return fmt.Errorf("NOWPAYMENTS_IPN_SECRET is required when the crypto rail is enabled")
		}
		if !c.CardEnabled() && !c.CryptoEnabled() {
			return fmt.Errorf("at least one of STRIPE_SECRET_KEY or NOWPAYMENTS_API_KEY is required in production")
		}
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

// CardEnabled reports whether the Stripe card rail is configured.
func (c *Config) CardEnabled() bool { return c.StripeSecretKey != "" }

// CryptoEnabled reports whether the NOWPayments rail is configured.
func (c *Config) CryptoEnabled() bool { return c.NowPaymentsAPIKey != "" }

// Operators returns the configured operator ids.
func (c *Config) Operators() []string {
	return splitList(c.OperatorIDs)
}

// HoldPlatforms returns the platforms that enforce a holding period.
func (c *Config) HoldPlatforms() []string {
	return splitList(strings.ToLower(c.HoldingPlatforms))
}

// AllowedOrigins returns the CORS allow list.
func (c *Config) AllowedOrigins() []string {
	return splitList(c.CORSOrigins)
}

// IPNCallbackURL is where NOWPayments posts payment notifications.
func (c *Config) IPNCallbackURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/v1/webhooks/payments/nowpayments"
}

// Helper functions

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
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
