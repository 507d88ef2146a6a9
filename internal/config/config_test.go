package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validProduction() Config {
	return Config{
		Port:                 "8080",
		Env:                  "production",
		DatabaseURL:          "postgres://escrow@db/escrow",
		JWTSecret:            strings.Repeat("s", 32),
		OperatorIDs:          "ops-1",
		HoldingPeriod:        DefaultHoldingPeriod,
		FeeCurrency:          "USD",
		StripeSecretKey:      "sk_test_123",
		NowPaymentsAPIKey:    "np-key",
		NowPaymentsIPNSecret: "ipn-secret",
		PublicBaseURL:        "https://escrow.example.com",
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "ENV", "HOLDING_PERIOD", "FEE_CURRENCY", "RATE_LIMIT_RPM", "NOWPAYMENTS_API_KEY", "HOLDING_PLATFORMS"} {
		setEnv(t, k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, 168*time.Hour, cfg.HoldingPeriod)
	assert.Equal(t, []string{"youtube"}, cfg.HoldPlatforms())
	assert.Equal(t, "USD", cfg.FeeCurrency)
	assert.Equal(t, DefaultRateLimitRPM, cfg.RateLimitRPM)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ENV", "Staging")
	setEnv(t, "HOLDING_PERIOD", "72h")
	setEnv(t, "HOLDING_PLATFORMS", "YouTube, twitch")
	setEnv(t, "FEE_CURRENCY", "eur")
	setEnv(t, "OPERATOR_IDS", "ops-1, ops-2")
	setEnv(t, "NOWPAYMENTS_API_KEY", "np")
	setEnv(t, "PUBLIC_BASE_URL", "https://escrow.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, 72*time.Hour, cfg.HoldingPeriod)
	assert.Equal(t, []string{"youtube", "twitch"}, cfg.HoldPlatforms())
	assert.Equal(t, "EUR", cfg.FeeCurrency)
	assert.Equal(t, []string{"ops-1", "ops-2"}, cfg.Operators())
	assert.True(t, cfg.CryptoEnabled())
	assert.Equal(t, "https://escrow.example.com/v1/webhooks/payments/nowpayments", cfg.IPNCallbackURL())
}

func TestLoad_InvalidPort(t *testing.T) {
	setEnv(t, "PORT", "eighty")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "PORT")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid production", func(c *Config) {}, ""},
		{"staging without database", func(c *Config) { c.Env = "staging"; c.DatabaseURL = "" }, ""},
		{"unknown env", func(c *Config) { c.Env = "prod" }, "ENV must be"},
		{"missing database", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL is required"},
		{"short jwt secret", func(c *Config) { c.JWTSecret = "short" }, "JWT_SECRET"},
		{"no operators", func(c *Config) { c.OperatorIDs = " , " }, "OPERATOR_IDS"},
		{"crypto without ipn secret", func(c *Config) { c.NowPaymentsIPNSecret = "" }, "NOWPAYMENTS_IPN_SECRET"},
		{"crypto without public url", func(c *Config) { c.PublicBaseURL = "" }, "PUBLIC_BASE_URL is required"},
		{"relative public url", func(c *Config) { c.PublicBaseURL = "/escrow" }, "absolute URL"},
		{"no rails", func(c *Config) { c.StripeSecretKey = ""; c.NowPaymentsAPIKey = "" }, "at least one of"},
		{"negative hold", func(c *Config) { c.HoldingPeriod = -time.Hour }, "HOLDING_PERIOD"},
		{"zero hold disables gating", func(c *Config) { c.HoldingPeriod = 0 }, ""},
		{"bad currency", func(c *Config) { c.FeeCurrency = "EURO" }, "FEE_CURRENCY"},
		{"bad port", func(c *Config) { c.Port = "70000" }, "PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validProduction()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestConfig_Lists(t *testing.T) {
	cfg := &Config{CORSOrigins: "https://a.example.com, ,https://b.example.com"}
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins())
	assert.Empty(t, cfg.Operators())
	assert.Empty(t, cfg.IPNCallbackURL())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90m")
	setEnv(t, "TEST_DUR_BAD", "soon")

	assert.Equal(t, 90*time.Minute, getEnvDuration("TEST_DUR", 0))
	assert.Equal(t, time.Hour, getEnvDuration("TEST_DUR_BAD", time.Hour))
	assert.Equal(t, time.Hour, getEnvDuration("NONEXISTENT_VAR", time.Hour))
}
