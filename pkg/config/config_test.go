package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("RENTBILL_DATABASE_URL", "postgres://localhost/rentbill")
	t.Setenv("RENTBILL_STRIPE_SECRET_KEY", "sk_test_123")
}

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", HealthPort: "9090"},
		Database: DatabaseConfig{URL: "postgres://localhost/rentbill"},
		Stripe:   StripeConfig{SecretKey: "sk_test_123"},
		Billing: BillingConfig{
			SchedulerEnabled:    true,
			Schedule:            "0 6 1 * *",
			Concurrency:         4,
			ChargeTimeout:       time.Second,
			ChargeAttempts:      3,
			LedgerWriteAttempts: 3,
			LedgerWriteTimeout:  time.Second,
			Currency:            "usd",
			TierTable:           TierTableFive,
		},
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("RENTBILL_TEST_VAR", "custom")
	assert.Equal(t, "custom", getEnv("RENTBILL_TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("RENTBILL_TEST_VAR_NOT_SET", "default"))
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"false", false},
		{"yes", false},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			t.Setenv("RENTBILL_TEST_BOOL", tt.value)
			assert.Equal(t, tt.want, getEnvBool("RENTBILL_TEST_BOOL", !tt.want))
		})
	}

	assert.True(t, getEnvBool("RENTBILL_TEST_BOOL_NOT_SET", true))
}

func TestGetEnvIntAndDuration(t *testing.T) {
	t.Setenv("RENTBILL_TEST_INT", "42")
	t.Setenv("RENTBILL_TEST_BAD_INT", "forty-two")
	t.Setenv("RENTBILL_TEST_DURATION", "45s")
	t.Setenv("RENTBILL_TEST_BAD_DURATION", "soon")

	assert.Equal(t, 42, getEnvInt("RENTBILL_TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("RENTBILL_TEST_BAD_INT", 1))
	assert.Equal(t, 45*time.Second, getEnvDuration("RENTBILL_TEST_DURATION", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("RENTBILL_TEST_BAD_DURATION", time.Second))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, observability.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, observability.InfoLevel, parseLogLevel("info"))
	assert.Equal(t, observability.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, observability.ErrorLevel, parseLogLevel("error"))
	assert.Equal(t, observability.InfoLevel, parseLogLevel("verbose"))
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 120, cfg.Server.PricingRateLimit)
	assert.Equal(t, 20, cfg.Server.PricingRateBurst)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, "0 6 1 * *", cfg.Billing.Schedule)
	assert.Equal(t, 8, cfg.Billing.Concurrency)
	assert.Equal(t, 3, cfg.Billing.ChargeAttempts)
	assert.Equal(t, "usd", cfg.Billing.Currency)
	assert.Equal(t, TierTableFive, cfg.Billing.TierTable)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.Equal(t, "rentbill", cfg.Observability.OTelServiceName)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("RENTBILL_PORT", "8000")
	t.Setenv("RENTBILL_REDIS_URL", "redis://cache:6379/1")
	t.Setenv("RENTBILL_BILLING_SCHEDULE", "30 2 1 * *")
	t.Setenv("RENTBILL_BILLING_CONCURRENCY", "16")
	t.Setenv("RENTBILL_CHARGE_TIMEOUT", "10s")
	t.Setenv("RENTBILL_LEDGER_WRITE_TIMEOUT", "3s")
	t.Setenv("RENTBILL_CURRENCY", "EUR")
	t.Setenv("RENTBILL_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "redis://cache:6379/1", cfg.Redis.URL)
	assert.Equal(t, "30 2 1 * *", cfg.Billing.Schedule)
	assert.Equal(t, 16, cfg.Billing.Concurrency)
	assert.Equal(t, "eur", cfg.Billing.Currency)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)

	driverCfg := cfg.Billing.DriverConfig()
	assert.Equal(t, 16, driverCfg.Concurrency)
	assert.Equal(t, 10*time.Second, driverCfg.ChargeTimeout)
	assert.Equal(t, 3*time.Second, driverCfg.LedgerWriteTimeout)
	assert.Equal(t, "eur", driverCfg.Currency)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	t.Setenv("RENTBILL_DATABASE_URL", "")
	t.Setenv("RENTBILL_STRIPE_SECRET_KEY", "sk_test_123")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is required")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"same ports", func(c *Config) { c.Server.HealthPort = "8080" }, "must be different"},
		{"missing stripe key", func(c *Config) { c.Stripe.SecretKey = "" }, "stripe secret key"},
		{"bad schedule", func(c *Config) { c.Billing.Schedule = "every month" }, "invalid billing schedule"},
		{"bad schedule ignored when scheduler off", func(c *Config) {
			c.Billing.SchedulerEnabled = false
			c.Billing.Schedule = "every month"
		}, ""},
		{"negative rate limit", func(c *Config) { c.Server.PricingRateLimit = -1 }, "rate limit"},
		{"zero concurrency", func(c *Config) { c.Billing.Concurrency = 0 }, "concurrency"},
		{"zero attempts", func(c *Config) { c.Billing.ChargeAttempts = 0 }, "attempts"},
		{"zero ledger timeout", func(c *Config) { c.Billing.LedgerWriteTimeout = 0 }, "ledger write timeout"},
		{"bad currency", func(c *Config) { c.Billing.Currency = "dollars" }, "currency"},
		{"otel without endpoint", func(c *Config) {
			c.Observability.OTelEnabled = true
			c.Observability.OTelServiceName = "rentbill"
		}, "endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadTierTable(t *testing.T) {
	five, err := BillingConfig{TierTable: TierTableFive}.LoadTierTable()
	require.NoError(t, err)
	assert.Equal(t, 150, five.MaxProperties())

	seven, err := BillingConfig{TierTable: TierTableSeven}.LoadTierTable()
	require.NoError(t, err)
	assert.Equal(t, 100, seven.MaxProperties())

	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`version: custom/1
tiers:
  - min: 1
    max: 10
    base_price: "45.00"
`), 0o600))

	custom, err := BillingConfig{TierTable: path}.LoadTierTable()
	require.NoError(t, err)
	assert.Equal(t, "custom/1", custom.Version)
	assert.Equal(t, 10, custom.MaxProperties())

	_, err = BillingConfig{TierTable: filepath.Join(t.TempDir(), "missing.yaml")}.LoadTierTable()
	assert.Error(t, err)
}
