package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/pricing"
	"github.com/robfig/cron/v3"
)

// Built-in tier table names accepted by RENTBILL_TIER_TABLE
const (
	TierTableFive  = "five-tier"
	TierTableSeven = "seven-tier"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Stripe        StripeConfig
	Billing       BillingConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s liveness and readiness checks)
	HealthPort string

	// Requests per minute per client IP on the public pricing routes; 0 disables
	PricingRateLimit int
	PricingRateBurst int
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	AutoMigrate     bool
}

// RedisConfig holds Redis settings. An empty URL selects the in-process locker.
type RedisConfig struct {
	URL string
}

// StripeConfig holds payment provider settings
type StripeConfig struct {
	SecretKey         string
	BaseURL           string
	MaxNetworkRetries int64
}

// BillingConfig holds billing run settings
type BillingConfig struct {
	SchedulerEnabled    bool
	Schedule            string
	Concurrency         int
	ChargeTimeout       time.Duration
	ChargeAttempts      int
	LedgerWriteAttempts int
	LedgerWriteTimeout  time.Duration
	RetryInterval       time.Duration
	LockTTL             time.Duration
	Currency            string
	QuoteCacheTTL       time.Duration

	// TierTable is a built-in table name or a path to a YAML tier file
	TierTable string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         RedisConfig{URL: getEnv("RENTBILL_REDIS_URL", "")},
		Stripe:        loadStripeConfig(),
		Billing:       loadBillingConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("RENTBILL_HOST", "0.0.0.0"),
		Port:            getEnv("RENTBILL_PORT", "8080"),
		ReadTimeout:     getEnvDuration("RENTBILL_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("RENTBILL_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("RENTBILL_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("RENTBILL_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("RENTBILL_HEALTH_PORT", "9090"),

		PricingRateLimit: getEnvInt("RENTBILL_PRICING_RATE_LIMIT", 120),
		PricingRateBurst: getEnvInt("RENTBILL_PRICING_RATE_BURST", 20),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("RENTBILL_DATABASE_URL", ""),
		MaxOpenConns:    getEnvInt("RENTBILL_DATABASE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("RENTBILL_DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("RENTBILL_DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnectTimeout:  getEnvDuration("RENTBILL_DATABASE_CONNECT_TIMEOUT", 10*time.Second),
		AutoMigrate:     getEnvBool("RENTBILL_DATABASE_AUTO_MIGRATE", true),
	}
}

func loadStripeConfig() StripeConfig {
	return StripeConfig{
		SecretKey:         getEnv("RENTBILL_STRIPE_SECRET_KEY", ""),
		BaseURL:           getEnv("RENTBILL_STRIPE_BASE_URL", ""),
		MaxNetworkRetries: int64(getEnvInt("RENTBILL_STRIPE_MAX_NETWORK_RETRIES", 0)),
	}
}

func loadBillingConfig() BillingConfig {
	defaults := billing.DefaultDriverConfig()
	return BillingConfig{
		SchedulerEnabled:    getEnvBool("RENTBILL_SCHEDULER_ENABLED", true),
		Schedule:            getEnv("RENTBILL_BILLING_SCHEDULE", "0 6 1 * *"),
		Concurrency:         getEnvInt("RENTBILL_BILLING_CONCURRENCY", defaults.Concurrency),
		ChargeTimeout:       getEnvDuration("RENTBILL_CHARGE_TIMEOUT", defaults.ChargeTimeout),
		ChargeAttempts:      getEnvInt("RENTBILL_CHARGE_ATTEMPTS", defaults.ChargeAttempts),
		LedgerWriteAttempts: getEnvInt("RENTBILL_LEDGER_WRITE_ATTEMPTS", defaults.LedgerWriteAttempts),
		LedgerWriteTimeout:  getEnvDuration("RENTBILL_LEDGER_WRITE_TIMEOUT", defaults.LedgerWriteTimeout),
		RetryInterval:       getEnvDuration("RENTBILL_RETRY_INTERVAL", defaults.RetryInterval),
		LockTTL:             getEnvDuration("RENTBILL_LOCK_TTL", defaults.LockTTL),
		Currency:            strings.ToLower(getEnv("RENTBILL_CURRENCY", defaults.Currency)),
		QuoteCacheTTL:       getEnvDuration("RENTBILL_QUOTE_CACHE_TTL", defaults.QuoteCacheTTL),
		TierTable:           getEnv("RENTBILL_TIER_TABLE", TierTableFive),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("RENTBILL_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("RENTBILL_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("RENTBILL_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("RENTBILL_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("RENTBILL_OTEL_SERVICE_NAME", "rentbill"),
		OTelServiceVersion: getEnv("RENTBILL_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("RENTBILL_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Server.PricingRateLimit < 0 || c.Server.PricingRateBurst < 0 {
		return fmt.Errorf("pricing rate limit and burst must not be negative")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Stripe.SecretKey == "" {
		return fmt.Errorf("stripe secret key is required")
	}

	if c.Billing.SchedulerEnabled {
		if _, err := cron.ParseStandard(c.Billing.Schedule); err != nil {
			return fmt.Errorf("invalid billing schedule %q: %w", c.Billing.Schedule, err)
		}
	}
	if c.Billing.Concurrency < 1 {
		return fmt.Errorf("billing concurrency must be at least 1")
	}
	if c.Billing.ChargeAttempts < 1 || c.Billing.LedgerWriteAttempts < 1 {
		return fmt.Errorf("charge and ledger write attempts must be at least 1")
	}
	if c.Billing.ChargeTimeout <= 0 {
		return fmt.Errorf("charge timeout must be positive")
	}
	if c.Billing.LedgerWriteTimeout <= 0 {
		return fmt.Errorf("ledger write timeout must be positive")
	}
	if len(c.Billing.Currency) != 3 {
		return fmt.Errorf("invalid currency code: %q", c.Billing.Currency)
	}
	if c.Billing.TierTable == "" {
		return fmt.Errorf("tier table is required")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// DriverConfig converts the billing settings for billing.NewDriver
func (b BillingConfig) DriverConfig() billing.DriverConfig {
	cfg := billing.DefaultDriverConfig()
	cfg.Concurrency = b.Concurrency
	cfg.ChargeTimeout = b.ChargeTimeout
	cfg.ChargeAttempts = b.ChargeAttempts
	cfg.LedgerWriteAttempts = b.LedgerWriteAttempts
	cfg.LedgerWriteTimeout = b.LedgerWriteTimeout
	cfg.RetryInterval = b.RetryInterval
	cfg.LockTTL = b.LockTTL
	cfg.Currency = b.Currency
	cfg.QuoteCacheTTL = b.QuoteCacheTTL
	return cfg
}

// LoadTierTable resolves the configured tier table
func (b BillingConfig) LoadTierTable() (pricing.TierTable, error) {
	switch b.TierTable {
	case "", TierTableFive:
		return pricing.FiveTier(), nil
	case TierTableSeven:
		return pricing.SevenTier(), nil
	default:
		return pricing.LoadTierTable(b.TierTable)
	}
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
