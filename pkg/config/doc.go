// Package config loads and validates configuration from environment variables.
//
// # Configuration Structure
//
// Server settings:
//
//	RENTBILL_HOST="0.0.0.0"
//	RENTBILL_PORT="8080"
//	RENTBILL_HEALTH_PORT="9090"
//	RENTBILL_SHUTDOWN_TIMEOUT="30s"
//
// Storage and payments:
//
//	RENTBILL_DATABASE_URL="postgres://localhost/rentbill?sslmode=disable"
//	RENTBILL_DATABASE_AUTO_MIGRATE="true"
//	RENTBILL_REDIS_URL="redis://localhost:6379/0"  # empty uses an in-process lock
//	RENTBILL_STRIPE_SECRET_KEY="sk_live_..."
//
// Billing run:
//
//	RENTBILL_SCHEDULER_ENABLED="true"
//	RENTBILL_BILLING_SCHEDULE="0 6 1 * *"  # standard cron, evaluated in UTC
//	RENTBILL_BILLING_CONCURRENCY="8"
//	RENTBILL_CHARGE_TIMEOUT="30s"
//	RENTBILL_CHARGE_ATTEMPTS="3"
//	RENTBILL_LEDGER_WRITE_ATTEMPTS="5"
//	RENTBILL_LEDGER_WRITE_TIMEOUT="10s"
//	RENTBILL_TIER_TABLE="five-tier"  # five-tier, seven-tier, or a YAML file path
//
// Observability settings:
//
//	RENTBILL_LOG_LEVEL="info"  # debug, info, warn, error
//	RENTBILL_METRICS_ENABLED="true"
//	RENTBILL_OTEL_ENABLED="true"
//	RENTBILL_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	table, err := cfg.Billing.LoadTierTable()
package config
