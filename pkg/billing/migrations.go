package billing

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/rentbill/pkg/observability"
)

// Migration is a versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Migrations returns the billing schema migrations in order
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create accounts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS accounts (
					id TEXT PRIMARY KEY,
					property_count INT NOT NULL DEFAULT 0 CHECK (property_count >= 0),
					is_on_hold BOOLEAN NOT NULL DEFAULT FALSE,
					stripe_customer_id TEXT,
					last_billing_date TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_accounts_billable ON accounts(id) WHERE is_on_hold = FALSE;
			`,
		},
		{
			Version:     2,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					plan_id TEXT NOT NULL,
					status VARCHAR(16) NOT NULL CHECK (status IN ('TRIAL', 'ACTIVE', 'CANCELLED')),
					trial_ends_at TIMESTAMPTZ,
					start_date TIMESTAMPTZ NOT NULL,
					end_date TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_one_live
					ON subscriptions(user_id) WHERE status IN ('TRIAL', 'ACTIVE');
			`,
		},
		{
			Version:     3,
			Description: "Create billing records and property charges",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_records (
					id BIGSERIAL PRIMARY KEY,
					account_id TEXT NOT NULL REFERENCES accounts(id),
					billing_cycle CHAR(7) NOT NULL,
					amount NUMERIC(12, 2) NOT NULL,
					currency VARCHAR(3) NOT NULL DEFAULT 'usd',
					status VARCHAR(16) NOT NULL CHECK (status IN ('PENDING', 'PAID', 'FAILED')),
					due_date TIMESTAMPTZ NOT NULL,
					paid_date TIMESTAMPTZ,
					transaction_id TEXT,
					failure_reason TEXT,
					metadata JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_billing_records_account_cycle
					ON billing_records(account_id, billing_cycle);
				CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_records_one_paid
					ON billing_records(account_id, billing_cycle) WHERE status = 'PAID';

				CREATE TABLE IF NOT EXISTS property_charges (
					id BIGSERIAL PRIMARY KEY,
					record_id BIGINT NOT NULL REFERENCES billing_records(id),
					property_id TEXT,
					charge_type VARCHAR(16) NOT NULL CHECK (charge_type IN ('SUBSCRIPTION', 'SETUP', 'OVERAGE', 'ADDON')),
					amount NUMERIC(12, 2) NOT NULL,
					status VARCHAR(16) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_property_charges_record ON property_charges(record_id);
			`,
		},
		{
			Version:     4,
			Description: "Scope one-paid-per-cycle to subscription records",
			SQL: `
				ALTER TABLE billing_records
					ADD COLUMN IF NOT EXISTS kind VARCHAR(16) NOT NULL DEFAULT 'CYCLE'
					CHECK (kind IN ('CYCLE', 'ADDON'));

				UPDATE billing_records SET kind = 'ADDON' WHERE metadata->>'source' = 'proration';

				DROP INDEX IF EXISTS idx_billing_records_one_paid;
				CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_records_one_paid_cycle
					ON billing_records(account_id, billing_cycle) WHERE status = 'PAID' AND kind = 'CYCLE';
			`,
		},
	}
}

// Migrate applies pending migrations, each in its own transaction
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM billing_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}

		if logger != nil {
			logger.Infof("Running migration %d: %s", m.Version, m.Description)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO billing_migrations (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
