// Package billing runs monthly property billing and keeps the billing ledger.
//
// # Overview
//
// The Driver bills every account that is not on hold once per calendar-month
// cycle. Each account is priced by the pricing package, charged through a
// PaymentGateway, and recorded as an append-only BillingRecord.
//
// # Billing Cycle
//
// For each account the driver:
//   - skips accounts on hold
//   - takes a per-account lock for the cycle
//   - skips the account when the ledger already holds a PAID record for the cycle
//   - settles an earlier charge with unknown outcome by reconciling it first
//   - charges the tier price, retrying with backoff while the outcome is unknown
//   - writes PAID, FAILED or PENDING (needs_reconciliation) to the ledger
//
// A declined charge places the account on hold, which keeps it out of later
// runs until the hold is cleared. Failures are reported per account in the
// CycleSummary; one bad account never stops the run.
//
// # Usage Example
//
//	store := billing.NewPostgresStore(db)
//	driver, err := billing.NewDriver(billing.Deps{
//		Accounts:   store,
//		Ledger:     store,
//		Gateway:    gateway,
//		Locker:     locker,
//		Calculator: pricing.DefaultCalculator(),
//	}, billing.DefaultDriverConfig())
//
//	summary, err := driver.RunCycle(ctx, billing.CycleOf(time.Now()))
//
// # Idempotency
//
// The first charge for an account and cycle uses the key
// "rentbill:<account>:<cycle>". The same key is sent to Stripe as the
// idempotency key and stored in PaymentIntent metadata, so retries never charge
// twice and reconciliation can find the intent. A charge after an earlier
// FAILED record appends ":after-<record id>" to the key.
//
// # Storage
//
// PostgresStore implements every store interface. A partial unique index allows
// only one PAID record per account and cycle.
package billing
