package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/rentbill/pkg/pricing"
	"github.com/shopspring/decimal"
)

// Cycle identifies a calendar-month billing cycle, formatted YYYY-MM
type Cycle string

// CycleOf returns the billing cycle containing t (in UTC)
func CycleOf(t time.Time) Cycle {
	return Cycle(t.UTC().Format("2006-01"))
}

// ParseCycle validates a YYYY-MM cycle key
func ParseCycle(s string) (Cycle, error) {
	if _, err := time.Parse("2006-01", s); err != nil {
		return "", fmt.Errorf("invalid billing cycle %q: expected YYYY-MM", s)
	}
	return Cycle(s), nil
}

// Start returns midnight UTC on the first day of the cycle
func (c Cycle) Start() time.Time {
	t, _ := time.Parse("2006-01", string(c))
	return t
}

// End returns the last instant (23:59:59 UTC) of the cycle
func (c Cycle) End() time.Time {
	return pricing.CycleEnd(c.Start())
}

func (c Cycle) String() string {
	return string(c)
}

// Account is a host account as seen by billing
type Account struct {
	ID               string     `json:"id"`
	PropertyCount    int        `json:"property_count"`
	IsOnHold         bool       `json:"is_on_hold"`
	StripeCustomerID string     `json:"stripe_customer_id,omitempty"`
	LastBillingDate  *time.Time `json:"last_billing_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusTrial     SubscriptionStatus = "TRIAL"
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
)

// IsLive reports whether the status counts toward the one-live-subscription limit
func (s SubscriptionStatus) IsLive() bool {
	return s == SubscriptionStatusTrial || s == SubscriptionStatusActive
}

// Subscription is a user's plan subscription
type Subscription struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	PlanID      string             `json:"plan_id"`
	Status      SubscriptionStatus `json:"status"`
	TrialEndsAt *time.Time         `json:"trial_ends_at,omitempty"`
	StartDate   time.Time          `json:"start_date"`
	EndDate     *time.Time         `json:"end_date,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// RecordStatus is the payment state of a billing record
type RecordStatus string

const (
	RecordStatusPending RecordStatus = "PENDING"
	RecordStatusPaid    RecordStatus = "PAID"
	RecordStatusFailed  RecordStatus = "FAILED"
)

// RecordKind separates the monthly subscription charge from ad-hoc invoices.
// Only CYCLE records take part in per-cycle idempotency.
type RecordKind string

const (
	RecordKindCycle RecordKind = "CYCLE"
	RecordKindAddon RecordKind = "ADDON"
)

// ChargeType classifies a line item
type ChargeType string

const (
	ChargeTypeSubscription ChargeType = "SUBSCRIPTION"
	ChargeTypeSetup        ChargeType = "SETUP"
	ChargeTypeOverage      ChargeType = "OVERAGE"
	ChargeTypeAddon        ChargeType = "ADDON"
)

// PropertyCharge is a line item on a billing record
type PropertyCharge struct {
	ID         int64           `json:"id,omitempty"`
	RecordID   int64           `json:"record_id,omitempty"`
	PropertyID string          `json:"property_id,omitempty"`
	ChargeType ChargeType      `json:"charge_type"`
	Amount     decimal.Decimal `json:"amount"`
	Status     RecordStatus    `json:"status"`
}

// BillingRecord is a ledger entry. Records are never deleted; once PAID only the
// metadata may change.
type BillingRecord struct {
	ID            int64             `json:"id"`
	AccountID     string            `json:"account_id"`
	Cycle         Cycle             `json:"cycle"`
	Kind          RecordKind        `json:"kind"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	Status        RecordStatus      `json:"status"`
	DueDate       time.Time         `json:"due_date"`
	PaidDate      *time.Time        `json:"paid_date,omitempty"`
	TransactionID string            `json:"transaction_id,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Charges       []PropertyCharge  `json:"charges,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Metadata keys written on billing records
const (
	MetaBillingKey          = "billing_key"
	MetaNeedsReconciliation = "needs_reconciliation"
	MetaTierVersion         = "tier_version"
	MetaPropertyCount       = "property_count"
	MetaSource              = "source"
)

// ChargeRequest asks the payment collaborator to capture an amount
type ChargeRequest struct {
	AccountID      string
	CustomerID     string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	IdempotencyKey string
}

// ChargeResult is the payment collaborator's answer
type ChargeResult struct {
	Success       bool
	TransactionID string
	FailureReason string
}

// AccountRepository is the account directory used by billing
type AccountRepository interface {
	// ListBillableAccounts returns accounts that are not on hold
	ListBillableAccounts(ctx context.Context) ([]*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	MarkOnHold(ctx context.Context, id string) error
	UpdateLastBillingDate(ctx context.Context, id string, at time.Time) error
}

// Ledger is the append-only store of billing records
type Ledger interface {
	Append(ctx context.Context, record *BillingRecord) (int64, error)
	// Find returns the PAID CYCLE record for the cycle if one exists, otherwise the
	// most recent CYCLE record, or nil when the account has none for the cycle.
	// ADDON records never count.
	Find(ctx context.Context, accountID string, cycle Cycle) (*BillingRecord, error)
}

// InvoiceStore extends the ledger with invoice reads and settlement
type InvoiceStore interface {
	Ledger
	GetRecord(ctx context.Context, id int64) (*BillingRecord, error)
	ListRecords(ctx context.Context, accountID string, limit int) ([]*BillingRecord, error)
	MarkRecordPaid(ctx context.Context, id int64, paidAt time.Time, transactionID string) error
}

// SubscriptionStore persists subscriptions
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetLiveSubscription(ctx context.Context, userID string) (*Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status SubscriptionStatus, endDate *time.Time) error
}

// PaymentGateway executes charges. Charge must be idempotent per IdempotencyKey.
// A transport failure or timeout is returned as an error wrapping
// ErrPaymentIndeterminate; a decline is a result with Success=false.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// Reconcile looks up the outcome of an earlier charge. It returns nil, nil when
	// the provider has no charge for the key.
	Reconcile(ctx context.Context, idempotencyKey string) (*ChargeResult, error)
}

// Locker serializes work on a key across processes
type Locker interface {
	// Acquire returns ErrLockHeld if another holder owns key
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Outcome is the result of processing one account in a cycle
type Outcome string

const (
	OutcomePaid    Outcome = "paid"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
	OutcomeSkipped Outcome = "skipped"
	OutcomeError   Outcome = "error"
)

// AccountResult reports what happened to one account
type AccountResult struct {
	AccountID     string          `json:"account_id"`
	Outcome       Outcome         `json:"outcome"`
	Amount        decimal.Decimal `json:"amount"`
	RecordID      int64           `json:"record_id,omitempty"`
	TransactionID string          `json:"transaction_id,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	Error         string          `json:"error,omitempty"`
	Err           error           `json:"-"`
}

// CycleSummary aggregates a billing run for the scheduler or admin caller
type CycleSummary struct {
	Cycle      Cycle            `json:"cycle"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Total      int              `json:"total"`
	Paid       int              `json:"paid"`
	Failed     int              `json:"failed"`
	Pending    int              `json:"pending"`
	Skipped    int              `json:"skipped"`
	Errored    int              `json:"errored"`
	Results    []*AccountResult `json:"results"`
}

func (s *CycleSummary) add(r *AccountResult) {
	s.Total++
	switch r.Outcome {
	case OutcomePaid:
		s.Paid++
	case OutcomeFailed:
		s.Failed++
	case OutcomePending:
		s.Pending++
	case OutcomeSkipped:
		s.Skipped++
	default:
		s.Errored++
	}
	s.Results = append(s.Results, r)
}

// AccountQuote is the read-only billing projection shown on the dashboard
type AccountQuote struct {
	AccountID        string              `json:"account_id"`
	PropertyCount    int                 `json:"property_count"`
	Tier             pricing.PricingTier `json:"tier"`
	PricePerProperty decimal.Decimal     `json:"price_per_property"`
	TotalPrice       decimal.Decimal     `json:"total_price"`
	Interval         string              `json:"interval"`
	IsOnHold         bool                `json:"is_on_hold"`
	LastBillingDate  *time.Time          `json:"last_billing_date,omitempty"`
	TierVersion      string              `json:"tier_version"`
}
