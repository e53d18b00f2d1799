package api

import (
	"context"
	"time"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/pricing"
)

// Pricer quotes monthly and prorated prices
type Pricer interface {
	PriceFor(propertyCount int) (pricing.Quote, error)
	Prorate(propertyCount int, addDate time.Time) (pricing.Proration, error)
}

// BillingRunner triggers billing runs and account quotes
type BillingRunner interface {
	RunCycle(ctx context.Context, cycle billing.Cycle) (*billing.CycleSummary, error)
	RunAccount(ctx context.Context, accountID string, cycle billing.Cycle) (*billing.AccountResult, error)
	Quote(ctx context.Context, accountID string) (*billing.AccountQuote, error)
	InvalidateQuote(accountID string)
}

// SubscriptionManager manages user subscriptions
type SubscriptionManager interface {
	Create(ctx context.Context, userID, planID string, trialDays int) (*billing.Subscription, error)
	Get(ctx context.Context, userID string) (*billing.Subscription, error)
	Cancel(ctx context.Context, userID string) (*billing.Subscription, error)
}

// Invoicer creates and settles invoices
type Invoicer interface {
	ProratedInvoice(ctx context.Context, accountID, propertyID string, propertyCount int, addDate time.Time) (*billing.BillingRecord, *pricing.Proration, error)
	MarkPaid(ctx context.Context, recordID int64, paidAt time.Time, transactionID string) (*billing.BillingRecord, error)
	List(ctx context.Context, accountID string, limit int) ([]*billing.BillingRecord, error)
}

// HoldClearer lifts an account hold
type HoldClearer interface {
	ClearHold(ctx context.Context, accountID string) error
}

// ProratedChargeRequest is the body of POST /api/v1/pricing/prorated-charge
type ProratedChargeRequest struct {
	PropertyCount *int   `json:"propertyCount"`
	AddDate       string `json:"addDate"`
}

// RunCycleRequest is the optional body of POST /api/v1/admin/billing/run
type RunCycleRequest struct {
	Cycle string `json:"cycle"`
}

// CreateSubscriptionRequest is the body of POST /api/v1/users/{id}/subscription
type CreateSubscriptionRequest struct {
	PlanID    string `json:"planId"`
	TrialDays int    `json:"trialDays"`
}

// ProratedInvoiceRequest is the body of POST /api/v1/accounts/{id}/invoices/prorated
type ProratedInvoiceRequest struct {
	PropertyID    string `json:"propertyId"`
	PropertyCount *int   `json:"propertyCount"`
	AddDate       string `json:"addDate"`
}

// ProratedInvoiceResponse pairs the new invoice with its proration breakdown
type ProratedInvoiceResponse struct {
	Invoice   *billing.BillingRecord `json:"invoice"`
	Proration *pricing.Proration     `json:"proration"`
}

// MarkPaidRequest is the optional body of POST /api/v1/invoices/{id}/paid
type MarkPaidRequest struct {
	PaidAt        *time.Time `json:"paidAt"`
	TransactionID string     `json:"transactionId"`
}
