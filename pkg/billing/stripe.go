package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
)

// StripeGateway charges saved customer payment methods with off-session
// PaymentIntents. The billing key is used both as the Stripe idempotency key and
// as searchable metadata so an unknown outcome can be looked up later.
type StripeGateway struct {
	client paymentintent.Client
}

// StripeConfig configures the Stripe gateway
type StripeConfig struct {
	SecretKey string
	// BaseURL overrides the API endpoint, for tests and proxies
	BaseURL           string
	MaxNetworkRetries int64
}

// NewStripeGateway creates a gateway with its own backend so it never touches the
// package-level stripe.Key
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}

	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	return &StripeGateway{
		client: paymentintent.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
	}, nil
}

// Charge confirms a PaymentIntent against the customer's default payment method
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if req.CustomerID == "" {
		return nil, &ChargeError{Reason: "no_payment_method_on_file", Declined: true}
	}

	cents := req.Amount.Shift(2).Round(0).IntPart()
	if cents <= 0 {
		return nil, &ChargeError{Reason: "invalid_amount", Declined: true}
	}

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(cents),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Customer:    stripe.String(req.CustomerID),
		Description: stripe.String(req.Description),
		Confirm:     stripe.Bool(true),
		OffSession:  stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(MetaBillingKey, req.IdempotencyKey)
	params.AddMetadata("account_id", req.AccountID)

	pi, err := g.client.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}

	return resultFromIntent(pi), nil
}

// Reconcile finds the PaymentIntent created for idempotencyKey. Stripe search is
// eventually consistent, so a very recent charge may not be visible yet.
func (g *StripeGateway) Reconcile(ctx context.Context, idempotencyKey string) (*ChargeResult, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", MetaBillingKey, strings.ReplaceAll(idempotencyKey, "'", `\'`))

	var found *stripe.PaymentIntent
	iter := g.client.Search(params)
	for iter.Next() {
		pi := iter.PaymentIntent()
		// Prefer a succeeded intent if more than one exists for the key
		if found == nil || pi.Status == stripe.PaymentIntentStatusSucceeded {
			found = pi
		}
	}
	if err := iter.Err(); err != nil {
		return nil, Indeterminate("reconciliation lookup failed", err)
	}
	if found == nil {
		return nil, nil
	}

	switch found.Status {
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresConfirmation:
		return nil, Indeterminate("payment still processing", nil)
	}
	return resultFromIntent(found), nil
}

func resultFromIntent(pi *stripe.PaymentIntent) *ChargeResult {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return &ChargeResult{Success: true, TransactionID: pi.ID}
	case stripe.PaymentIntentStatusRequiresAction:
		return &ChargeResult{TransactionID: pi.ID, FailureReason: "authentication_required"}
	default:
		return &ChargeResult{TransactionID: pi.ID, FailureReason: string(pi.Status)}
	}
}

// classifyStripeError maps Stripe failures onto declined vs unknown outcome. Card
// and request errors are terminal; server errors, rate limits and transport
// failures may have charged the card.
func classifyStripeError(err error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return Indeterminate("network error", err)
	}

	if serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= http.StatusInternalServerError {
		return Indeterminate(string(serr.Type), err)
	}

	switch serr.Type {
	case stripe.ErrorTypeCard:
		reason := string(serr.DeclineCode)
		if reason == "" {
			reason = string(serr.Code)
		}
		if reason == "" {
			reason = "card_declined"
		}
		return &ChargeError{Reason: reason, Declined: true, Err: err}
	case stripe.ErrorTypeInvalidRequest:
		reason := string(serr.Code)
		if reason == "" {
			reason = "invalid_request"
		}
		return &ChargeError{Reason: reason, Declined: true, Err: err}
	default:
		return Indeterminate(string(serr.Type), err)
	}
}

var _ PaymentGateway = (*StripeGateway)(nil)
