package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/platinummonkey/rentbill/pkg/pricing"
)

// DefaultInvoiceListLimit caps List when no limit is given
const DefaultInvoiceListLimit = 50

// InvoicingService creates and settles invoices outside the monthly run
type InvoicingService struct {
	store    InvoiceStore
	accounts AccountRepository
	calc     *pricing.Calculator
	currency string
	now      func() time.Time
}

// NewInvoicingService creates an invoicing service
func NewInvoicingService(store InvoiceStore, accounts AccountRepository, calc *pricing.Calculator, currency string) *InvoicingService {
	if currency == "" {
		currency = "usd"
	}
	return &InvoicingService{store: store, accounts: accounts, calc: calc, currency: currency, now: time.Now}
}

// ProratedInvoice records a PENDING invoice for properties added mid-cycle.
// propertyCount is the account's new total and decides the tier.
func (s *InvoicingService) ProratedInvoice(ctx context.Context, accountID, propertyID string, propertyCount int, addDate time.Time) (*BillingRecord, *pricing.Proration, error) {
	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if acct.IsOnHold {
		return nil, nil, fmt.Errorf("%w: %s", ErrAccountOnHold, accountID)
	}

	p, err := s.calc.Prorate(propertyCount, addDate)
	if err != nil {
		return nil, nil, err
	}

	rec := &BillingRecord{
		AccountID: acct.ID,
		Cycle:     CycleOf(addDate),
		Kind:      RecordKindAddon,
		Amount:    p.ProratedAmount,
		Currency:  s.currency,
		Status:    RecordStatusPending,
		DueDate:   s.now().UTC(),
		Metadata: map[string]string{
			MetaSource:        "proration",
			MetaTierVersion:   s.calc.Table().Version,
			MetaPropertyCount: strconv.Itoa(propertyCount),
			"remaining_days":  strconv.Itoa(p.RemainingDays),
		},
		Charges: []PropertyCharge{{
			PropertyID: propertyID,
			ChargeType: ChargeTypeAddon,
			Amount:     p.ProratedAmount,
			Status:     RecordStatusPending,
		}},
	}

	if _, err := s.store.Append(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}

	return rec, &p, nil
}

// MarkPaid settles a PENDING or FAILED record
func (s *InvoicingService) MarkPaid(ctx context.Context, recordID int64, paidAt time.Time, transactionID string) (*BillingRecord, error) {
	if paidAt.IsZero() {
		paidAt = s.now()
	}

	if err := s.store.MarkRecordPaid(ctx, recordID, paidAt.UTC(), transactionID); err != nil {
		if errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrRecordImmutable) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to mark record %d paid: %w", recordID, err)
	}

	return s.store.GetRecord(ctx, recordID)
}

// List returns an account's billing records, newest first
func (s *InvoicingService) List(ctx context.Context, accountID string, limit int) ([]*BillingRecord, error) {
	if limit <= 0 || limit > DefaultInvoiceListLimit*4 {
		limit = DefaultInvoiceListLimit
	}
	if _, err := s.accounts.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListRecords(ctx, accountID, limit)
}
