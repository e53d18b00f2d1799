package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/pricing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCycle = Cycle("2024-01")

var testNow = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

func testDriverConfig() DriverConfig {
	cfg := DefaultDriverConfig()
	cfg.RetryInterval = time.Millisecond
	cfg.ChargeTimeout = time.Second
	return cfg
}

type driverFixture struct {
	driver  *Driver
	store   *memStore
	gateway *mockGateway
	metrics *observability.Metrics
	locker  *LocalLocker
}

func newDriverFixture(t *testing.T, cfg DriverConfig, accounts ...*Account) *driverFixture {
	t.Helper()

	store := newMemStore(accounts...)
	gateway := &mockGateway{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	locker := NewLocalLocker()

	driver, err := NewDriver(Deps{
		Accounts:   store,
		Ledger:     store,
		Gateway:    gateway,
		Locker:     locker,
		Calculator: pricing.DefaultCalculator(),
		Logger:     testLogger(),
		Metrics:    metrics,
		Now:        func() time.Time { return testNow },
	}, cfg)
	require.NoError(t, err)

	return &driverFixture{driver: driver, store: store, gateway: gateway, metrics: metrics, locker: locker}
}

func account(id string, properties int) *Account {
	return &Account{ID: id, PropertyCount: properties, StripeCustomerID: "cus_" + id}
}

func declineAll(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return &ChargeResult{Success: false, FailureReason: "card_declined"}, nil
}

func timeoutAll(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return nil, Indeterminate("timeout", context.DeadlineExceeded)
}

func TestNewDriver_RequiresDependencies(t *testing.T) {
	_, err := NewDriver(Deps{}, DefaultDriverConfig())
	assert.Error(t, err)
}

func TestRunCycle_ChargesEveryBillableAccount(t *testing.T) {
	held := account("acct-held", 3)
	held.IsOnHold = true
	f := newDriverFixture(t, testDriverConfig(), account("acct-1", 1), account("acct-5", 5), held)

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, testCycle, summary.Cycle)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Paid)
	assert.Equal(t, 0, summary.Errored)

	recs := f.store.recordsFor("acct-1")
	require.Len(t, recs, 1)
	assert.Equal(t, RecordStatusPaid, recs[0].Status)
	assert.Equal(t, "50", recs[0].Amount.String())
	assert.Equal(t, "pi_acct-1", recs[0].TransactionID)
	require.Len(t, recs[0].Charges, 1)
	assert.Equal(t, ChargeTypeSubscription, recs[0].Charges[0].ChargeType)
	assert.Equal(t, RecordStatusPaid, recs[0].Charges[0].Status)
	assert.Equal(t, "5-tier/2024-01", recs[0].Metadata[MetaTierVersion])

	recs = f.store.recordsFor("acct-5")
	require.Len(t, recs, 1)
	assert.Equal(t, "200", recs[0].Amount.String())

	assert.Empty(t, f.store.recordsFor("acct-held"))

	acct := f.store.account("acct-1")
	require.NotNil(t, acct.LastBillingDate)
	assert.True(t, acct.LastBillingDate.Equal(testNow))

	assert.ElementsMatch(t, []string{"rentbill:acct-1:2024-01", "rentbill:acct-5:2024-01"}, f.gateway.chargeKeys())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.ChargesTotal.WithLabelValues("paid")))
	assert.Equal(t, 250.0, testutil.ToFloat64(f.metrics.ChargedAmountTotal.WithLabelValues("usd")))
}

func TestRunCycle_SecondRunDoesNotDuplicatePaidRecords(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(), account("acct-1", 1), account("acct-2", 2))

	_, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 0, summary.Paid)
	for _, r := range summary.Results {
		assert.Equal(t, "already paid", r.Reason)
	}
	assert.Len(t, f.store.recordsFor("acct-1"), 1)
	assert.Len(t, f.store.recordsFor("acct-2"), 1)
	assert.Equal(t, 2, f.gateway.chargeCount())
}

func TestRunCycle_DeclinedChargePlacesAccountOnHold(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(), account("acct-1", 3))
	f.gateway.chargeFunc = declineAll

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	result := summary.Results[0]
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, "card_declined", result.Reason)
	assert.ErrorIs(t, result.Err, ErrPaymentDeclined)

	var ce *ChargeError
	require.ErrorAs(t, result.Err, &ce)
	assert.True(t, ce.Declined)

	assert.True(t, f.store.account("acct-1").IsOnHold)
	recs := f.store.recordsFor("acct-1")
	require.Len(t, recs, 1)
	assert.Equal(t, RecordStatusFailed, recs[0].Status)
	assert.Equal(t, "card_declined", recs[0].FailureReason)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.AccountsOnHoldTotal))

	// Held accounts are excluded from the next pass
	summary, err = f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, 1, f.gateway.chargeCount())
}

func TestRunCycle_ChargeErrorDeclineIsTerminal(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(), account("acct-1", 3))
	f.gateway.chargeFunc = func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		return nil, &ChargeError{Reason: "insufficient_funds", Declined: true}
	}

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, OutcomeFailed, summary.Results[0].Outcome)
	assert.Equal(t, "insufficient_funds", summary.Results[0].Reason)
	assert.Equal(t, 1, f.gateway.chargeCount())
	assert.Empty(t, f.gateway.reconciles)
	assert.True(t, f.store.account("acct-1").IsOnHold)
}

func TestRunCycle_RetryAfterClearedHoldUsesNewKey(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(), account("acct-1", 3))
	f.gateway.chargeFunc = declineAll

	_, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.accounts["acct-1"].IsOnHold = false
	f.store.mu.Unlock()
	f.gateway.chargeFunc = nil

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Paid)
	keys := f.gateway.chargeKeys()
	require.Len(t, keys, 2)
	assert.Equal(t, "rentbill:acct-1:2024-01:after-1", keys[1])
}

func TestRunCycle_NoTierFoundIsCapturedPerAccount(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(), account("acct-big", 151), account("acct-ok", 10))

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 1, summary.Paid)
	assert.Equal(t, 1, summary.Errored)

	var big *AccountResult
	for _, r := range summary.Results {
		if r.AccountID == "acct-big" {
			big = r
		}
	}
	require.NotNil(t, big)
	assert.ErrorIs(t, big.Err, pricing.ErrNoTierFound)
	assert.Contains(t, big.Err.Error(), "contact sales")
	assert.False(t, f.store.account("acct-big").IsOnHold)
	assert.Empty(t, f.store.recordsFor("acct-big"))
	assert.Equal(t, 1, f.gateway.chargeCount())
}

func TestRunCycle_IndeterminateChargeReconciledAsPaid(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(), account("acct-1", 2))
	f.gateway.chargeFunc = timeoutAll
	f.gateway.reconcileFunc = func(ctx context.Context, key string) (*ChargeResult, error) {
		return &ChargeResult{Success: true, TransactionID: "pi_remote"}, nil
	}

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Paid)
	assert.Equal(t, 1, f.gateway.chargeCount())
	assert.Equal(t, []string{"rentbill:acct-1:2024-01"}, f.gateway.reconciles)

	recs := f.store.recordsFor("acct-1")
	require.Len(t, recs, 1)
	assert.Equal(t, RecordStatusPaid, recs[0].Status)
	assert.Equal(t, "pi_remote", recs[0].TransactionID)
}

func TestRunCycle_UnresolvedChargeWritesPendingAndNextRunReconciles(t *testing.T) {
	cfg := testDriverConfig()
	cfg.ChargeAttempts = 3
	f := newDriverFixture(t, cfg, account("acct-1", 2))
	f.gateway.chargeFunc = timeoutAll

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Pending)
	assert.ErrorIs(t, summary.Results[0].Err, ErrPaymentIndeterminate)
	assert.Equal(t, 3, f.gateway.chargeCount())
	assert.False(t, f.store.account("acct-1").IsOnHold)

	recs := f.store.recordsFor("acct-1")
	require.Len(t, recs, 1)
	assert.Equal(t, RecordStatusPending, recs[0].Status)
	assert.Equal(t, "true", recs[0].Metadata[MetaNeedsReconciliation])
	assert.Equal(t, "rentbill:acct-1:2024-01", recs[0].Metadata[MetaBillingKey])

	// The provider eventually reports the charge went through
	f.gateway.reconcileFunc = func(ctx context.Context, key string) (*ChargeResult, error) {
		return &ChargeResult{Success: true, TransactionID: "pi_late"}, nil
	}

	summary, err = f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Paid)
	assert.Equal(t, 3, f.gateway.chargeCount())

	recs = f.store.recordsFor("acct-1")
	require.Len(t, recs, 2)
	assert.Equal(t, RecordStatusPaid, recs[1].Status)
	assert.Equal(t, "pi_late", recs[1].TransactionID)
	assert.Equal(t, "1", recs[1].Metadata["reconciled_from"])
	assert.Equal(t, "80", recs[1].Amount.String())
}

func TestRunCycle_PendingUnknownToProviderRetriesWithSameKey(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(), account("acct-1", 2))
	_, err := f.store.Append(context.Background(), &BillingRecord{
		AccountID: "acct-1",
		Cycle:     testCycle,
		Status:    RecordStatusPending,
		Metadata: map[string]string{
			MetaNeedsReconciliation: "true",
			MetaBillingKey:          "rentbill:acct-1:2024-01",
		},
	})
	require.NoError(t, err)

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Paid)
	assert.Equal(t, []string{"rentbill:acct-1:2024-01"}, f.gateway.chargeKeys())
}

func TestRunCycle_PendingReconcileErrorStaysPending(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(), account("acct-1", 2))
	_, err := f.store.Append(context.Background(), &BillingRecord{
		AccountID: "acct-1",
		Cycle:     testCycle,
		Status:    RecordStatusPending,
		Metadata:  map[string]string{MetaNeedsReconciliation: "true", MetaBillingKey: "k"},
	})
	require.NoError(t, err)
	f.gateway.reconcileFunc = func(ctx context.Context, key string) (*ChargeResult, error) {
		return nil, Indeterminate("search unavailable", nil)
	}

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 0, f.gateway.chargeCount())
	assert.Len(t, f.store.recordsFor("acct-1"), 1)
}

func TestRunCycle_LedgerWriteIsRetried(t *testing.T) {
	cfg := testDriverConfig()
	cfg.LedgerWriteAttempts = 3
	f := newDriverFixture(t, cfg, account("acct-1", 1))
	f.store.failAppends = 2

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Paid)
	assert.Equal(t, 3, f.store.appendCalls)
	assert.Len(t, f.store.recordsFor("acct-1"), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.LedgerWriteRetriesTotal))
}

func TestRunCycle_LedgerWriteFailureIsReported(t *testing.T) {
	cfg := testDriverConfig()
	cfg.LedgerWriteAttempts = 2
	f := newDriverFixture(t, cfg, account("acct-1", 1))
	f.store.failAppends = 10

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Errored)
	result := summary.Results[0]
	assert.ErrorIs(t, result.Err, ErrLedgerWrite)
	assert.Equal(t, "pi_acct-1", result.TransactionID)
	assert.Equal(t, "ledger write", result.Reason)
	assert.Equal(t, 2, f.store.appendCalls)
}

func TestRunCycle_StalledLedgerWriteTimesOutAndRetries(t *testing.T) {
	cfg := testDriverConfig()
	cfg.LedgerWriteAttempts = 2
	cfg.LedgerWriteTimeout = 20 * time.Millisecond
	f := newDriverFixture(t, cfg, account("acct-1", 1))
	f.store.stallAppends = 1

	done := make(chan *CycleSummary, 1)
	go func() {
		summary, err := f.driver.RunCycle(context.Background(), testCycle)
		assert.NoError(t, err)
		done <- summary
	}()

	select {
	case summary := <-done:
		require.NotNil(t, summary)
		assert.Equal(t, 1, summary.Paid)
		assert.Equal(t, 2, f.store.appendCalls)
		assert.Len(t, f.store.recordsFor("acct-1"), 1)
	case <-time.After(5 * time.Second):
		t.Fatal("ledger append was not bounded by a timeout")
	}
}

func TestRunCycle_LockedAccountIsSkipped(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(), account("acct-1", 1))

	release, err := f.locker.Acquire(context.Background(), lockKey("acct-1", testCycle), time.Minute)
	require.NoError(t, err)
	defer release()

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, "billing already in progress", summary.Results[0].Reason)
	assert.Equal(t, 0, f.gateway.chargeCount())
}

func TestRunCycle_ListFailureAbortsRun(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig())
	f.store.listErr = errors.New("db down")

	_, err := f.driver.RunCycle(context.Background(), testCycle)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestRunCycle_RespectsConcurrencyLimit(t *testing.T) {
	cfg := testDriverConfig()
	cfg.Concurrency = 3

	var accounts []*Account
	for i := 0; i < 20; i++ {
		accounts = append(accounts, account(fmt.Sprintf("acct-%02d", i), 1))
	}
	f := newDriverFixture(t, cfg, accounts...)

	var inFlight, maxInFlight int32
	var mu sync.Mutex
	f.gateway.chargeFunc = func(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
		n := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if n > maxInFlight {
			maxInFlight = n
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &ChargeResult{Success: true, TransactionID: "pi_" + req.AccountID}, nil
	}

	summary, err := f.driver.RunCycle(context.Background(), testCycle)
	require.NoError(t, err)

	assert.Equal(t, 20, summary.Paid)
	assert.LessOrEqual(t, maxInFlight, int32(3))
}

func TestRunAccount(t *testing.T) {
	held := account("acct-held", 1)
	held.IsOnHold = true
	f := newDriverFixture(t, testDriverConfig(), account("acct-1", 6), held)

	t.Run("charges one account", func(t *testing.T) {
		result, err := f.driver.RunAccount(context.Background(), "acct-1", testCycle)
		require.NoError(t, err)
		assert.Equal(t, OutcomePaid, result.Outcome)
		assert.Equal(t, "210", result.Amount.String())
	})

	t.Run("skips held account", func(t *testing.T) {
		result, err := f.driver.RunAccount(context.Background(), "acct-held", testCycle)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSkipped, result.Outcome)
		assert.Equal(t, "account on hold", result.Reason)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := f.driver.RunAccount(context.Background(), "missing", testCycle)
		assert.ErrorIs(t, err, ErrAccountNotFound)
	})
}

func TestQuote(t *testing.T) {
	cfg := testDriverConfig()
	cfg.QuoteCacheTTL = time.Minute
	f := newDriverFixture(t, cfg, account("acct-1", 21), account("acct-big", 500))

	q, err := f.driver.Quote(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 21, q.Tier.Min)
	assert.Equal(t, "30", q.PricePerProperty.String())
	assert.Equal(t, "630", q.TotalPrice.String())
	assert.Equal(t, pricing.IntervalMonthly, q.Interval)
	assert.False(t, q.IsOnHold)

	_, err = f.driver.Quote(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.getCalls, "second quote should be served from cache")

	_, err = f.driver.Quote(context.Background(), "acct-big")
	assert.ErrorIs(t, err, pricing.ErrNoTierFound)

	_, err = f.driver.Quote(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestQuote_InvalidateAfterHoldCleared(t *testing.T) {
	cfg := testDriverConfig()
	cfg.QuoteCacheTTL = time.Minute
	held := account("acct-1", 3)
	held.IsOnHold = true
	f := newDriverFixture(t, cfg, held)
	ctx := context.Background()

	q, err := f.driver.Quote(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, q.IsOnHold)

	f.store.mu.Lock()
	f.store.accounts["acct-1"].IsOnHold = false
	f.store.mu.Unlock()

	q, err = f.driver.Quote(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, q.IsOnHold, "cached quote is served until invalidated")

	f.driver.InvalidateQuote("acct-1")

	q, err = f.driver.Quote(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, q.IsOnHold)
	assert.Equal(t, 2, f.store.getCalls)

	noCache := testDriverConfig()
	noCache.QuoteCacheTTL = 0
	uncached := newDriverFixture(t, noCache, account("acct-2", 1))
	assert.NotPanics(t, func() { uncached.driver.InvalidateQuote("acct-2") })
}

func TestCycle(t *testing.T) {
	c := CycleOf(time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, Cycle("2024-02"), c)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), c.Start())
	assert.Equal(t, time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), c.End())

	_, err := ParseCycle("2024-13")
	assert.Error(t, err)
	parsed, err := ParseCycle("2024-01")
	require.NoError(t, err)
	assert.Equal(t, testCycle, parsed)
}

func TestRunCycle_PaidAddonInvoiceDoesNotSatisfyCycle(t *testing.T) {
	f := newDriverFixture(t, testDriverConfig(), account("acct-1", 3))
	invoices := NewInvoicingService(f.store, f.store, pricing.DefaultCalculator(), "usd")
	ctx := context.Background()

	addon, _, err := invoices.ProratedInvoice(ctx, "acct-1", "prop-3", 3, time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	_, err = invoices.MarkPaid(ctx, addon.ID, testNow, "manual-1")
	require.NoError(t, err)

	summary, err := f.driver.RunCycle(ctx, testCycle)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Paid)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 1, f.gateway.chargeCount())
	require.Len(t, summary.Results, 1)
	assert.Equal(t, "120", summary.Results[0].Amount.String())

	// An add-on raised after the cycle was paid can still be settled
	late, _, err := invoices.ProratedInvoice(ctx, "acct-1", "prop-4", 4, time.Date(2024, 1, 20, 23, 59, 59, 0, time.UTC))
	require.NoError(t, err)
	paid, err := invoices.MarkPaid(ctx, late.ID, testNow, "manual-2")
	require.NoError(t, err)
	assert.Equal(t, RecordStatusPaid, paid.Status)

	again, err := f.driver.RunCycle(ctx, testCycle)
	require.NoError(t, err)
	require.Len(t, again.Results, 1)
	assert.Equal(t, OutcomeSkipped, again.Results[0].Outcome)
	assert.Equal(t, "already paid", again.Results[0].Reason)
	assert.Equal(t, "120", again.Results[0].Amount.String())
	assert.Equal(t, 1, f.gateway.chargeCount())
}
