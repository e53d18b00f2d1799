package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/pricing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DriverConfig tunes a billing run
type DriverConfig struct {
	// Concurrency bounds how many accounts are processed at once
	Concurrency int
	// ChargeTimeout bounds a single call to the payment gateway
	ChargeTimeout time.Duration
	// ChargeAttempts is the number of charge attempts made while the outcome is unknown
	ChargeAttempts int
	// LedgerWriteAttempts is the number of attempts made to append a record
	LedgerWriteAttempts int
	// LedgerWriteTimeout bounds a single append to the ledger
	LedgerWriteTimeout time.Duration
	// RetryInterval is the initial backoff between attempts
	RetryInterval  time.Duration
	LockTTL        time.Duration
	Currency       string
	QuoteCacheTTL  time.Duration
	QuoteCacheSize int
}

// DefaultDriverConfig returns production defaults
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Concurrency:         8,
		ChargeTimeout:       30 * time.Second,
		ChargeAttempts:      3,
		LedgerWriteAttempts: 5,
		LedgerWriteTimeout:  10 * time.Second,
		RetryInterval:       500 * time.Millisecond,
		LockTTL:             5 * time.Minute,
		Currency:            "usd",
		QuoteCacheTTL:       30 * time.Second,
		QuoteCacheSize:      1024,
	}
}

// Deps are the collaborators a Driver needs. Locker, Logger, Metrics and Now are
// optional.
type Deps struct {
	Accounts   AccountRepository
	Ledger     Ledger
	Gateway    PaymentGateway
	Locker     Locker
	Calculator *pricing.Calculator
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Now        func() time.Time
}

// Driver runs monthly billing over all billable accounts
type Driver struct {
	accounts AccountRepository
	ledger   Ledger
	gateway  PaymentGateway
	locker   Locker
	calc     *pricing.Calculator
	cfg      DriverConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time
	quotes   *expirable.LRU[string, *AccountQuote]
}

// NewDriver creates a billing driver
func NewDriver(deps Deps, cfg DriverConfig) (*Driver, error) {
	if deps.Accounts == nil || deps.Ledger == nil || deps.Gateway == nil || deps.Calculator == nil {
		return nil, errors.New("billing driver requires accounts, ledger, gateway and calculator")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ChargeAttempts < 1 {
		cfg.ChargeAttempts = 1
	}
	if cfg.LedgerWriteAttempts < 1 {
		cfg.LedgerWriteAttempts = 1
	}
	if cfg.ChargeTimeout <= 0 {
		cfg.ChargeTimeout = 30 * time.Second
	}
	if cfg.LedgerWriteTimeout <= 0 {
		cfg.LedgerWriteTimeout = 10 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.QuoteCacheSize < 1 {
		cfg.QuoteCacheSize = 1024
	}

	d := &Driver{
		accounts: deps.Accounts,
		ledger:   deps.Ledger,
		gateway:  deps.Gateway,
		locker:   deps.Locker,
		calc:     deps.Calculator,
		cfg:      cfg,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer("github.com/platinummonkey/rentbill/pkg/billing"),
		now:      deps.Now,
	}
	if d.locker == nil {
		d.locker = NewLocalLocker()
	}
	if d.logger == nil {
		d.logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if d.now == nil {
		d.now = time.Now
	}
	if cfg.QuoteCacheTTL > 0 {
		d.quotes = expirable.NewLRU[string, *AccountQuote](cfg.QuoteCacheSize, nil, cfg.QuoteCacheTTL)
	}

	return d, nil
}

// RunCycle bills every billable account for cycle. Failures for individual
// accounts are recorded in the summary and never stop the run; an error is only
// returned when the account list itself cannot be loaded.
func (d *Driver) RunCycle(ctx context.Context, cycle Cycle) (*CycleSummary, error) {
	ctx, span := d.tracer.Start(ctx, "billing.RunCycle",
		trace.WithAttributes(attribute.String("billing.cycle", cycle.String())))
	defer span.End()

	started := d.now()
	log := d.logger.WithField("cycle", cycle.String())

	accounts, err := d.accounts.ListBillableAccounts(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list accounts")
		return nil, fmt.Errorf("failed to list billable accounts: %w", err)
	}
	log.Infof("Starting billing cycle for %d accounts", len(accounts))

	results := make([]*AccountResult, len(accounts))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, acct := range accounts {
		g.Go(func() error {
			results[i] = d.processAccount(ctx, acct, cycle)
			return nil
		})
	}
	_ = g.Wait()

	summary := &CycleSummary{Cycle: cycle, StartedAt: started, Results: make([]*AccountResult, 0, len(results))}
	for _, r := range results {
		summary.add(r)
	}
	summary.FinishedAt = d.now()

	if d.metrics != nil {
		d.metrics.CycleDuration.Observe(summary.FinishedAt.Sub(started).Seconds())
		d.metrics.LastCycleTimestamp.Set(float64(summary.FinishedAt.Unix()))
	}
	span.SetAttributes(
		attribute.Int("billing.accounts", summary.Total),
		attribute.Int("billing.paid", summary.Paid),
		attribute.Int("billing.failed", summary.Failed),
		attribute.Int("billing.errored", summary.Errored),
	)

	log.WithFields(map[string]interface{}{
		"total":   summary.Total,
		"paid":    summary.Paid,
		"failed":  summary.Failed,
		"pending": summary.Pending,
		"skipped": summary.Skipped,
		"errored": summary.Errored,
	}).Info("Billing cycle finished")

	return summary, nil
}

// RunAccount bills a single account for cycle, for manual admin triggers
func (d *Driver) RunAccount(ctx context.Context, accountID string, cycle Cycle) (*AccountResult, error) {
	acct, err := d.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return d.processAccount(ctx, acct, cycle), nil
}

// Quote returns the current monthly price for an account without charging it
func (d *Driver) Quote(ctx context.Context, accountID string) (*AccountQuote, error) {
	if d.quotes != nil {
		if q, ok := d.quotes.Get(accountID); ok {
			return q, nil
		}
	}

	acct, err := d.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	q, err := d.calc.PriceFor(acct.PropertyCount)
	if err != nil {
		return nil, err
	}

	quote := &AccountQuote{
		AccountID:        acct.ID,
		PropertyCount:    acct.PropertyCount,
		Tier:             q.Tier,
		PricePerProperty: q.PricePerProperty,
		TotalPrice:       q.TotalPrice,
		Interval:         q.Interval,
		IsOnHold:         acct.IsOnHold,
		LastBillingDate:  acct.LastBillingDate,
		TierVersion:      d.calc.Table().Version,
	}
	if d.quotes != nil {
		d.quotes.Add(accountID, quote)
	}

	return quote, nil
}

// InvalidateQuote drops the cached quote for an account
func (d *Driver) InvalidateQuote(accountID string) {
	if d.quotes != nil {
		d.quotes.Remove(accountID)
	}
}

// BillingKey is the idempotency key for the first charge of an account in a cycle
func BillingKey(accountID string, cycle Cycle) string {
	return fmt.Sprintf("rentbill:%s:%s", accountID, cycle)
}

func lockKey(accountID string, cycle Cycle) string {
	return fmt.Sprintf("rentbill:lock:billing:%s:%s", accountID, cycle)
}

func (d *Driver) processAccount(ctx context.Context, acct *Account, cycle Cycle) (res *AccountResult) {
	ctx, span := d.tracer.Start(ctx, "billing.processAccount", trace.WithAttributes(
		attribute.String("billing.account_id", acct.ID),
		attribute.String("billing.cycle", cycle.String()),
	))
	log := d.logger.WithFields(map[string]interface{}{
		"account_id": acct.ID,
		"cycle":      cycle.String(),
	})
	res = &AccountResult{AccountID: acct.ID, Amount: decimal.Zero}

	defer func() {
		if d.metrics != nil {
			d.metrics.ChargesTotal.WithLabelValues(string(res.Outcome)).Inc()
		}
		span.SetAttributes(attribute.String("billing.outcome", string(res.Outcome)))
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		if res.Err != nil && res.Outcome == OutcomeError {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Reason)
		}
		span.End()
	}()

	if acct.IsOnHold {
		res.Outcome = OutcomeSkipped
		res.Reason = "account on hold"
		return res
	}

	release, err := d.locker.Acquire(ctx, lockKey(acct.ID, cycle), d.cfg.LockTTL)
	if errors.Is(err, ErrLockHeld) {
		res.Outcome = OutcomeSkipped
		res.Reason = "billing already in progress"
		return res
	}
	if err != nil {
		return failWith(res, "lock", fmt.Errorf("failed to acquire billing lock: %w", err))
	}
	defer release()

	existing, err := d.ledger.Find(ctx, acct.ID, cycle)
	if err != nil {
		return failWith(res, "ledger lookup", fmt.Errorf("failed to look up billing record: %w", err))
	}

	key := BillingKey(acct.ID, cycle)
	if existing != nil {
		res.RecordID = existing.ID
		switch existing.Status {
		case RecordStatusPaid:
			res.Outcome = OutcomeSkipped
			res.Reason = "already paid"
			res.Amount = existing.Amount
			res.TransactionID = existing.TransactionID
			return res
		case RecordStatusPending:
			if existing.Metadata[MetaNeedsReconciliation] == "true" {
				return d.resolvePending(ctx, log, acct, cycle, existing, res)
			}
			key = fmt.Sprintf("%s:after-%d", key, existing.ID)
		case RecordStatusFailed:
			key = fmt.Sprintf("%s:after-%d", key, existing.ID)
		}
	}

	quote, err := d.calc.PriceFor(acct.PropertyCount)
	if err != nil {
		log.WithError(err).Warn("Cannot price account")
		return failWith(res, "pricing", err)
	}

	return d.chargeAndRecord(ctx, log, acct, cycle, quote, key, res)
}

// resolvePending settles a charge whose outcome was unknown in an earlier run. If
// the provider never saw the charge it is retried under the same idempotency key.
func (d *Driver) resolvePending(ctx context.Context, log *observability.Logger, acct *Account, cycle Cycle, pending *BillingRecord, res *AccountResult) *AccountResult {
	key := pending.Metadata[MetaBillingKey]
	if key == "" {
		key = BillingKey(acct.ID, cycle)
	}
	log = log.WithField("billing_key", key)

	result, err := d.reconcile(ctx, key)
	if err != nil {
		log.WithError(err).Warn("Reconciliation of pending charge failed")
		res.Outcome = OutcomePending
		res.Reason = "awaiting reconciliation"
		res.Amount = pending.Amount
		res.Err = err
		return res
	}

	if result == nil {
		log.Info("Pending charge unknown to payment provider, retrying")
		quote, err := d.calc.PriceFor(acct.PropertyCount)
		if err != nil {
			return failWith(res, "pricing", err)
		}
		return d.chargeAndRecord(ctx, log, acct, cycle, quote, key, res)
	}

	log.Infof("Pending charge reconciled (success=%t)", result.Success)
	quote := pricing.Quote{
		PropertyCount: propertyCountOf(pending, acct),
		TotalPrice:    pending.Amount,
	}
	return d.record(ctx, log, acct, cycle, quote, key, result, pending, res)
}

func (d *Driver) chargeAndRecord(ctx context.Context, log *observability.Logger, acct *Account, cycle Cycle, quote pricing.Quote, key string, res *AccountResult) *AccountResult {
	res.Amount = quote.TotalPrice
	log = log.WithField("billing_key", key)

	req := ChargeRequest{
		AccountID:  acct.ID,
		CustomerID: acct.StripeCustomerID,
		Amount:     quote.TotalPrice,
		Currency:   d.cfg.Currency,
		Description: fmt.Sprintf("Subscription %s: %d properties at %s",
			cycle, quote.PropertyCount, quote.PricePerProperty.StringFixed(2)),
		IdempotencyKey: key,
	}

	result, err := d.charge(ctx, log, req)
	if err != nil {
		log.WithError(err).Warn("Charge outcome unknown after retries")
		rec := d.newRecord(acct, cycle, quote, key, RecordStatusPending)
		rec.Metadata[MetaNeedsReconciliation] = "true"
		rec.FailureReason = err.Error()

		id, werr := d.appendRecord(ctx, log, rec)
		res.Outcome = OutcomePending
		res.Reason = "awaiting reconciliation"
		res.Err = err
		if werr != nil {
			log.WithError(werr).Error("Could not record pending charge")
			return failWith(res, "ledger write", werr)
		}
		res.RecordID = id
		return res
	}

	return d.record(ctx, log, acct, cycle, quote, key, result, nil, res)
}

// record writes the ledger entry for a known charge outcome and applies its side
// effects on the account
func (d *Driver) record(ctx context.Context, log *observability.Logger, acct *Account, cycle Cycle, quote pricing.Quote, key string, result *ChargeResult, reconciledFrom *BillingRecord, res *AccountResult) *AccountResult {
	now := d.now()
	res.Amount = quote.TotalPrice
	res.TransactionID = result.TransactionID

	if result.Success {
		rec := d.newRecord(acct, cycle, quote, key, RecordStatusPaid)
		rec.PaidDate = &now
		rec.TransactionID = result.TransactionID
		rec.Charges[0].Status = RecordStatusPaid
		if reconciledFrom != nil {
			rec.Metadata["reconciled_from"] = strconv.FormatInt(reconciledFrom.ID, 10)
		}

		if d.metrics != nil {
			d.metrics.ChargedAmountTotal.WithLabelValues(d.cfg.Currency).Add(quote.TotalPrice.InexactFloat64())
		}

		id, err := d.appendRecord(ctx, log, rec)
		if err != nil {
			log.WithError(err).WithField("transaction_id", result.TransactionID).
				Error("Charge succeeded but could not be written to the ledger")
			return failWith(res, "ledger write", err)
		}
		res.RecordID = id
		res.Outcome = OutcomePaid

		if err := d.accounts.UpdateLastBillingDate(ctx, acct.ID, now); err != nil {
			log.WithError(err).Warn("Failed to update last billing date")
		}
		if d.quotes != nil {
			d.quotes.Remove(acct.ID)
		}
		log.WithField("transaction_id", result.TransactionID).Infof("Charged %s", quote.TotalPrice.StringFixed(2))
		return res
	}

	reason := result.FailureReason
	if reason == "" {
		reason = "declined"
	}
	rec := d.newRecord(acct, cycle, quote, key, RecordStatusFailed)
	rec.FailureReason = reason
	rec.TransactionID = result.TransactionID
	rec.Charges[0].Status = RecordStatusFailed
	if reconciledFrom != nil {
		rec.Metadata["reconciled_from"] = strconv.FormatInt(reconciledFrom.ID, 10)
	}

	res.Outcome = OutcomeFailed
	res.Reason = reason
	res.Err = &ChargeError{Reason: reason, Declined: true}

	id, werr := d.appendRecord(ctx, log, rec)
	if werr == nil {
		res.RecordID = id
	}

	if err := d.accounts.MarkOnHold(ctx, acct.ID); err != nil {
		log.WithError(err).Error("Failed to place account on hold after declined charge")
	} else {
		if d.metrics != nil {
			d.metrics.AccountsOnHoldTotal.Inc()
		}
		if d.quotes != nil {
			d.quotes.Remove(acct.ID)
		}
	}
	log.WithField("reason", reason).Warn("Charge declined, account placed on hold")

	if werr != nil {
		log.WithError(werr).Error("Could not record declined charge")
		return failWith(res, "ledger write", werr)
	}
	return res
}

func (d *Driver) newRecord(acct *Account, cycle Cycle, quote pricing.Quote, key string, status RecordStatus) *BillingRecord {
	return &BillingRecord{
		AccountID: acct.ID,
		Cycle:     cycle,
		Kind:      RecordKindCycle,
		Amount:    quote.TotalPrice,
		Currency:  d.cfg.Currency,
		Status:    status,
		DueDate:   cycle.Start(),
		Metadata: map[string]string{
			MetaBillingKey:    key,
			MetaTierVersion:   d.calc.Table().Version,
			MetaPropertyCount: strconv.Itoa(quote.PropertyCount),
			MetaSource:        "cycle",
		},
		Charges: []PropertyCharge{{
			ChargeType: ChargeTypeSubscription,
			Amount:     quote.TotalPrice,
			Status:     status,
		}},
	}
}

func (d *Driver) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryInterval
	b.MaxElapsedTime = 0
	return b
}

// charge calls the gateway, retrying while the outcome is unknown. Before each
// retry the provider is asked whether the previous attempt went through.
func (d *Driver) charge(ctx context.Context, log *observability.Logger, req ChargeRequest) (*ChargeResult, error) {
	var result *ChargeResult

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.ChargeTimeout)
		defer cancel()

		r, err := d.gateway.Charge(attemptCtx, req)
		if err == nil {
			d.countAttempt(r)
			result = r
			return nil
		}

		var ce *ChargeError
		if errors.As(err, &ce) && ce.Declined {
			result = &ChargeResult{Success: false, FailureReason: ce.Reason}
			d.countAttempt(result)
			return nil
		}
		if d.metrics != nil {
			d.metrics.PaymentAttemptsTotal.WithLabelValues("indeterminate").Inc()
		}
		log.WithError(err).Warn("Charge attempt outcome unknown")

		if r, rerr := d.reconcile(ctx, req.IdempotencyKey); rerr == nil && r != nil {
			result = r
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), uint64(d.cfg.ChargeAttempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, ErrPaymentIndeterminate) {
			return nil, err
		}
		return nil, Indeterminate("charge attempts exhausted", err)
	}

	return result, nil
}

func (d *Driver) countAttempt(r *ChargeResult) {
	if d.metrics == nil {
		return
	}
	label := "success"
	if !r.Success {
		label = "declined"
	}
	d.metrics.PaymentAttemptsTotal.WithLabelValues(label).Inc()
}

func (d *Driver) reconcile(ctx context.Context, key string) (*ChargeResult, error) {
	rctx, cancel := context.WithTimeout(ctx, d.cfg.ChargeTimeout)
	defer cancel()

	r, err := d.gateway.Reconcile(rctx, key)
	if d.metrics != nil {
		label := "found"
		switch {
		case err != nil:
			label = "error"
		case r == nil:
			label = "not_found"
		}
		d.metrics.ReconciliationsTotal.WithLabelValues(label).Inc()
	}
	return r, err
}

// appendRecord writes rec to the ledger, retrying with backoff
func (d *Driver) appendRecord(ctx context.Context, log *observability.Logger, rec *BillingRecord) (int64, error) {
	var id int64
	op := func() error {
		actx, cancel := context.WithTimeout(ctx, d.cfg.LedgerWriteTimeout)
		defer cancel()

		var err error
		id, err = d.ledger.Append(actx, rec)
		return err
	}
	notify := func(err error, wait time.Duration) {
		if d.metrics != nil {
			d.metrics.LedgerWriteRetriesTotal.Inc()
		}
		log.WithError(err).Warnf("Ledger append failed, retrying in %s", wait)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), uint64(d.cfg.LedgerWriteAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}
	rec.ID = id
	return id, nil
}

func failWith(res *AccountResult, reason string, err error) *AccountResult {
	res.Outcome = OutcomeError
	res.Reason = reason
	res.Err = err
	return res
}

func propertyCountOf(rec *BillingRecord, acct *Account) int {
	if n, err := strconv.Atoi(rec.Metadata[MetaPropertyCount]); err == nil {
		return n
	}
	return acct.PropertyCount
}
