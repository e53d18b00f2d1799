package billing

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation
const uniqueViolation = "23505"

// PostgresStore implements the account, ledger, invoice and subscription stores
type PostgresStore struct {
	db *sql.DB
}

// PoolConfig configures the connection pool
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// OpenPostgres opens and pings a Postgres connection pool
func OpenPostgres(ctx context.Context, url string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	timeout := pool.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// NewPostgresStore creates a store over db
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const accountColumns = `id, property_count, is_on_hold, stripe_customer_id, last_billing_date, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	acct := &Account{}
	var customerID sql.NullString
	var lastBilled sql.NullTime
	if err := row.Scan(&acct.ID, &acct.PropertyCount, &acct.IsOnHold, &customerID, &lastBilled,
		&acct.CreatedAt, &acct.UpdatedAt); err != nil {
		return nil, err
	}
	acct.StripeCustomerID = customerID.String
	if lastBilled.Valid {
		t := lastBilled.Time
		acct.LastBillingDate = &t
	}
	return acct, nil
}

// ListBillableAccounts returns every account not on hold
func (s *PostgresStore) ListBillableAccounts(ctx context.Context) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE is_on_hold = FALSE ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	return accounts, nil
}

// GetAccount returns an account by id
func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acct, err := scanAccount(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// MarkOnHold blocks automated charging for an account
func (s *PostgresStore) MarkOnHold(ctx context.Context, id string) error {
	return s.setHold(ctx, id, true)
}

// ClearHold makes an account billable again
func (s *PostgresStore) ClearHold(ctx context.Context, id string) error {
	return s.setHold(ctx, id, false)
}

func (s *PostgresStore) setHold(ctx context.Context, id string, hold bool) error {
	query := `UPDATE accounts SET is_on_hold = $2, updated_at = NOW() WHERE id = $1`
	return s.execOne(ctx, query, fmt.Errorf("%w: %s", ErrAccountNotFound, id), id, hold)
}

// UpdateLastBillingDate records when an account was last charged
func (s *PostgresStore) UpdateLastBillingDate(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE accounts SET last_billing_date = $2, updated_at = NOW() WHERE id = $1`
	return s.execOne(ctx, query, fmt.Errorf("%w: %s", ErrAccountNotFound, id), id, at)
}

func (s *PostgresStore) execOne(ctx context.Context, query string, notFound error, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// Append inserts a billing record and its charges in one transaction
func (s *PostgresStore) Append(ctx context.Context, rec *BillingRecord) (int64, error) {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if rec.Kind == "" {
		rec.Kind = RecordKindCycle
	}

	query := `
		INSERT INTO billing_records (account_id, billing_cycle, amount, currency, status, due_date,
		                             paid_date, transaction_id, failure_reason, metadata, kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`
	var id int64
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, query,
		rec.AccountID, string(rec.Cycle), rec.Amount, rec.Currency, string(rec.Status), rec.DueDate,
		rec.PaidDate, nullString(rec.TransactionID), nullString(rec.FailureReason), metadata, string(rec.Kind),
	).Scan(&id, &createdAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert billing record: %w", err)
	}

	for _, c := range rec.Charges {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO property_charges (record_id, property_id, charge_type, amount, status)
			VALUES ($1, $2, $3, $4, $5)
		`, id, nullString(c.PropertyID), string(c.ChargeType), c.Amount, string(c.Status))
		if err != nil {
			return 0, fmt.Errorf("failed to insert property charge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit billing record: %w", err)
	}

	rec.ID = id
	rec.CreatedAt = createdAt
	return id, nil
}

const recordColumns = `id, account_id, billing_cycle, amount, currency, status, due_date, paid_date,
		       transaction_id, failure_reason, metadata, created_at, kind`

func scanRecord(row interface{ Scan(...any) error }) (*BillingRecord, error) {
	rec := &BillingRecord{}
	var cycle, status, kind string
	var paid sql.NullTime
	var txID, reason sql.NullString
	var metadata []byte
	if err := row.Scan(&rec.ID, &rec.AccountID, &cycle, &rec.Amount, &rec.Currency, &status,
		&rec.DueDate, &paid, &txID, &reason, &metadata, &rec.CreatedAt, &kind); err != nil {
		return nil, err
	}
	rec.Cycle = Cycle(cycle)
	rec.Status = RecordStatus(status)
	rec.Kind = RecordKind(kind)
	rec.TransactionID = txID.String
	rec.FailureReason = reason.String
	if paid.Valid {
		t := paid.Time
		rec.PaidDate = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return rec, nil
}

// Find returns the PAID subscription record for the cycle if there is one, else
// the latest subscription record, else nil. Add-on invoices are ignored.
func (s *PostgresStore) Find(ctx context.Context, accountID string, cycle Cycle) (*BillingRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM billing_records
		WHERE account_id = $1 AND billing_cycle = $2 AND kind = 'CYCLE'
		ORDER BY (status = 'PAID') DESC, id DESC
		LIMIT 1
	`
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, accountID, string(cycle)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find billing record: %w", err)
	}
	return rec, nil
}

// GetRecord returns a record with its charges
func (s *PostgresStore) GetRecord(ctx context.Context, id int64) (*BillingRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM billing_records WHERE id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing record: %w", err)
	}

	rec.Charges, err = s.charges(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) charges(ctx context.Context, recordID int64) ([]PropertyCharge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, property_id, charge_type, amount, status
		FROM property_charges WHERE record_id = $1 ORDER BY id
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list property charges: %w", err)
	}
	defer rows.Close()

	var charges []PropertyCharge
	for rows.Next() {
		var c PropertyCharge
		var propertyID sql.NullString
		var chargeType, status string
		if err := rows.Scan(&c.ID, &c.RecordID, &propertyID, &chargeType, &c.Amount, &status); err != nil {
			return nil, fmt.Errorf("failed to scan property charge: %w", err)
		}
		c.PropertyID = propertyID.String
		c.ChargeType = ChargeType(chargeType)
		c.Status = RecordStatus(status)
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

// ListRecords returns an account's records, newest first
func (s *PostgresStore) ListRecords(ctx context.Context, accountID string, limit int) ([]*BillingRecord, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM billing_records
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing records: %w", err)
	}
	defer rows.Close()

	records := []*BillingRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list billing records: %w", err)
	}
	return records, nil
}

// MarkRecordPaid settles a PENDING or FAILED record. PAID records are immutable.
func (s *PostgresStore) MarkRecordPaid(ctx context.Context, id int64, paidAt time.Time, transactionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM billing_records WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrRecordNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to lock billing record: %w", err)
	}
	if RecordStatus(status) == RecordStatusPaid {
		return fmt.Errorf("%w: %d", ErrRecordImmutable, id)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE billing_records
		SET status = 'PAID', paid_date = $2, transaction_id = COALESCE($3, transaction_id),
		    metadata = metadata - 'needs_reconciliation'
		WHERE id = $1
	`, id, paidAt, nullString(transactionID))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: cycle already has a paid record", ErrRecordImmutable)
		}
		return fmt.Errorf("failed to mark billing record paid: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE property_charges SET status = 'PAID' WHERE record_id = $1`, id); err != nil {
		return fmt.Errorf("failed to mark property charges paid: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// CreateSubscription inserts sub. The partial unique index rejects a second live
// subscription for the same user.
func (s *PostgresStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	query := `
		INSERT INTO subscriptions (id, user_id, plan_id, status, trial_ends_at, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		sub.ID, sub.UserID, sub.PlanID, string(sub.Status), sub.TrialEndsAt, sub.StartDate, sub.EndDate,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrActiveSubscriptionExists
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// GetLiveSubscription returns the user's TRIAL or ACTIVE subscription
func (s *PostgresStore) GetLiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	query := `
		SELECT id, user_id, plan_id, status, trial_ends_at, start_date, end_date, created_at, updated_at
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('TRIAL', 'ACTIVE')
	`
	sub := &Subscription{}
	var status string
	var trialEnds, endDate sql.NullTime
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &status, &trialEnds, &sub.StartDate, &endDate,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	sub.Status = SubscriptionStatus(status)
	if trialEnds.Valid {
		t := trialEnds.Time
		sub.TrialEndsAt = &t
	}
	if endDate.Valid {
		t := endDate.Time
		sub.EndDate = &t
	}
	return sub, nil
}

// UpdateSubscriptionStatus changes a subscription's status and end date
func (s *PostgresStore) UpdateSubscriptionStatus(ctx context.Context, id string, status SubscriptionStatus, endDate *time.Time) error {
	query := `UPDATE subscriptions SET status = $2, end_date = $3, updated_at = NOW() WHERE id = $1`
	return s.execOne(ctx, query, ErrSubscriptionNotFound, id, string(status), endDate)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	_ AccountRepository = (*PostgresStore)(nil)
	_ InvoiceStore      = (*PostgresStore)(nil)
	_ SubscriptionStore = (*PostgresStore)(nil)
)
