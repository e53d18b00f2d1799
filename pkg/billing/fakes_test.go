package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/rentbill/pkg/observability"
)

// memStore is an in-memory implementation of every store interface
type memStore struct {
	mu           sync.Mutex
	accounts     map[string]*Account
	records      []*BillingRecord
	subs         map[string]*Subscription
	nextID       int64
	failAppends  int
	stallAppends int
	appendCalls  int
	getCalls     int
	listErr      error
	updateSubErr error
}

func newMemStore(accounts ...*Account) *memStore {
	s := &memStore{accounts: make(map[string]*Account), subs: make(map[string]*Subscription)}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *memStore) ListBillableAccounts(ctx context.Context) ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*Account
	for _, a := range s.accounts {
		if !a.IsOnHold {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) MarkOnHold(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.IsOnHold = true
	return nil
}

func (s *memStore) UpdateLastBillingDate(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	a.LastBillingDate = &at
	return nil
}

func (s *memStore) Append(ctx context.Context, rec *BillingRecord) (int64, error) {
	s.mu.Lock()
	s.appendCalls++
	stall := s.stallAppends > 0
	if stall {
		s.stallAppends--
	}
	s.mu.Unlock()

	// a stalled write hangs until the caller gives up
	if stall {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppends > 0 {
		s.failAppends--
		return 0, errors.New("connection reset")
	}
	if rec.Kind == "" {
		rec.Kind = RecordKindCycle
	}
	s.nextID++
	rec.ID = s.nextID
	cp := *rec
	s.records = append(s.records, &cp)
	return cp.ID, nil
}

func (s *memStore) Find(ctx context.Context, accountID string, cycle Cycle) (*BillingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *BillingRecord
	for _, r := range s.records {
		if r.AccountID != accountID || r.Cycle != cycle || r.Kind != RecordKindCycle {
			continue
		}
		if r.Status == RecordStatusPaid {
			cp := *r
			return &cp, nil
		}
		latest = r
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// paidCycleRecord mirrors the partial unique index on PAID CYCLE records
func (s *memStore) paidCycleRecord(accountID string, cycle Cycle) bool {
	for _, r := range s.records {
		if r.AccountID == accountID && r.Cycle == cycle && r.Kind == RecordKindCycle && r.Status == RecordStatusPaid {
			return true
		}
	}
	return false
}

func (s *memStore) GetRecord(ctx context.Context, id int64) (*BillingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (s *memStore) ListRecords(ctx context.Context, accountID string, limit int) ([]*BillingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*BillingRecord{}
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].AccountID == accountID {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

func (s *memStore) MarkRecordPaid(ctx context.Context, id int64, paidAt time.Time, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ID != id {
			continue
		}
		if r.Status == RecordStatusPaid {
			return ErrRecordImmutable
		}
		if r.Kind == RecordKindCycle && s.paidCycleRecord(r.AccountID, r.Cycle) {
			return fmt.Errorf("%w: cycle already has a paid record", ErrRecordImmutable)
		}
		r.Status = RecordStatusPaid
		r.PaidDate = &paidAt
		if transactionID != "" {
			r.TransactionID = transactionID
		}
		for i := range r.Charges {
			r.Charges[i].Status = RecordStatusPaid
		}
		return nil
	}
	return ErrRecordNotFound
}

func (s *memStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subs {
		if existing.UserID == sub.UserID && existing.Status.IsLive() {
			return ErrActiveSubscriptionExists
		}
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return nil
}

func (s *memStore) GetLiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status.IsLive() {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *memStore) UpdateSubscriptionStatus(ctx context.Context, id string, status SubscriptionStatus, endDate *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateSubErr != nil {
		return s.updateSubErr
	}
	sub, ok := s.subs[id]
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.Status = status
	sub.EndDate = endDate
	return nil
}

func (s *memStore) recordsFor(accountID string) []*BillingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*BillingRecord
	for _, r := range s.records {
		if r.AccountID == accountID {
			out = append(out, r)
		}
	}
	return out
}

func (s *memStore) account(id string) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[id]
}

// mockGateway records calls and delegates to optional funcs
type mockGateway struct {
	mu            sync.Mutex
	chargeFunc    func(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	reconcileFunc func(ctx context.Context, key string) (*ChargeResult, error)
	charges       []ChargeRequest
	reconciles    []string
}

func (g *mockGateway) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	g.mu.Lock()
	g.charges = append(g.charges, req)
	fn := g.chargeFunc
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return &ChargeResult{Success: true, TransactionID: "pi_" + req.AccountID}, nil
}

func (g *mockGateway) Reconcile(ctx context.Context, key string) (*ChargeResult, error) {
	g.mu.Lock()
	g.reconciles = append(g.reconciles, key)
	fn := g.reconcileFunc
	g.mu.Unlock()
	if fn != nil {
		return fn(ctx, key)
	}
	return nil, nil
}

func (g *mockGateway) chargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

func (g *mockGateway) chargeKeys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, len(g.charges))
	for i, c := range g.charges {
		keys[i] = c.IdempotencyKey
	}
	return keys
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}
