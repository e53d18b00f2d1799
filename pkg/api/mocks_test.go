package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/rentbill/pkg/audit"
	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/pricing"
	"github.com/stretchr/testify/require"
)

var errNotImplemented = errors.New("not implemented")

type mockBillingRunner struct {
	runCycleFunc   func(ctx context.Context, cycle billing.Cycle) (*billing.CycleSummary, error)
	runAccountFunc func(ctx context.Context, accountID string, cycle billing.Cycle) (*billing.AccountResult, error)
	quoteFunc      func(ctx context.Context, accountID string) (*billing.AccountQuote, error)
	invalidated    []string
}

func (m *mockBillingRunner) RunCycle(ctx context.Context, cycle billing.Cycle) (*billing.CycleSummary, error) {
	if m.runCycleFunc != nil {
		return m.runCycleFunc(ctx, cycle)
	}
	return nil, errNotImplemented
}

func (m *mockBillingRunner) RunAccount(ctx context.Context, accountID string, cycle billing.Cycle) (*billing.AccountResult, error) {
	if m.runAccountFunc != nil {
		return m.runAccountFunc(ctx, accountID, cycle)
	}
	return nil, errNotImplemented
}

func (m *mockBillingRunner) Quote(ctx context.Context, accountID string) (*billing.AccountQuote, error) {
	if m.quoteFunc != nil {
		return m.quoteFunc(ctx, accountID)
	}
	return nil, errNotImplemented
}

func (m *mockBillingRunner) InvalidateQuote(accountID string) {
	m.invalidated = append(m.invalidated, accountID)
}

type mockHoldClearer struct {
	clearHoldFunc func(ctx context.Context, accountID string) error
}

func (m *mockHoldClearer) ClearHold(ctx context.Context, accountID string) error {
	if m.clearHoldFunc != nil {
		return m.clearHoldFunc(ctx, accountID)
	}
	return errNotImplemented
}

type mockSubscriptions struct {
	createFunc func(ctx context.Context, userID, planID string, trialDays int) (*billing.Subscription, error)
	getFunc    func(ctx context.Context, userID string) (*billing.Subscription, error)
	cancelFunc func(ctx context.Context, userID string) (*billing.Subscription, error)
}

func (m *mockSubscriptions) Create(ctx context.Context, userID, planID string, trialDays int) (*billing.Subscription, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, userID, planID, trialDays)
	}
	return nil, errNotImplemented
}

func (m *mockSubscriptions) Get(ctx context.Context, userID string) (*billing.Subscription, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, userID)
	}
	return nil, errNotImplemented
}

func (m *mockSubscriptions) Cancel(ctx context.Context, userID string) (*billing.Subscription, error) {
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, userID)
	}
	return nil, errNotImplemented
}

type mockInvoicer struct {
	proratedFunc func(ctx context.Context, accountID, propertyID string, count int, addDate time.Time) (*billing.BillingRecord, *pricing.Proration, error)
	markPaidFunc func(ctx context.Context, id int64, paidAt time.Time, txID string) (*billing.BillingRecord, error)
	listFunc     func(ctx context.Context, accountID string, limit int) ([]*billing.BillingRecord, error)
}

func (m *mockInvoicer) ProratedInvoice(ctx context.Context, accountID, propertyID string, count int, addDate time.Time) (*billing.BillingRecord, *pricing.Proration, error) {
	if m.proratedFunc != nil {
		return m.proratedFunc(ctx, accountID, propertyID, count, addDate)
	}
	return nil, nil, errNotImplemented
}

func (m *mockInvoicer) MarkPaid(ctx context.Context, id int64, paidAt time.Time, txID string) (*billing.BillingRecord, error) {
	if m.markPaidFunc != nil {
		return m.markPaidFunc(ctx, id, paidAt, txID)
	}
	return nil, errNotImplemented
}

func (m *mockInvoicer) List(ctx context.Context, accountID string, limit int) ([]*billing.BillingRecord, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, accountID, limit)
	}
	return nil, errNotImplemented
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

// do sends a request through a server built from deps
func do(t *testing.T, srv http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

// recordingAuditLogger keeps every event it is given
type recordingAuditLogger struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (l *recordingAuditLogger) Log(ctx context.Context, event *audit.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return l.err
}

func (l *recordingAuditLogger) Events() []*audit.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*audit.Event(nil), l.events...)
}

type mockAuditSearcher struct {
	searchFunc func(ctx context.Context, filter audit.SearchFilter) ([]*audit.Event, error)
}

func (m *mockAuditSearcher) Search(ctx context.Context, filter audit.SearchFilter) ([]*audit.Event, error) {
	if m.searchFunc != nil {
		return m.searchFunc(ctx, filter)
	}
	return nil, errNotImplemented
}
