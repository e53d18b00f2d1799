package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/rentbill/pkg/audit"
	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/pricing"
)

// BillingHandlers serves account quotes and manual billing runs
type BillingHandlers struct {
	runner BillingRunner
	holds  HoldClearer
	audit  auditor
	logger *observability.Logger
	now    func() time.Time
}

// NewBillingHandlers creates billing handlers. holds may be nil, in which case the
// clear-hold route is not registered.
func NewBillingHandlers(runner BillingRunner, holds HoldClearer, events auditor, logger *observability.Logger) *BillingHandlers {
	return &BillingHandlers{runner: runner, holds: holds, audit: events, logger: logger, now: time.Now}
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/accounts/{id}/billing", h.GetAccountBilling).Methods("GET")
	router.HandleFunc("/api/v1/admin/billing/run", h.RunCycle).Methods("POST")
	router.HandleFunc("/api/v1/admin/billing/accounts/{id}/run", h.RunAccount).Methods("POST")
	if h.holds != nil {
		router.HandleFunc("/api/v1/admin/accounts/{id}/clear-hold", h.ClearHold).Methods("POST")
	}
}

// GetAccountBilling returns the current tier and price for an account
func (h *BillingHandlers) GetAccountBilling(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	quote, err := h.runner.Quote(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	_ = httputil.WriteSuccess(w, quote)
}

// RunCycle bills every billable account for a cycle. The cycle defaults to the
// current month in UTC.
func (h *BillingHandlers) RunCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := h.cycleFromBody(r)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.WithField("cycle", cycle.String()).Info("Manual billing run requested")
	summary, err := h.runner.RunCycle(r.Context(), cycle)

	event := audit.NewEvent(r, audit.EventTypeBillingRunCycle, audit.ResourceTypeCycle, cycle.String())
	if summary != nil {
		event.Metadata["total"] = summary.Total
		event.Metadata["paid"] = summary.Paid
		event.Metadata["failed"] = summary.Failed
		event.Metadata["pending"] = summary.Pending
		event.Metadata["errored"] = summary.Errored
	}
	h.audit.record(r, event, err)

	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	_ = httputil.WriteSuccess(w, summary)
}

// RunAccount bills a single account for a cycle
func (h *BillingHandlers) RunAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	cycle, err := h.cycleFromBody(r)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"account_id": accountID,
		"cycle":      cycle.String(),
	}).Info("Manual account billing requested")

	res, err := h.runner.RunAccount(r.Context(), accountID, cycle)

	event := audit.NewEvent(r, audit.EventTypeBillingRunAccount, audit.ResourceTypeAccount, accountID)
	event.Metadata["cycle"] = cycle.String()
	if res != nil {
		event.Metadata["outcome"] = string(res.Outcome)
		event.Metadata["amount"] = res.Amount.StringFixed(2)
	}
	h.audit.record(r, event, err)

	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	_ = httputil.WriteSuccess(w, res)
}

// ClearHold lifts the billing hold on an account
func (h *BillingHandlers) ClearHold(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	err := h.holds.ClearHold(r.Context(), accountID)
	h.audit.record(r, audit.NewEvent(r, audit.EventTypeHoldClear, audit.ResourceTypeAccount, accountID), err)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.runner.InvalidateQuote(accountID)

	h.logger.WithField("account_id", accountID).Info("Account hold cleared")
	w.WriteHeader(http.StatusNoContent)
}

// cycleFromBody reads an optional {"cycle":"YYYY-MM"} body
func (h *BillingHandlers) cycleFromBody(r *http.Request) (billing.Cycle, error) {
	var req RunCycleRequest
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		if err := httputil.ParseJSON(r, &req); err != nil {
			return "", fmt.Errorf("%w: %v", pricing.ErrInvalidInput, err)
		}
	}
	if req.Cycle == "" {
		return billing.CycleOf(h.now().UTC()), nil
	}
	cycle, err := billing.ParseCycle(req.Cycle)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pricing.ErrInvalidInput, err)
	}
	return cycle, nil
}
