package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/rentbill/pkg/audit"
	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/pricing"
)

// InvoiceHandlers serves invoice routes
type InvoiceHandlers struct {
	invoices Invoicer
	audit    auditor
	logger   *observability.Logger
	now      func() time.Time
}

// NewInvoiceHandlers creates invoice handlers
func NewInvoiceHandlers(invoices Invoicer, events auditor, logger *observability.Logger) *InvoiceHandlers {
	return &InvoiceHandlers{invoices: invoices, audit: events, logger: logger, now: time.Now}
}

// RegisterRoutes registers invoice routes
func (h *InvoiceHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/accounts/{id}/invoices", h.List).Methods("GET")
	router.HandleFunc("/api/v1/accounts/{id}/invoices/prorated", h.CreateProrated).Methods("POST")
	router.HandleFunc("/api/v1/invoices/{id}/paid", h.MarkPaid).Methods("POST")
}

// List returns the newest invoices for an account
func (h *InvoiceHandlers) List(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", billing.DefaultInvoiceListLimit)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	records, err := h.invoices.List(r.Context(), accountID, limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if records == nil {
		records = []*billing.BillingRecord{}
	}

	_ = httputil.WriteSuccess(w, records)
}

// CreateProrated records a PENDING invoice for a property added mid-cycle
func (h *InvoiceHandlers) CreateProrated(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req ProratedInvoiceRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PropertyID) == "" {
		writeServiceError(w, h.logger, fmt.Errorf("%w: propertyId is required", pricing.ErrInvalidInput))
		return
	}
	count, err := requireCount(req.PropertyCount)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	addDate, err := parseAddDate(req.AddDate)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	rec, p, err := h.invoices.ProratedInvoice(r.Context(), accountID, req.PropertyID, count, addDate)

	event := audit.NewEvent(r, audit.EventTypeInvoiceProrated, audit.ResourceTypeAccount, accountID)
	event.Metadata["property_id"] = req.PropertyID
	event.Metadata["property_count"] = count
	if rec != nil {
		event.Metadata["record_id"] = rec.ID
		event.Metadata["amount"] = rec.Amount.StringFixed(2)
	}
	h.audit.record(r, event, err)

	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	_ = httputil.WriteCreated(w, ProratedInvoiceResponse{Invoice: rec, Proration: p})
}

// MarkPaid settles a PENDING or FAILED invoice
func (h *InvoiceHandlers) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	var req MarkPaidRequest
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}
	paidAt := h.now().UTC()
	if req.PaidAt != nil {
		paidAt = req.PaidAt.UTC()
	}

	rec, err := h.invoices.MarkPaid(r.Context(), id, paidAt, req.TransactionID)

	event := audit.NewEvent(r, audit.EventTypeInvoiceMarkPaid, audit.ResourceTypeInvoice, strconv.FormatInt(id, 10))
	if req.TransactionID != "" {
		event.Metadata["transaction_id"] = req.TransactionID
	}
	h.audit.record(r, event, err)

	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"record_id":  id,
		"account_id": rec.AccountID,
	}).Info("Invoice marked paid")
	_ = httputil.WriteSuccess(w, rec)
}
