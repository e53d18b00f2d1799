package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/rentbill/pkg/audit"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/pricing"
)

// SubscriptionHandlers serves user subscription routes
type SubscriptionHandlers struct {
	subs   SubscriptionManager
	audit  auditor
	logger *observability.Logger
}

// NewSubscriptionHandlers creates subscription handlers
func NewSubscriptionHandlers(subs SubscriptionManager, events auditor, logger *observability.Logger) *SubscriptionHandlers {
	return &SubscriptionHandlers{subs: subs, audit: events, logger: logger}
}

// RegisterRoutes registers subscription routes
func (h *SubscriptionHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/users/{id}/subscription", h.Create).Methods("POST")
	router.HandleFunc("/api/v1/users/{id}/subscription", h.Get).Methods("GET")
	router.HandleFunc("/api/v1/users/{id}/subscription", h.Cancel).Methods("DELETE")
}

// Create starts a subscription, in trial when trialDays > 0
func (h *SubscriptionHandlers) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	var req CreateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PlanID) == "" {
		writeServiceError(w, h.logger, fmt.Errorf("%w: planId is required", pricing.ErrInvalidInput))
		return
	}
	if req.TrialDays < 0 {
		writeServiceError(w, h.logger, fmt.Errorf("%w: trialDays must not be negative", pricing.ErrInvalidInput))
		return
	}

	sub, err := h.subs.Create(r.Context(), userID, req.PlanID, req.TrialDays)

	event := audit.NewEvent(r, audit.EventTypeSubscriptionStart, audit.ResourceTypeSubscription, userID)
	event.Metadata["plan_id"] = req.PlanID
	event.Metadata["trial_days"] = req.TrialDays
	h.audit.record(r, event, err)

	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	_ = httputil.WriteCreated(w, sub)
}

// Get returns the user's live subscription
func (h *SubscriptionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	sub, err := h.subs.Get(r.Context(), userID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	_ = httputil.WriteSuccess(w, sub)
}

// Cancel ends the user's live subscription
func (h *SubscriptionHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}

	sub, err := h.subs.Cancel(r.Context(), userID)
	h.audit.record(r, audit.NewEvent(r, audit.EventTypeSubscriptionEnd, audit.ResourceTypeSubscription, userID), err)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	_ = httputil.WriteSuccess(w, sub)
}
