package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/middleware"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/pricing"
)

// PricingHandlers serves price quotes. The routes are public, so they are rate
// limited per client when a limiter is set.
type PricingHandlers struct {
	pricer  Pricer
	limiter middleware.Limiter
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewPricingHandlers creates pricing handlers. limiter may be nil.
func NewPricingHandlers(pricer Pricer, limiter middleware.Limiter, logger *observability.Logger, metrics *observability.Metrics) *PricingHandlers {
	return &PricingHandlers{pricer: pricer, limiter: limiter, logger: logger, metrics: metrics}
}

// RegisterRoutes registers pricing routes
func (h *PricingHandlers) RegisterRoutes(router *mux.Router) {
	router.Handle("/api/v1/pricing", h.limit(h.GetPrice)).Methods("GET")
	router.Handle("/api/v1/pricing/prorated-charge", h.limit(h.ProratedCharge)).Methods("POST")
}

func (h *PricingHandlers) limit(fn http.HandlerFunc) http.Handler {
	if h.limiter == nil {
		return fn
	}
	return middleware.RateLimit(h.limiter, h.logger)(fn)
}

// GetPrice returns the monthly price for ?propertyCount=N
func (h *PricingHandlers) GetPrice(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("propertyCount")
	count, err := strconv.Atoi(raw)
	if err != nil {
		h.count("price", pricing.ErrInvalidInput)
		httputil.WriteBadRequest(w, fmt.Sprintf("propertyCount must be an integer, got %q", raw))
		return
	}

	quote, err := h.pricer.PriceFor(count)
	h.count("price", err)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	_ = httputil.WriteSuccess(w, quote)
}

// ProratedCharge returns the charge for properties added mid-cycle
func (h *PricingHandlers) ProratedCharge(w http.ResponseWriter, r *http.Request) {
	var req ProratedChargeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		h.count("prorate", pricing.ErrInvalidInput)
		return
	}

	p, err := h.prorate(req)
	h.count("prorate", err)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	_ = httputil.WriteSuccess(w, p)
}

func (h *PricingHandlers) prorate(req ProratedChargeRequest) (pricing.Proration, error) {
	count, err := requireCount(req.PropertyCount)
	if err != nil {
		return pricing.Proration{}, err
	}
	addDate, err := parseAddDate(req.AddDate)
	if err != nil {
		return pricing.Proration{}, err
	}
	return h.pricer.Prorate(count, addDate)
}

func (h *PricingHandlers) count(operation string, err error) {
	if h.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		switch statusFor(err) {
		case http.StatusBadRequest:
			result = "invalid_input"
		case http.StatusUnprocessableEntity:
			result = "no_tier"
		default:
			result = "error"
		}
	}
	h.metrics.PricingRequestsTotal.WithLabelValues(operation, result).Inc()
}
