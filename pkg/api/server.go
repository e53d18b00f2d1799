package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/rentbill/pkg/audit"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/middleware"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Deps are the services behind the HTTP API. Any nil service leaves its routes
// unregistered.
type Deps struct {
	Pricer        Pricer
	PricingLimit  middleware.Limiter
	Billing       BillingRunner
	Holds         HoldClearer
	Subscriptions SubscriptionManager
	Invoices      Invoicer
	Audit         audit.Logger
	AuditSearch   audit.Searcher
	Logger        *observability.Logger
	Metrics       *observability.Metrics
}

// Server is the rentbill HTTP API
type Server struct {
	router *mux.Router
	logger *observability.Logger

	pricingHandlers      *PricingHandlers
	billingHandlers      *BillingHandlers
	subscriptionHandlers *SubscriptionHandlers
	invoiceHandlers      *InvoiceHandlers
	auditHandlers        *AuditHandlers
}

// NewServer creates the API server and registers its routes
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
	}

	if deps.Pricer != nil {
		s.pricingHandlers = NewPricingHandlers(deps.Pricer, deps.PricingLimit, logger, deps.Metrics)
	}
	events := newAuditor(deps.Audit, logger)
	if deps.Billing != nil {
		s.billingHandlers = NewBillingHandlers(deps.Billing, deps.Holds, events, logger)
	}
	if deps.Subscriptions != nil {
		s.subscriptionHandlers = NewSubscriptionHandlers(deps.Subscriptions, events, logger)
	}
	if deps.Invoices != nil {
		s.invoiceHandlers = NewInvoiceHandlers(deps.Invoices, events, logger)
	}
	if deps.AuditSearch != nil {
		s.auditHandlers = NewAuditHandlers(deps.AuditSearch, logger)
	}

	s.setupRoutes(deps.Metrics)
	return s
}

func (s *Server) setupRoutes(metrics *observability.Metrics) {
	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.RecoveryMiddleware(s.logger))
	s.router.Use(httputil.LoggingMiddleware(s.logger))
	if metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(metrics))
	}

	if s.pricingHandlers != nil {
		s.pricingHandlers.RegisterRoutes(s.router)
	}
	if s.billingHandlers != nil {
		s.billingHandlers.RegisterRoutes(s.router)
	}
	if s.subscriptionHandlers != nil {
		s.subscriptionHandlers.RegisterRoutes(s.router)
	}
	if s.invoiceHandlers != nil {
		s.invoiceHandlers.RegisterRoutes(s.router)
	}
	if s.auditHandlers != nil {
		s.auditHandlers.RegisterRoutes(s.router)
	}
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped with OpenTelemetry HTTP instrumentation
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "rentbill-api")
}
