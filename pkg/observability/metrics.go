package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Pricing metrics
	PricingRequestsTotal *prometheus.CounterVec

	// Billing cycle metrics
	ChargesTotal            *prometheus.CounterVec
	ChargedAmountTotal      *prometheus.CounterVec
	PaymentAttemptsTotal    *prometheus.CounterVec
	ReconciliationsTotal    *prometheus.CounterVec
	LedgerWriteRetriesTotal prometheus.Counter
	AccountsOnHoldTotal     prometheus.Counter
	CycleDuration           prometheus.Histogram
	LastCycleTimestamp      prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rentbill_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PricingRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_pricing_requests_total",
				Help: "Total number of price and proration lookups",
			},
			[]string{"operation", "result"},
		),

		ChargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_billing_charges_total",
				Help: "Accounts processed by the billing cycle, by outcome",
			},
			[]string{"outcome"},
		),
		ChargedAmountTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_billing_charged_amount_total",
				Help: "Total amount successfully charged",
			},
			[]string{"currency"},
		),
		PaymentAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_payment_attempts_total",
				Help: "Charge attempts sent to the payment provider, by result",
			},
			[]string{"result"},
		),
		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rentbill_payment_reconciliations_total",
				Help: "Reconciliation lookups for charges with unknown outcome, by result",
			},
			[]string{"result"},
		),
		LedgerWriteRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rentbill_ledger_write_retries_total",
				Help: "Retried ledger appends",
			},
		),
		AccountsOnHoldTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rentbill_accounts_placed_on_hold_total",
				Help: "Accounts placed on hold after a declined charge",
			},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rentbill_billing_cycle_duration_seconds",
				Help:    "Billing cycle run duration in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800},
			},
		),
		LastCycleTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rentbill_billing_cycle_last_run_timestamp_seconds",
				Help: "Unix time the last billing cycle run finished",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PricingRequestsTotal,
		m.ChargesTotal,
		m.ChargedAmountTotal,
		m.PaymentAttemptsTotal,
		m.ReconciliationsTotal,
		m.LedgerWriteRetriesTotal,
		m.AccountsOnHoldTotal,
		m.CycleDuration,
		m.LastCycleTimestamp,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics. Requests are
// labelled with the matched route template so IDs don't explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
