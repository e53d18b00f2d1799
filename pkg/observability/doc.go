// Package observability provides structured logging, Prometheus metrics, health checks
// and OpenTelemetry tracing.
//
// # Structured Logging
//
// JSON logging backed by logrus:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("account_id", id).Info("Account charged")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ChargesTotal.WithLabelValues("paid").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker("1.0.0")
//	checker.AddCheck("database", true, db.PingContext)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/billing: Billing cycle metrics
package observability
