package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/platinummonkey/rentbill/pkg/api"
	"github.com/platinummonkey/rentbill/pkg/audit"
	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/config"
	"github.com/platinummonkey/rentbill/pkg/middleware"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/pricing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	runOnce = flag.Bool("run-once", false, "Run one billing cycle and exit")
	cycle   = flag.String("cycle", "", "Billing cycle to run (YYYY-MM). Defaults to the current month. Only used with --run-once")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("rentbill exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx := context.Background()

	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	db, err := billing.OpenPostgres(ctx, cfg.Database.URL, billing.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	if cfg.Database.AutoMigrate {
		if err := billing.Migrate(ctx, db, logger); err != nil {
			db.Close()
			return err
		}
	}
	store := billing.NewPostgresStore(db)

	auditStore, err := audit.NewDBLogger(db)
	if err != nil {
		db.Close()
		return err
	}
	if cfg.Database.AutoMigrate {
		if err := auditStore.EnsureSchema(ctx); err != nil {
			db.Close()
			return err
		}
	}
	auditWriter := audit.NewAsyncLogger(auditStore, logger, 5*time.Second)
	auditLog := audit.NewMultiLogger(auditWriter, audit.NewLogLogger(logger))

	var (
		locker      billing.Locker
		redisLocker *billing.RedisLocker
	)
	if cfg.Redis.URL != "" {
		redisLocker, err = billing.NewRedisLocker(ctx, cfg.Redis.URL, logger)
		if err != nil {
			db.Close()
			return err
		}
		locker = redisLocker
		logger.Info("Using Redis billing locks")
	} else {
		locker = billing.NewLocalLocker()
		logger.Warn("RENTBILL_REDIS_URL not set, billing locks are local to this process")
	}

	gateway, err := billing.NewStripeGateway(billing.StripeConfig{
		SecretKey:         cfg.Stripe.SecretKey,
		BaseURL:           cfg.Stripe.BaseURL,
		MaxNetworkRetries: cfg.Stripe.MaxNetworkRetries,
	})
	if err != nil {
		db.Close()
		return err
	}

	table, err := cfg.Billing.LoadTierTable()
	if err != nil {
		db.Close()
		return err
	}
	calc, err := pricing.NewCalculator(table)
	if err != nil {
		db.Close()
		return err
	}
	logger.WithFields(map[string]interface{}{
		"tier_version":   table.Version,
		"max_properties": table.MaxProperties(),
	}).Info("Pricing tiers loaded")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	driver, err := billing.NewDriver(billing.Deps{
		Accounts:   store,
		Ledger:     store,
		Gateway:    gateway,
		Locker:     locker,
		Calculator: calc,
		Logger:     logger,
		Metrics:    metrics,
	}, cfg.Billing.DriverConfig())
	if err != nil {
		db.Close()
		return err
	}

	if *runOnce {
		defer db.Close()
		return runCycleOnce(ctx, driver, logger)
	}

	var pricingLimit middleware.Limiter
	if cfg.Server.PricingRateLimit > 0 {
		limitCfg := middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Server.PricingRateLimit,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.Server.PricingRateBurst,
		}
		if redisLocker != nil {
			pricingLimit = middleware.NewRedisLimiter(redisLocker.Client(), limitCfg, "rentbill:ratelimit:pricing")
		} else {
			local := middleware.NewLocalLimiter(limitCfg)
			local.StartCleanup(ctx)
			pricingLimit = local
		}
	}

	server := api.NewServer(api.Deps{
		Pricer:        calc,
		PricingLimit:  pricingLimit,
		Billing:       driver,
		Holds:         store,
		Subscriptions: billing.NewSubscriptionService(store),
		Invoices:      billing.NewInvoicingService(store, store, calc, cfg.Billing.Currency),
		Audit:         auditLog,
		AuditSearch:   auditStore,
		Logger:        logger,
		Metrics:       metrics,
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	health := observability.NewHealthChecker(version)
	health.AddCheck("postgres", true, store.Ping)
	if redisLocker != nil {
		health.AddCheck("redis", false, redisLocker.Ping)
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health/live", health.Liveness)
	healthMux.HandleFunc("/health/ready", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.MetricsHandler(registry))
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return db.Close()
	})
	shutdown.RegisterShutdownFunc(auditWriter.Flush)
	if redisLocker != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisLocker.Close()
		})
	}
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownTracing(ctx, tp, logger)
	})
	shutdown.RegisterShutdownFunc(healthServer.Shutdown)

	if cfg.Billing.SchedulerEnabled {
		scheduler, err := billing.NewScheduler(cfg.Billing.Schedule, driver, logger, 0)
		if err != nil {
			db.Close()
			return err
		}
		scheduler.Start()
		shutdown.RegisterShutdownFunc(scheduler.Stop)
	} else {
		logger.Info("Billing scheduler disabled")
	}

	go serve(healthServer, logger, "health")
	go serve(httpServer, logger, "api")

	return shutdown.WaitForShutdown()
}

func serve(srv *http.Server, logger *observability.Logger, name string) {
	logger.WithFields(map[string]interface{}{
		"server": name,
		"addr":   srv.Addr,
	}).Info("Starting HTTP server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).WithField("server", name).Error("HTTP server failed")
		os.Exit(1)
	}
}

func runCycleOnce(ctx context.Context, driver *billing.Driver, logger *observability.Logger) error {
	target := billing.CycleOf(time.Now())
	if *cycle != "" {
		parsed, err := billing.ParseCycle(*cycle)
		if err != nil {
			return err
		}
		target = parsed
	}

	logger.WithField("cycle", target.String()).Info("Running billing cycle once")
	summary, err := driver.RunCycle(ctx, target)
	if err != nil {
		return fmt.Errorf("billing cycle %s failed: %w", target, err)
	}

	billing.LogSummary(logger, summary)
	if summary.Errored > 0 {
		return fmt.Errorf("billing cycle %s: %d accounts errored", target, summary.Errored)
	}
	return nil
}
