// Command quizgate serves the quiz API, applies billing webhooks and runs
// the periodic subscription sweep.
//
// Configuration comes from QUIZGATE_* environment variables (see
// internal/config). Shutdown on SIGINT or SIGTERM drains HTTP requests,
// stops the sweep and flushes queued notifications.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/quizgate/internal/config"
	"github.com/mihaimyh/quizgate/pkg/api"
	"github.com/mihaimyh/quizgate/pkg/billing"
	billingmetrics "github.com/mihaimyh/quizgate/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/quizgate/pkg/billing/stripe"
	"github.com/mihaimyh/quizgate/pkg/billing/webhook"
	"github.com/mihaimyh/quizgate/pkg/entitlement"
	zerologadapter "github.com/mihaimyh/quizgate/pkg/entitlement/logger/zerolog"
	entitlementmetrics "github.com/mihaimyh/quizgate/pkg/entitlement/metrics/prometheus"
	"github.com/mihaimyh/quizgate/pkg/notify"
	"github.com/mihaimyh/quizgate/pkg/quiz"
	"github.com/mihaimyh/quizgate/storage/postgres"
	redisstore "github.com/mihaimyh/quizgate/storage/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	zlog := newZerolog(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logger := zerologadapter.NewLogger(&zlog)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Storage
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pgConfig.MaxConns = cfg.DBMaxConns
	pgConfig.Migrate = cfg.DBMigrate
	store, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer store.Close()
	checks := []healthCheck{{name: "postgres", check: store.Ping}}

	var (
		locker billing.KeyLocker
		ledger billing.EventLedger
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		coord, err := redisstore.New(client, redisstore.Config{LedgerTTL: 72 * time.Hour})
		if err != nil {
			return err
		}
		if err := coord.Ping(ctx); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		locker, ledger = coord, coord
		checks = append(checks, healthCheck{name: "redis", check: coord.Ping})
		zlog.Info().Msg("redis coordination enabled")
	}

	// Entitlements
	entitlementMetrics := entitlementmetrics.NewMetrics(reg, cfg.MetricsNamespace)
	catalog, err := entitlement.NewCatalog(entitlement.CatalogConfig{
		PriceMapping: cfg.Prices(),
		Logger:       logger,
		Metrics:      entitlementMetrics,
	})
	if err != nil {
		return fmt.Errorf("building plan catalog: %w", err)
	}
	accountant, err := entitlement.NewAccountant(entitlement.AccountantConfig{
		Catalog: catalog,
		Plans:   store,
		Counter: store,
		Logger:  logger,
		Metrics: entitlementMetrics,
	})
	if err != nil {
		return fmt.Errorf("building accountant: %w", err)
	}
	quizzes, err := quiz.NewService(quiz.Config{Accountant: accountant, Repository: store, Logger: logger})
	if err != nil {
		return fmt.Errorf("building quiz service: %w", err)
	}

	// Billing
	dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	if err := dispatcher.Start(); err != nil {
		return err
	}
	billingMetrics := billingmetrics.NewMetrics(reg, cfg.MetricsNamespace)
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Catalog:     catalog,
		Repository:  store,
		Locker:      locker,
		Ledger:      ledger,
		Notifier:    dispatcher,
		GracePeriod: cfg.PastDueGrace,
		Logger:      logger,
		Metrics:     billingMetrics,
	})
	if err != nil {
		return fmt.Errorf("building reconciler: %w", err)
	}
	baseBilling := billing.Config{
		Reconciler:         reconciler,
		WebhookTimeout:     cfg.WebhookTimeout,
		RateLimitPerMinute: cfg.WebhookRateLimit,
		Metrics:            billingMetrics,
		Logger:             logger,
	}

	webhooks := map[string]http.Handler{}
	var billingService api.BillingService
	if cfg.StripeEnabled() {
		stripeConfig := baseBilling
		stripeConfig.APIKey = cfg.StripeAPIKey
		stripeConfig.WebhookSecret = cfg.StripeWebhookSecret
		provider, err := stripe.NewProvider(stripe.Config{Config: stripeConfig, CheckoutPrices: cfg.Checkout()})
		if err != nil {
			return fmt.Errorf("building stripe provider: %w", err)
		}
		webhooks["/webhooks/"+provider.Name()] = provider.WebhookHandler()
		billingService = provider
	}
	if cfg.WebhookSecret != "" {
		neutralConfig := baseBilling
		neutralConfig.WebhookSecret = cfg.WebhookSecret
		neutral, err := webhook.NewHandler(webhook.Config{Config: neutralConfig})
		if err != nil {
			return fmt.Errorf("building billing webhook: %w", err)
		}
		webhooks["/webhooks/billing"] = neutral.WebhookHandler()
	}

	apiHandler, err := api.NewHandler(api.Config{
		Accountant:   accountant,
		Quizzes:      quizzes,
		Billing:      billingService,
		GetUserID:    api.FromHeader(cfg.UserIDHeader),
		MaxBodyBytes: cfg.MaxRequestBodySize,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("building api handler: %w", err)
	}

	sweeper, err := newSweeper(cfg.SweepSchedule, reconciler, zlog)
	if err != nil {
		return err
	}
	sweeper.Start()

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: newRouter(routerConfig{
			API:      apiHandler,
			Webhooks: webhooks,
			Health:   checks,
			Gatherer: reg,
			Logger:   zlog,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		zlog.Info().Str("addr", cfg.HTTPAddr).Int("webhooks", len(webhooks)).Msg("quizgate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		zlog.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("http shutdown")
	}
	<-sweeper.Stop().Done()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		zlog.Warn().Err(err).Msg("notifications left undelivered")
	}
	zlog.Info().Msg("quizgate stopped")
	return nil
}

// newDispatcher posts notifications to NotifyURL, or logs them when no
// endpoint is configured.
func newDispatcher(cfg *config.Config, logger entitlement.Logger) (*notify.Dispatcher, error) {
	var sender notify.Sender = notify.SenderFunc(func(_ context.Context, n billing.Notification) error {
		logger.Info("billing notification",
			entitlement.Field{Key: "kind", Value: string(n.Kind)},
			entitlement.Field{Key: "userId", Value: n.UserID},
			entitlement.Field{Key: "subscriptionId", Value: n.SubscriptionID},
		)
		return nil
	})
	if cfg.NotifyURL != "" {
		httpSender, err := notify.NewHTTPSender(notify.HTTPConfig{URL: cfg.NotifyURL})
		if err != nil {
			return nil, fmt.Errorf("building notification sender: %w", err)
		}
		sender = httpSender
	}
	return notify.NewDispatcher(notify.Config{
		Sender:    sender,
		Workers:   cfg.NotifyWorkers,
		QueueSize: cfg.NotifyQueueSize,
		Logger:    logger,
	})
}
