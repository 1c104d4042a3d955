package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/registration-ledger/api/routes"
	"github.com/angelmondragon/registration-ledger/internal/audit"
	"github.com/angelmondragon/registration-ledger/internal/balances"
	"github.com/angelmondragon/registration-ledger/internal/notifications"
	"github.com/angelmondragon/registration-ledger/internal/payments"
	"github.com/angelmondragon/registration-ledger/internal/reconciler"
	"github.com/angelmondragon/registration-ledger/internal/refunds"
	squarewebhook "github.com/angelmondragon/registration-ledger/internal/webhooks/square"
	"github.com/angelmondragon/registration-ledger/pkg/config"
	"github.com/angelmondragon/registration-ledger/pkg/db"
	"github.com/angelmondragon/registration-ledger/pkg/instance"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	"github.com/angelmondragon/registration-ledger/pkg/metrics"
	"github.com/angelmondragon/registration-ledger/pkg/migrate"
	"github.com/angelmondragon/registration-ledger/pkg/pubsub"
	"github.com/angelmondragon/registration-ledger/pkg/redis"
	"github.com/angelmondragon/registration-ledger/pkg/square"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Instance:    instance.GetID(),
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	// Card refunds and Square webhooks are unavailable without credentials;
	// manual ledger operations keep working.
	var (
		squareClient *square.Client
		gateway      refunds.Gateway
	)
	if cfg.Square.AccessToken != "" {
		squareClient, err = square.NewClient(context.Background(), cfg.Square, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to init square client", err)
			os.Exit(1)
		}
		squareGateway, err := refunds.NewSquareGateway(squareClient, cfg.Ledger.Currency, cfg.Square.RefundTimeout)
		if err != nil {
			logg.Error(context.Background(), "failed to init square refund gateway", err)
			os.Exit(1)
		}
		gateway = squareGateway
	} else {
		logg.Warn(context.Background(), "square access token not set; gateway refunds disabled")
	}

	notifier, closeNotifier := buildNotifier(cfg, logg)
	defer closeNotifier()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ledgerMetrics := metrics.NewLedgerMetrics(registry)

	conn := dbClient.DB()
	ledgerService, err := reconciler.New(reconciler.Params{
		DB:              dbClient,
		Balances:        balances.NewRepository(conn),
		Payments:        payments.NewRepository(conn),
		Refunds:         refunds.NewRepository(conn),
		Audit:           audit.NewRepository(conn),
		Gateway:         gateway,
		Notifier:        notifier,
		Logger:          logg,
		Metrics:         ledgerMetrics,
		ConflictRetries: cfg.Ledger.ConflictRetries,
		NotifyTimeout:   cfg.Ledger.NotifyTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciler", err)
		os.Exit(1)
	}

	webhookService, err := squarewebhook.NewService(squarewebhook.ServiceParams{
		Ledger: ledgerService,
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create square webhook service", err)
		os.Exit(1)
	}
	webhookGuard, err := squarewebhook.NewIdempotencyGuard(redisClient, cfg.Ledger.WebhookIdempotencyTTL, "square-webhook")
	if err != nil {
		logg.Error(context.Background(), "failed to create square webhook guard", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		Handler: routes.NewRouter(
			cfg,
			logg,
			dbClient,
			redisClient,
			registry,
			ledgerService,
			squareClient,
			webhookService,
			webhookGuard,
		),
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-sigCtx.Done():
		logg.Info(ctx, "shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "graceful shutdown failed", err)
		}
	}
	logg.Info(ctx, "api server stopped")
}

// buildNotifier publishes to Pub/Sub when a project is configured and falls
// back to log-only delivery otherwise.
func buildNotifier(cfg *config.Config, logg *logger.Logger) (notifications.Dispatcher, func()) {
	noop := func() {}
	if !cfg.PubSub.Enabled(cfg.GCP) {
		return notifications.NewLogDispatcher(logg), noop
	}
	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(ctx, "pubsub unavailable; notifications will be logged only", err)
		return notifications.NewLogDispatcher(logg), noop
	}
	dispatcher, err := notifications.NewPubSubDispatcher(client.NotificationPublisher(), cfg.Ledger.NotifyTimeout)
	if err != nil {
		_ = client.Close()
		logg.Error(ctx, "pubsub dispatcher unavailable; notifications will be logged only", err)
		return notifications.NewLogDispatcher(logg), noop
	}
	return dispatcher, func() {
		if err := client.Close(); err != nil {
			logg.Error(ctx, "error closing pubsub", err)
		}
	}
}
