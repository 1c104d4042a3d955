package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/registration-ledger/internal/audit"
	"github.com/angelmondragon/registration-ledger/internal/balances"
	"github.com/angelmondragon/registration-ledger/internal/cron"
	"github.com/angelmondragon/registration-ledger/internal/notifications"
	"github.com/angelmondragon/registration-ledger/internal/payments"
	"github.com/angelmondragon/registration-ledger/internal/reconciler"
	"github.com/angelmondragon/registration-ledger/internal/refunds"
	"github.com/angelmondragon/registration-ledger/pkg/config"
	"github.com/angelmondragon/registration-ledger/pkg/db"
	"github.com/angelmondragon/registration-ledger/pkg/instance"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	"github.com/angelmondragon/registration-ledger/pkg/metrics"
	"github.com/angelmondragon/registration-ledger/pkg/migrate"
	"github.com/angelmondragon/registration-ledger/pkg/redis"
	"github.com/angelmondragon/registration-ledger/pkg/square"
)

func main() {
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	registry := prometheus.NewRegistry()
	cronMetrics := metrics.NewCronJobMetrics(registry)
	ledgerMetrics := metrics.NewLedgerMetrics(registry)

	conn := dbClient.DB()
	balanceRepo := balances.NewRepository(conn)
	refundRepo := refunds.NewRepository(conn)

	var (
		gateway refunds.Gateway
		checker refunds.StatusChecker
	)
	if cfg.Square.AccessToken != "" {
		squareClient, err := square.NewClient(context.Background(), cfg.Square, logg)
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
		checker = squareGateway
	}

	ledgerService, err := reconciler.New(reconciler.Params{
		DB:              dbClient,
		Balances:        balanceRepo,
		Payments:        payments.NewRepository(conn),
		Refunds:         refundRepo,
		Audit:           audit.NewRepository(conn),
		Gateway:         gateway,
		Notifier:        notifications.NewLogDispatcher(logg),
		Logger:          logg,
		Metrics:         ledgerMetrics,
		ConflictRetries: cfg.Ledger.ConflictRetries,
		NotifyTimeout:   cfg.Ledger.NotifyTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconciler", err)
		os.Exit(1)
	}

	driftJob, err := cron.NewLedgerDriftJob(cron.LedgerDriftJobParams{
		Logger:    logg,
		Balances:  balanceRepo,
		Ledger:    ledgerService,
		Metrics:   ledgerMetrics,
		BatchSize: cfg.Cron.DriftBatchSize,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create drift job", err)
		os.Exit(1)
	}
	staleJob, err := cron.NewStaleRefundsJob(cron.StaleRefundsJobParams{
		Logger:   logg,
		Refunds:  refundRepo,
		Ledger:   ledgerService,
		Checker:  checker,
		Metrics:  ledgerMetrics,
		OlderAge: cfg.Cron.StaleRefundAfter,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create stale refund job", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-worker:"+lockEnv(cfg.App.Env)), cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(driftJob, staleJob),
		Lock:     lock,
		Metrics:  cronMetrics,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	if *once {
		logg.Info(ctx, "running single cron cycle")
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "cron cycle failed", err)
			os.Exit(1)
		}
		return
	}

	metricsServer := &http.Server{
		Addr:              cfg.Cron.MetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "metrics server stopped", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockEnv(env string) string {
	if env == "" {
		return "local"
	}
	return env
}
