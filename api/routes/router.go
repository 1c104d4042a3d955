package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/registration-ledger/api/controllers"
	webhookcontrollers "github.com/angelmondragon/registration-ledger/api/controllers/webhooks"
	"github.com/angelmondragon/registration-ledger/api/middleware"
	squarewebhook "github.com/angelmondragon/registration-ledger/internal/webhooks/square"
	"github.com/angelmondragon/registration-ledger/pkg/config"
	"github.com/angelmondragon/registration-ledger/pkg/enums"
	"github.com/angelmondragon/registration-ledger/pkg/logger"
	"github.com/angelmondragon/registration-ledger/pkg/redis"
	"github.com/angelmondragon/registration-ledger/pkg/square"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP controllers.Pinger,
	redisClient *redis.Client,
	gatherer prometheus.Gatherer,
	ledgerService controllers.LedgerService,
	squareClient *square.Client,
	squareWebhookService webhookcontrollers.SquareWebhookService,
	squareWebhookGuard *squarewebhook.IdempotencyGuard,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.CORS.AllowedOrigins),
	)

	// A nil *redis.Client must not leak into the middleware interfaces.
	var (
		idempotencyStore redis.IdempotencyStore
		revocations      middleware.TokenRevocationChecker
		rateStore        *redis.Client
		readiness        = map[string]controllers.Pinger{"db": dbP}
	)
	if redisClient != nil {
		idempotencyStore = redisClient
		revocations = redisClient
		rateStore = redisClient
		readiness["redis"] = redisClient
	}

	operatorPolicy := middleware.NewRateLimitPolicy("ledger", cfg.RateLimit.Window, cfg.RateLimit.IPLimit, cfg.RateLimit.UserLimit)
	webhookPolicy := middleware.NewRateLimitPolicy("webhooks", cfg.RateLimit.Window, cfg.RateLimit.WebhookIPLimit, 0)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, readiness, logg))
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Use(rateLimit(webhookPolicy, rateStore, logg))
		r.Post("/square", squareWebhookHandler(squareWebhookService, squareClient, squareWebhookGuard, logg))
	})

	// Idempotency is attached per route so it sees the full route pattern.
	idempotent := middleware.Idempotency(idempotencyStore, logg)

	r.Route("/api/v1/ledger", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, revocations, logg))
		r.Use(middleware.RequireRoles(logg, enums.OperatorRoleAdmin, enums.OperatorRoleFinance))
		r.Use(rateLimit(operatorPolicy, rateStore, logg))

		r.Route("/registrations/{type}/{id}", func(r chi.Router) {
			r.With(idempotent).Post("/balance", controllers.OpenBalance(ledgerService, logg))
			r.Get("/balance", controllers.GetStatement(ledgerService, logg))
			r.Get("/audit", controllers.ListAuditEntries(ledgerService, logg))
			r.Get("/rederive", controllers.Rederive(ledgerService, logg))
			r.With(idempotent).Post("/checks", controllers.RecordCheckReceived(ledgerService, logg))
			r.With(idempotent).Post("/checks/pledges", controllers.RecordCheckPledged(ledgerService, logg))
			r.With(idempotent).Post("/cash", controllers.RecordCashReceived(ledgerService, logg))
			r.With(idempotent).Patch("/total", controllers.AdjustTotal(ledgerService, logg))
			r.With(idempotent).Post("/refunds", controllers.ProcessRefund(ledgerService, logg))
		})
		r.With(idempotent).Post("/refunds/{refundId}/complete", controllers.CompleteManualRefund(ledgerService, logg))
		r.With(idempotent).Post("/payments/{paymentId}/notes", controllers.AppendPaymentNotes(ledgerService, logg))
		r.Post("/aggregate", controllers.Aggregate(ledgerService, logg))
	})

	return r
}

func rateLimit(policy middleware.RateLimitPolicy, store *redis.Client, logg *logger.Logger) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimit(policy, store, logg)
}

func squareWebhookHandler(svc webhookcontrollers.SquareWebhookService, client *square.Client, guard *squarewebhook.IdempotencyGuard, logg *logger.Logger) http.HandlerFunc {
	if client == nil || guard == nil {
		return webhookcontrollers.SquareWebhook(svc, nil, nil, logg)
	}
	return webhookcontrollers.SquareWebhook(svc, client, guard, logg)
}
