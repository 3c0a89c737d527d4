package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/iho/payledger/internal/adapter/http/handler"
	"github.com/iho/payledger/internal/adapter/http/middleware"
	"github.com/iho/payledger/internal/infrastructure/metrics"
	"github.com/iho/payledger/internal/usecase"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	HealthHandler         *handler.HealthHandler
	WebhookHandler        *handler.WebhookHandler
	LedgerHandler         *handler.LedgerHandler
	ReconciliationHandler *handler.ReconciliationHandler
	RefundHandler         *handler.RefundHandler

	IdempotencyStore usecase.IdempotencyStore
	IdempotencyTTL   time.Duration
	RateLimiter      *middleware.RateLimiter
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// NewRouter creates the HTTP router: processor webhooks, probes, metrics
// and the operator API.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewLoggingMiddleware(cfg.Logger).Wrap)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Metrics(cfg.Metrics))

	r.Get("/health", cfg.HealthHandler.Liveness)
	r.Get("/ready", cfg.HealthHandler.Readiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Limit)
		}
		r.Post("/webhooks/processor", cfg.WebhookHandler.Receive)
	})

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.IdempotencyStore != nil {
			r.Use(middleware.NewIdempotencyMiddleware(cfg.IdempotencyStore, cfg.IdempotencyTTL, cfg.Logger).Wrap)
		}

		r.Route("/accounts/{id}", func(r chi.Router) {
			r.Get("/balance", cfg.LedgerHandler.GetBalance)
			r.Get("/entries", cfg.LedgerHandler.ListEntries)
		})

		r.Get("/ledger/consistency", cfg.LedgerHandler.CheckConsistency)

		r.Route("/reconciliation", func(r chi.Router) {
			r.Post("/runs", cfg.ReconciliationHandler.RunNow)
			r.Get("/runs/{id}", cfg.ReconciliationHandler.GetRun)
			r.Get("/discrepancies", cfg.ReconciliationHandler.ListDiscrepancies)
			r.Post("/discrepancies/{id}/resolve", cfg.ReconciliationHandler.ResolveDiscrepancy)
		})

		r.Post("/payment-orders/{id}/refunds", cfg.RefundHandler.Create)
	})

	return r
}
