package http

import (
	"crypto/rsa"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/ticket-settlement/internal/idempotency"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/rateLimit"
)

type RouterConfig struct {
	JWTKey      *rsa.PublicKey
	Limiter     rateLimit.Limiter
	Limits      RateLimits
	Idempotency *idempotency.Idempotency
}

// SetupRouter mounts the API. Processor webhooks and gate scans are public: the former
// are authenticated by their signature, the latter by the ticket signature.
func SetupRouter(h *Handlers, logger observability.Logger, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(JWTMiddleware(cfg.JWTKey))
	if cfg.Limiter != nil {
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.Limits))
	}

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Post("/v1/payments/webhook", h.PaymentWebhook)
	r.Post("/v1/resale/webhook", h.ResaleWebhook)
	r.Post("/v1/scan", h.Scan)

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth)
		if cfg.Idempotency != nil {
			r.Use(IdempotencyMiddleware(cfg.Idempotency, logger))
		}

		r.Post("/v1/orders", h.CreateOrder)
		r.Get("/v1/orders/{id}", h.GetOrder)

		r.Post("/v1/resale/listings", h.CreateListing)
		r.Delete("/v1/resale/listings/{id}", h.CancelListing)
		r.Post("/v1/resale/listings/{id}/purchase", h.PurchaseListing)
		r.Post("/v1/tickets/{id}/claim", h.ClaimTicket)

		r.Post("/v1/scan/logs", h.UploadScanLogs)

		r.Post("/v1/events", h.CreateEvent)
		r.Post("/v1/events/{id}/ticket-types", h.ConfigureTicketTypes)
		r.Post("/v1/events/{id}/receivers/{email}/decision", h.DecideReceiver)
		r.Post("/v1/events/{id}/activate", h.ActivateEvent)
		r.Post("/v1/events/{id}/complete", h.CompleteEvent)
		r.Get("/v1/events/{id}/revenue", h.RevenueReport)
		r.Get("/v1/events/{id}/offline-package", h.OfflinePackage)

		r.With(RequireRole(RoleAdmin)).Post("/v1/withdrawals", h.RequestWithdrawal)
		r.With(RequireRole(RoleAdmin, RoleOperator)).Post("/v1/admin/orders/{id}/settlement/steps/{step}/reset", h.ResetSettlementStep)
	})

	return r
}
