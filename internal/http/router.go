package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/campus-ticket-payments/internal/idempotency"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
	"github.com/robertarktes/campus-ticket-payments/internal/rateLimit"
)

type RouterProperty struct {
	Handlers    *Handlers
	Logger      observability.Logger
	JWTSecret   []byte
	RateLimiter *rateLimit.RateLimiter
	RateLimits  RateLimits
	Idempotency *idempotency.Idempotency
}

func SetupRouter(props RouterProperty) *chi.Mux {
	h := props.Handlers
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(LoggerMiddleware(props.Logger))
	r.Use(TracingMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// The provider cannot authenticate and must always get the fixed ack.
	r.Post("/v1/payments/mpesa/callback", h.MpesaCallback)

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(props.JWTSecret))
		r.Use(RateLimitMiddleware(props.RateLimiter, props.RateLimits))

		r.Get("/v1/purchases/me", h.ListMyPurchases)
		r.Get("/v1/purchases/{id}", h.GetPurchase)
		r.Get("/v1/subscriptions/me", h.MySubscription)

		r.Group(func(r chi.Router) {
			r.Use(IdempotencyMiddleware(props.Idempotency, props.Logger))
			r.Post("/v1/purchases", h.InitiatePurchase)
			r.Post("/v1/purchases/{id}/refund", h.RequestRefund)
		})

		r.With(RequireRole("admin")).Get("/v1/admin/review-queue", h.ReviewQueue)
	})

	return r
}
