package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/metrics"
)

// RouterConfig holds the optional rate limiter.
type RouterConfig struct {
	Limiter   Limiter
	RateLimit int
}

// NewRouter mounts every route on a chi router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.RateLimit, logger, ClientKeyFunc))

		r.Post("/authorize", h.Authorize)
		r.Post("/schedule", h.Schedule)
		r.Post("/attempts", h.RecordAttempt)
		r.Post("/plan", h.Plan)

		r.Route("/consent", func(r chi.Router) {
			r.Post("/grant", h.GrantConsent)
			r.Post("/revoke", h.RevokeConsent)
			r.Post("/reengage", h.ReEngage)
			r.Post("/optout", h.OptOutAlertType)
			r.Get("/{userID}/{channel}", h.GetConsent)
		})
		r.Post("/inbound/sms", h.InboundSMS)

		r.Get("/compliance/{userID}", h.GetComplianceReport)
		r.Get("/queues", h.ListQueues)

		r.Get("/alerts", h.ListAlerts)
		r.Get("/alerts/transitions", h.ListAlertTransitions)
		r.Post("/alerts/{id}/acknowledge", h.AcknowledgeAlert)
		r.Post("/alerts/{id}/resolve", h.ResolveAlert)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
