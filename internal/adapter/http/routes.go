package http

import (
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/NowSquare/Agent-AI-sub001/internal/middleware"
	"github.com/NowSquare/Agent-AI-sub001/internal/port/cache"
)

// RouteConfig carries the per-route protections.
type RouteConfig struct {
	// WebhookSecret returns the key signing requests from the ingestion service.
	WebhookSecret    func() string
	WebhookTolerance time.Duration
	// IdempotencyStore backs Idempotency-Key replay on the inbound webhook.
	IdempotencyStore cache.Cache
	IdempotencyTTL   time.Duration
	// LinkLimiter throttles signed-link visits per client IP; nil disables it.
	LinkLimiter *middleware.RateLimiter
	// APIKey guards the operator API; empty disables auth.
	APIKey string
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, cfg RouteConfig) {
	// Signed links are the credential; they sit outside operator auth.
	r.Group(func(r chi.Router) {
		if cfg.LinkLimiter != nil {
			r.Use(cfg.LinkLimiter.Handler)
		}
		r.Get("/a/{token}", h.InspectLink)
		r.Post("/a/{token}", h.ResolveLink)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.WebhookHMAC(cfg.WebhookSecret, cfg.WebhookTolerance))
			if cfg.IdempotencyStore != nil {
				r.Use(middleware.Idempotency(cfg.IdempotencyStore, cfg.IdempotencyTTL))
			}
			r.Post("/inbound", h.ReceiveInbound)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKey(cfg.APIKey))

			r.Get("/actions/{id}", h.GetAction)
			r.Get("/memories", h.ListMemories)
			r.Get("/agent-steps", h.ListAgentSteps)
			r.Get("/agent-steps/{id}", h.GetAgentStep)

			r.Post("/maintenance/prune-memories", h.PruneMemories)
			r.Post("/maintenance/sweep-expired", h.SweepExpiredActions)
		})
	})
}
