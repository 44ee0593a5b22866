package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"key.share/config"
	"key.share/internal/ratelimit"
)

// SetupRouter mounts the share API at both /shares and /api/shares. A nil
// requests limiter disables per-address request limiting.
func SetupRouter(h *Handler, cfg *config.Config, log *zap.Logger, requests ratelimit.Limiter) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	// Health
	r.Get("/health", h.Health)
	r.Get("/livez", h.Livez)
	r.Get("/readyz", h.Readyz)

	shares := func(r chi.Router) {
		if requests != nil {
			r.Use(RateLimit(requests, log))
		}
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(middleware.RequestSize(cfg.Server.MaxBodyBytes))

		r.Post("/", h.CreateShare)
		r.Post("/retrieve", h.RetrieveShare)
		r.Post("/revoke", h.RevokeShare)
	}

	r.Route("/shares", shares)
	r.Route("/api/shares", shares)

	return r
}
