package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates the local API router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public route: local probes check liveness without credentials
		r.Get("/health", h.Health)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Get("/queue/status", h.QueueStatus)
			r.Get("/queue", h.QueueList)
			r.Post("/queue/flush", h.QueueFlush)
			r.Get("/connection", h.Connection)
			r.Post("/connection/reconnect", h.ConnectionReconnect)
			r.Get("/connection/health", h.ConnectionHealth)
			r.Get("/deadletters", h.DeadLetters)
			r.Delete("/deadletters", h.PurgeDeadLetters)
			r.Get("/stats", h.Stats)
		})
	})

	return r
}
