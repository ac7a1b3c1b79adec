package ingesthttp

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the ingest service's chi router, mirroring the
// middleware stack and /api/v1 grouping brain2-backend/interfaces/http/rest/v1.NewRouter
// uses.
func NewRouter(h *Handler) chi.Router {
	router := chi.NewRouter()

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Post("/memories", h.Ingest)
		r.Get("/extractions/status", h.ExtractionStatus)
	})

	router.Get("/healthz", h.Health)

	return router
}
