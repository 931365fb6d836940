package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	// Read-only views
	r.Get("/state", s.HandleGetState)
	r.Get("/logs", s.HandleListLogs)
	r.Get("/logs/archive", s.HandleListArchivedLogs)
	r.Get("/stream", s.HandleStream)

	r.With(s.authMiddleware).Post("/refresh", s.HandleRefresh)

	// Requests: listing is public, everything that writes is protected
	r.Route("/requests", func(r chi.Router) {
		r.Get("/", s.HandleListPending)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/", s.HandlePrepareRequest)
			r.Post("/submit", s.HandleSubmitRequest)
			r.Post("/{id}/confirm", s.HandleConfirmRequest)
			r.Post("/{id}/cancel", s.HandleCancelRequest)
		})
	})
}
