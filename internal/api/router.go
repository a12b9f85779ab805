package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Kept at the root for compatibility with existing tooling.
	r.Get("/appinfo", s.handleAppInfo)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/accessories", func(r chi.Router) {
			r.Get("/", s.handleListAccessories)
			r.Get("/{identifier}", s.handleGetAccessory)
		})
		r.Get("/covers/{identifier}", s.handleGetCover)
		r.Get("/audit", s.handleListAudit)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}
