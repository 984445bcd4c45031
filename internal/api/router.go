package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-ble/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public
		r.Get("/health", s.handleHealth)

		// Read
		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(auth.PermScannerRead))

			r.Get("/metrics", s.handleMetrics)
			r.Get("/scanner", s.handleScannerStatus)

			r.Route("/locks", func(r chi.Router) {
				r.Get("/", s.handleListLocks)
				r.Get("/{id}", s.handleGetLock)
			})

			r.Get("/journal", s.handleListJournal)
			r.Get("/ws", s.handleWebSocket)
		})

		// Control
		r.Group(func(r chi.Router) {
			r.Use(s.requirePermission(auth.PermScannerControl))

			r.Post("/scanner/start", s.handleScannerStart)
			r.Post("/scanner/stop", s.handleScannerStop)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
