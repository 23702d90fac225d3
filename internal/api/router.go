package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter assembles the chi route tree under /api/v1.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Order matters: request IDs first so every later log line has one,
	// recovery inside logging so panics still produce a request log.
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Get("/state", s.handleGetDeviceState)
				r.Put("/state", s.handleSetDeviceState)
				r.Post("/vane-vertical", s.handleVaneVertical)
				r.Post("/vane-horizontal", s.handleVaneHorizontal)
				r.Get("/history", s.handleDeviceHistory)
			})
		})

		// On-demand cloud poll
		r.Post("/refresh", s.handleRefresh)

		// Command journal
		r.Get("/commands", s.handleListCommands)

		// WebSocket event stream
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth answers liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}
