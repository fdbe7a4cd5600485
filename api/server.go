/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the desktop/web client
  5. Identify:   X-User-ID header into the request context

ROUTE GROUPS:
  /api/mandates/*       Mandate lifecycle
  /api/agents/*         Agent directory
  /api/cases/*          Case and payment recording
  /api/payments/*       Persisted distributions
  /api/distribution/*   Distribution preview
  /api/sequences/*      Integrity reports (read-only)
  /api/admin/*          Destructive maintenance
  /api/audit            Audit trail
  /metrics              Prometheus exposition

SECURITY NOTE:
  No authentication middleware. The X-User-ID header is trusted as-is and
  only used for audit fields.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured. /metrics is
// mounted when gatherer is not nil.
func NewRouter(h *Handler, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))
	r.Use(Identify)

	r.Route("/api", func(r chi.Router) {
		r.Route("/mandates", func(r chi.Router) {
			r.Get("/", h.ListMandates)
			r.Post("/", h.CreateMandate)
			r.Get("/active", h.GetActiveMandate)
			r.Post("/{identifier}/activate", h.ActivateMandate)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Post("/", h.CreateAgent)
		})

		r.Route("/cases", func(r chi.Router) {
			r.Post("/", h.CreateCase)
			r.Get("/{id}", h.GetCase)
			r.Post("/{id}/payments", h.AddPayment)
		})

		r.Get("/payments/{id}/distribution", h.GetDistribution)
		r.Get("/distribution/preview", h.PreviewDistribution)
		r.Get("/sequences/{domain}/integrity", h.VerifySequence)

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Post("/sequences/{domain}/repair", h.RepairSequence)
		})

		r.Get("/audit", h.ListAudit)
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return r
}
