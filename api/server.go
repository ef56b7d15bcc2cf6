/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RealIP:         Client address from forwarding headers
  3. RequestLogger:  zap line per request (method, path, status, duration)
  4. Recoverer:      Panic recovery (500 instead of crash)
  5. CORS:           Cross-origin requests for the admin frontend
  6. RateLimit:      Token bucket per client IP, 429 when empty

ROUTE GROUPS:
  /api/discounts/*      Budget accounts and the discount lifecycle
  /api/students/*       Student reads
  /api/scenarios/*      Demo scenarios

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: RequestLogger, RateLimit
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// DefaultRouterOptions allows every origin and does not rate limit.
func DefaultRouterOptions() RouterOptions {
	return RouterOptions{AllowedOrigins: []string{"*"}}
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(RateLimit(opts.RateLimitRPS, opts.RateLimitBurst, h.logger))

	r.Route("/api", func(r chi.Router) {
		// Discount routes
		r.Route("/discounts", func(r chi.Router) {
			r.Post("/", h.CreateDiscount)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/budget", h.GetBudget)
				r.Get("/rollups", h.GetRollups)
				r.Post("/allocations", h.Allocate)
				r.Post("/reconcile", h.Reconcile)
				r.Post("/students/{studentID}/resolve", h.Resolve)
				r.Post("/students/{studentID}/revoke", h.Revoke)
			})
		})

		// Student routes
		r.Route("/students", func(r chi.Router) {
			r.Get("/{id}", h.GetStudent)
			r.Get("/{id}/installments", h.GetStudentInstallments)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}
