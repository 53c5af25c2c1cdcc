package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/renderfleet/renderfleet/server/internal/config"
	"github.com/renderfleet/renderfleet/server/internal/middleware"
)

// NewRouter builds the HTTP routes.
func NewRouter(h *Handler, cfg *config.Config, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.SanitizedLogger(logger))
	r.Use(chimiddleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r.With(chimiddleware.Timeout(timeout)).Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Event streams outlive any request timeout.
		r.Get("/tenants/{tenantId}/events", h.Events)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(timeout))

			r.Route("/workers", func(r chi.Router) {
				r.Post("/", h.RegisterWorker)
				r.Get("/{workerId}", h.GetWorker)
				r.Delete("/{workerId}", h.DeregisterWorker)
				r.Post("/{workerId}/approve", h.ApproveWorker)
				r.Post("/{workerId}/drain", h.DrainWorker)
				r.Post("/{workerId}/poll", h.Poll)
			})

			r.Route("/dispatches/{dispatchId}", func(r chi.Router) {
				r.Post("/heartbeat", h.Heartbeat)
				r.Post("/complete", h.Complete)
				r.Post("/fail", h.Fail)
				r.Post("/requeue", h.Requeue)
			})

			r.Post("/jobs", h.SubmitJob)

			r.Get("/tenants/{tenantId}/wallet", h.GetWallet)
			r.Get("/tenants/{tenantId}/transactions", h.ListTransactions)
			r.Post("/tenants/{tenantId}/credits", h.CreditWallet)
		})
	})

	return r
}
