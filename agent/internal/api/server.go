// Package agentapi serves the agent's local control endpoints: status for
// supervisors and a manual trigger for interruptions the host cannot
// signal on its own.
package agentapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/renderfleet/renderfleet/agent/internal/interrupt"
	"github.com/renderfleet/renderfleet/agent/internal/logger"
	"github.com/renderfleet/renderfleet/agent/internal/runner"
)

// Runner is the part of runner.Runner the API reads and drives.
type Runner interface {
	Leases() []runner.LeaseInfo
	Stopping() bool
	Interrupt(n interrupt.Notice) int
}

// Server is the control API. It is an http.Handler.
type Server struct {
	http.Handler
	runner   Runner
	workerID string
	log      *logger.Logger
}

// New builds the control API for one agent.
func New(r Runner, workerID string, log *logger.Logger) *Server {
	s := &Server{runner: r, workerID: workerID, log: log}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)
	mux.Use(s.logRequests)

	mux.Get("/health", s.health)
	mux.Route("/api", func(r chi.Router) {
		r.Get("/leases", s.leases)
		r.Get("/interrupts", s.catalog)
		r.Post("/interrupts/{kind}", s.interrupt)
	})

	s.Handler = mux
	return s
}

// NewHTTPServer wraps the API in an http.Server listening on addr.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("control request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// GET /health
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.runner.Stopping() {
		status = "stopping"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        status,
		"worker_id":     s.workerID,
		"active_leases": len(s.runner.Leases()),
	})
}

// GET /api/leases
func (s *Server) leases(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"leases": s.runner.Leases()})
}

// GET /api/interrupts
func (s *Server) catalog(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"interrupts": interrupt.Catalog()})
}

// POST /api/interrupts/{kind} does what dropping a notice file named kind
// would.
func (s *Server) interrupt(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")
	entry, ok := interrupt.Lookup(kind)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown interruption: " + kind})
		return
	}

	requeued := s.runner.Interrupt(interrupt.Notice{
		Entry:  entry,
		Source: "api",
		Detail: r.RemoteAddr,
		At:     time.Now(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"kind": entry.Kind, "requeued": requeued})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
