package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/renderfleet/renderfleet/server/internal/dispatcher"
	"github.com/renderfleet/renderfleet/server/internal/events"
	"github.com/renderfleet/renderfleet/server/internal/ledger"
	"github.com/renderfleet/renderfleet/server/internal/service"
	"github.com/renderfleet/renderfleet/server/internal/version"
	"github.com/renderfleet/renderfleet/workerapi"
)

// Handler contains all HTTP handlers
type Handler struct {
	manager     *dispatcher.Manager
	ledger      *ledger.Ledger
	submissions *service.SubmissionService
	workers     *service.WorkerService
	events      *events.Broker
	logger      *zap.Logger
}

// New creates a new Handler.
func New(m *dispatcher.Manager, l *ledger.Ledger, submissions *service.SubmissionService, workers *service.WorkerService, broker *events.Broker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		manager:     m,
		ledger:      l,
		submissions: submissions,
		workers:     workers,
		events:      broker,
		logger:      logger.Named("handler"),
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, workerapi.ErrorResponse{Error: message})
}

// DecodeJSON helper to decode request body
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// ServiceError maps a domain error to its HTTP status. Lease failures of every
// kind share one 404 body so callers cannot tell a stale token from a missing
// dispatch.
func (h *Handler) ServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrNotFound):
		h.Error(w, http.StatusNotFound, "not found")
	case errors.Is(err, dispatcher.ErrInvalidRequest),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrMissingPaymentID):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		h.Error(w, http.StatusPaymentRequired, "insufficient funds")
	case errors.Is(err, ledger.ErrWalletOwnerMismatch):
		h.Error(w, http.StatusForbidden, "wallet belongs to another user")
	case errors.Is(err, ledger.ErrWalletNotFound):
		h.Error(w, http.StatusNotFound, "wallet not found")
	case errors.Is(err, ledger.ErrJobNotFound):
		h.Error(w, http.StatusNotFound, "job not found")
	case errors.Is(err, service.ErrWorkerNotFound):
		h.Error(w, http.StatusNotFound, "worker not found")
	case errors.Is(err, service.ErrWorkerExists), errors.Is(err, service.ErrWorkerBusy):
		h.Error(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// Health reports liveness, the build version and queue depth by status.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	counts, err := h.manager.Counts(r.Context())
	if err != nil {
		h.logger.Warn("health: count dispatches", zap.Error(err))
		h.JSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "version": version.Get()})
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"version":    version.Get(),
		"dispatches": counts,
	})
}
