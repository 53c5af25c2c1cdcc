package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/renderfleet/renderfleet/server/internal/dispatcher"
	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/workerapi"
)

// Poll leases the next eligible dispatch to a worker.
// POST /api/workers/{workerId}/poll
func (h *Handler) Poll(w http.ResponseWriter, r *http.Request) {
	var req workerapi.PollRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	stages := make([]model.Stage, len(req.Stages))
	for i, st := range req.Stages {
		stages[i] = model.Stage(st)
	}

	offer, err := h.manager.Poll(r.Context(), dispatcher.PollRequest{
		WorkerID:       chi.URLParam(r, "workerId"),
		CurrentLoad:    req.CurrentLoad,
		MaxConcurrency: req.MaxConcurrency,
		Stages:         stages,
		Workflows:      req.Workflows,
		Provider:       req.Provider,
	})
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	if offer == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.JSON(w, http.StatusOK, workerapi.LeaseOffer{
		DispatchID:     offer.DispatchID,
		LeaseToken:     offer.LeaseToken,
		LeaseExpiresAt: offer.LeaseExpiresAt,
		Attempt:        offer.Attempt,
		JobPayloadRef:  offer.PayloadRef,
		TenantID:       offer.TenantID,
		TenantJobID:    offer.TenantJobID,
		WorkflowID:     offer.WorkflowID,
		Stage:          string(offer.Stage),
	})
}

// Heartbeat renews a lease.
// POST /api/dispatches/{dispatchId}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req workerapi.HeartbeatRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.manager.Heartbeat(r.Context(), chi.URLParam(r, "dispatchId"), req.LeaseToken, req.WorkerID); err != nil {
		h.ServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Complete reports a successful render.
// POST /api/dispatches/{dispatchId}/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	var req workerapi.CompleteRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	err := h.manager.Complete(r.Context(), dispatcher.CompleteRequest{
		DispatchID:        chi.URLParam(r, "dispatchId"),
		LeaseToken:        req.LeaseToken,
		WorkerID:          req.WorkerID,
		OutputSizeBytes:   req.OutputSizeBytes,
		OutputContentType: req.OutputContentType,
		Metadata:          req.Metadata,
	})
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Fail reports a permanent render failure.
// POST /api/dispatches/{dispatchId}/fail
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request) {
	var req workerapi.FailRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.manager.Fail(r.Context(), chi.URLParam(r, "dispatchId"), req.LeaseToken, req.WorkerID, req.Error); err != nil {
		h.ServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Requeue gives a lease back early.
// POST /api/dispatches/{dispatchId}/requeue
func (h *Handler) Requeue(w http.ResponseWriter, r *http.Request) {
	var req workerapi.RequeueRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.manager.Requeue(r.Context(), chi.URLParam(r, "dispatchId"), req.LeaseToken, req.WorkerID, req.Reason); err != nil {
		h.ServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
