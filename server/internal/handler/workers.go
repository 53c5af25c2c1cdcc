package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/renderfleet/renderfleet/server/internal/service"
	"github.com/renderfleet/renderfleet/workerapi"
)

// RegisterWorker pre-registers a worker.
// POST /api/workers
func (h *Handler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req workerapi.RegisterWorkerRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.WorkerID == "" {
		h.Error(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	worker, err := h.workers.Register(r.Context(), service.RegisterRequest{
		WorkerID:       req.WorkerID,
		MaxConcurrency: req.MaxConcurrency,
		Provider:       req.Provider,
		Approve:        req.Approve,
	})
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, worker)
}

// GetWorker returns a worker.
// GET /api/workers/{workerId}
func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.workers.Get(r.Context(), chi.URLParam(r, "workerId"))
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, worker)
}

// ApproveWorker makes a worker eligible for leases.
// POST /api/workers/{workerId}/approve
func (h *Handler) ApproveWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := h.workers.Approve(r.Context(), chi.URLParam(r, "workerId"))
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, worker)
}

// DrainWorker sets or clears a worker's draining flag. An empty body drains.
// POST /api/workers/{workerId}/drain
func (h *Handler) DrainWorker(w http.ResponseWriter, r *http.Request) {
	req := workerapi.DrainRequest{Draining: true}
	if r.ContentLength != 0 {
		if err := h.DecodeJSON(r, &req); err != nil {
			h.Error(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	worker, err := h.workers.Drain(r.Context(), chi.URLParam(r, "workerId"), req.Draining)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, worker)
}

// DeregisterWorker removes a worker.
// DELETE /api/workers/{workerId}
func (h *Handler) DeregisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := h.workers.Deregister(r.Context(), chi.URLParam(r, "workerId")); err != nil {
		h.ServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
