package handler

import (
	"net/http"

	"github.com/renderfleet/renderfleet/server/internal/model"
	"github.com/renderfleet/renderfleet/server/internal/service"
	"github.com/renderfleet/renderfleet/workerapi"
)

// SubmitJob creates a job, reserves its tokens and queues its dispatch.
// POST /api/jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req workerapi.SubmitJobRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	d, err := h.submissions.Submit(r.Context(), service.SubmitRequest{
		TenantID:    req.TenantID,
		TenantJobID: req.TenantJobID,
		UserID:      req.UserID,
		WorkflowID:  req.WorkflowID,
		Stage:       model.Stage(req.Stage),
		Provider:    req.Provider,
		Tokens:      req.Tokens,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, map[string]any{"dispatch": d})
}
