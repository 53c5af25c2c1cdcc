package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/renderfleet/renderfleet/server/internal/ledger"
	"github.com/renderfleet/renderfleet/workerapi"
)

const defaultTransactionLimit = 50

// GetWallet returns a tenant's wallet.
// GET /api/tenants/{tenantId}/wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.Balance(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, wallet)
}

// ListTransactions returns a tenant's ledger, newest first.
// GET /api/tenants/{tenantId}/transactions?limit=N
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := defaultTransactionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	txs, err := h.ledger.Transactions(r.Context(), chi.URLParam(r, "tenantId"), limit)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// CreditWallet records a settled token purchase.
// POST /api/tenants/{tenantId}/credits
func (h *Handler) CreditWallet(w http.ResponseWriter, r *http.Request) {
	var req workerapi.CreditRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	tenantID := chi.URLParam(r, "tenantId")

	err := h.ledger.CreditFromPayment(r.Context(),
		ledger.Purchase{TenantID: tenantID, UserID: req.UserID},
		ledger.Payment{ProviderTransactionID: req.ProviderTransactionID},
		req.Amount, req.Metadata)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}

	wallet, err := h.ledger.Balance(r.Context(), tenantID)
	if err != nil {
		h.ServiceError(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, wallet)
}
