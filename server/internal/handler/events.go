package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/renderfleet/renderfleet/server/internal/events"
)

// Events streams a tenant's dispatch lifecycle events over SSE.
// GET /api/tenants/{tenantId}/events
// Query parameters:
//   - after: sequence number to resume after (defaults to Last-Event-ID)
//   - since: RFC3339 timestamp or unix seconds to replay from
//
// If neither is provided, only new events from the time of connection are streamed.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")

	// Check if the client supports SSE
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var (
		afterSeq int64
		since    time.Time
		replay   bool
	)
	after := r.URL.Query().Get("after")
	if after == "" {
		after = r.Header.Get("Last-Event-ID")
	}
	if v := after; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			h.Error(w, http.StatusBadRequest, "after must be a non-negative sequence number")
			return
		}
		afterSeq, replay = n, true
	}
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			unixSec, uerr := strconv.ParseInt(v, 10, 64)
			if uerr != nil {
				h.Error(w, http.StatusBadRequest, "invalid since parameter, use RFC3339 format")
				return
			}
			t = time.Unix(unixSec, 0)
		}
		since, replay = t, true
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Lift the server's WriteTimeout for this connection.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Warn("clear write deadline", zap.Error(err))
	}

	// Subscribe before replaying history so nothing falls in between
	sub := h.events.Subscribe(tenantID)
	defer h.events.Unsubscribe(sub)

	fmt.Fprintf(w, "event: connected\ndata: {\"tenant_id\":%q}\n\n", tenantID)
	flusher.Flush()

	var lastSent int64
	if replay {
		history, err := h.events.History(r.Context(), tenantID, afterSeq, since)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: {\"error\":\"failed to get historical events\"}\n\n")
		}
		for _, e := range history {
			writeEvent(w, e)
			lastSent = e.Seq
		}
		flusher.Flush()
	}

	// Stream new events until client disconnects
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events:
			if !ok {
				return
			}
			// Already sent from history
			if e.Seq <= lastSent {
				continue
			}
			writeEvent(w, e)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e *events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Name, data)
}
