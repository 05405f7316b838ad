package http

import (
	"log/slog"
	"net/http"

	"e2ee-relay/internal/dto"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/observability/middleware"
)

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	traceID := middleware.TraceIDFromContext(r.Context())
	var req dto.SendMessageRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		status := writeError(w, err)
		metrics.MessagesEnqueuedTotal.WithLabelValues("failure").Inc()
		slog.Warn("message decode failed", "error", err, "status", status, "request_id", reqID, "trace_id", traceID)
		return
	}
	res, err := h.svc.SendMessage(r.Context(), principal(r), req)
	if err != nil {
		status := writeError(w, err)
		metrics.MessagesEnqueuedTotal.WithLabelValues("failure").Inc()
		slog.Warn("message enqueue failed", "error", err, "status", status, "recipient_user_id", req.RecipientUserID, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.MessagesEnqueuedTotal.WithLabelValues("success").Inc()
	metrics.MessagesCiphertextBytes.Observe(float64(len(req.Ciphertext)))
	slog.Info("message enqueued", "id", res.ID, "recipient_user_id", req.RecipientUserID, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusCreated, res)
}

// handleDrain returns the caller's backlog. The entries are already deleted
// when the response is written, so a response lost in transit loses them.
func (h *Handler) handleDrain(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	traceID := middleware.TraceIDFromContext(r.Context())
	p := principal(r)
	res, err := h.svc.DrainInbox(r.Context(), p, r.URL.Query().Get("deviceId"))
	if err != nil {
		status := writeError(w, err)
		slog.Warn("inbox drain failed", "error", err, "status", status, "user_id", p.UserID, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.MessagesDrainedTotal.WithLabelValues("http").Add(float64(len(res.Messages)))
	slog.Info("inbox drained", "user_id", p.UserID, "count", len(res.Messages), "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, res)
}
