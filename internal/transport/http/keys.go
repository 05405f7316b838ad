package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"e2ee-relay/internal/dto"
	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/observability/middleware"
	"e2ee-relay/internal/service"
)

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	traceID := middleware.TraceIDFromContext(r.Context())
	var req dto.RegisterDeviceRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		metrics.DeviceRegistrationsTotal.WithLabelValues("register", "failure").Inc()
		slog.Warn("device registration decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	res, err := h.svc.RegisterDevice(r.Context(), principal(r), req)
	if err != nil {
		status := writeError(w, err)
		metrics.DeviceRegistrationsTotal.WithLabelValues("register", "failure").Inc()
		slog.Warn("device registration failed", "error", err, "status", status, "device_id", req.DeviceID, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.DeviceRegistrationsTotal.WithLabelValues("register", "success").Inc()
	slog.Info("device registered", "user_id", res.UserID, "device_id", res.DeviceID, "one_time_prekeys", res.OneTimePreKeys, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleRotateSignedPreKey(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	traceID := middleware.TraceIDFromContext(r.Context())
	var req dto.RotateSignedPreKeyRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		metrics.DeviceRegistrationsTotal.WithLabelValues("rotate", "failure").Inc()
		slog.Warn("rotate signed prekey decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	res, err := h.svc.RotateSignedPreKey(r.Context(), principal(r), req)
	if err != nil {
		status := writeError(w, err)
		metrics.DeviceRegistrationsTotal.WithLabelValues("rotate", "failure").Inc()
		slog.Warn("rotate signed prekey failed", "error", err, "status", status, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.DeviceRegistrationsTotal.WithLabelValues("rotate", "success").Inc()
	slog.Info("rotated signed prekey", "device_id", res.DeviceID, "added_one_time_keys", res.AddedOneTimePreKeys, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleUploadPreKeys(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	traceID := middleware.TraceIDFromContext(r.Context())
	var req dto.UploadPreKeysRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		metrics.DeviceRegistrationsTotal.WithLabelValues("upload", "failure").Inc()
		slog.Warn("prekey upload decode failed", "error", err, "request_id", reqID, "trace_id", traceID)
		return
	}
	res, err := h.svc.UploadPreKeys(r.Context(), principal(r), req)
	if err != nil {
		status := writeError(w, err)
		metrics.DeviceRegistrationsTotal.WithLabelValues("upload", "failure").Inc()
		slog.Warn("prekey upload failed", "error", err, "status", status, "request_id", reqID, "trace_id", traceID)
		return
	}
	metrics.DeviceRegistrationsTotal.WithLabelValues("upload", "success").Inc()
	slog.Info("one-time prekeys uploaded", "device_id", res.DeviceID, "uploaded", res.Uploaded, "request_id", reqID, "trace_id", traceID)
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleCountPreKeys(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CountPreKeys(r.Context(), principal(r), r.URL.Query().Get("deviceId"))
	if err != nil {
		writeError(w, err)
		slog.Warn("prekey count failed", "error", err, "request_id", middleware.RequestIDFromContext(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleListDevices(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ListDevices(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		writeError(w, err)
		slog.Warn("device list failed", "error", err, "request_id", middleware.RequestIDFromContext(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleBundle(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	traceID := middleware.TraceIDFromContext(r.Context())
	userID := r.URL.Query().Get("userId")
	deviceID := r.URL.Query().Get("deviceId")

	res, err := h.svc.IssueBundle(r.Context(), principal(r), userID, deviceID)
	if err != nil {
		status := writeError(w, err)
		slog.Warn("prekey bundle fetch failed", "error", err, "status", status, "user_id", userID, "device_id", deviceID, "request_id", reqID, "trace_id", traceID)
		return
	}
	for _, b := range res.Bundles {
		metrics.PreKeyBundlesIssuedTotal.WithLabelValues(strconv.FormatBool(b.OneTimePreKey != nil)).Inc()
		slog.Info("prekey bundle issued", "user_id", res.UserID, "device_id", b.DeviceID, "has_one_time", b.OneTimePreKey != nil, "request_id", reqID, "trace_id", traceID)
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) handleKeyEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, service.ErrValidation)
			return
		}
		limit = n
	}
	res, err := h.svc.KeyEvents(r.Context(), r.URL.Query().Get("userId"), limit)
	if err != nil {
		writeError(w, err)
		slog.Warn("key transparency fetch failed", "error", err, "request_id", middleware.RequestIDFromContext(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, res)
}
