package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"e2ee-relay/internal/observability/metrics"
	"e2ee-relay/internal/observability/middleware"
	"e2ee-relay/internal/service"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleInboxStream drains the caller's inbox on every poll tick and pushes
// one text frame per non-empty drain. Client frames are read only to notice
// disconnects.
func (h *Handler) handleInboxStream(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.RequestIDFromContext(r.Context())
	p := principal(r)
	deviceID := r.URL.Query().Get("deviceId")

	// Reject bad addressing before upgrading so the client gets a status code.
	if _, err := service.AuthorizeInbox(p, deviceID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws handshake failed", "error", err, "request_id", reqID)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push := func() error {
		res, err := h.svc.DrainInbox(ctx, p, deviceID)
		if err != nil {
			return err
		}
		if len(res.Messages) == 0 {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(res); err != nil {
			slog.Error("ws write failed after drain; entries lost", "error", err, "count", len(res.Messages), "user_id", p.UserID, "request_id", reqID)
			return err
		}
		metrics.MessagesDrainedTotal.WithLabelValues("ws").Add(float64(len(res.Messages)))
		return nil
	}

	slog.Info("inbox stream opened", "user_id", p.UserID, "device_id", deviceID, "request_id", reqID)
	defer slog.Info("inbox stream closed", "user_id", p.UserID, "device_id", deviceID, "request_id", reqID)

	if err := push(); err != nil {
		return
	}
	ticker := time.NewTicker(h.opts.WSPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := push(); err != nil {
				if ctx.Err() == nil {
					slog.Warn("ws drain failed", "error", err, "request_id", reqID)
				}
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
