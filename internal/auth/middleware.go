package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"e2ee-relay/internal/observability/metrics"
	obsmw "e2ee-relay/internal/observability/middleware"
)

// Middleware authenticates every request with v and stores the principal in
// the request context. Websocket clients that cannot set headers may pass
// the token as the access_token query parameter.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	method := fmt.Sprint(v)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := "success"
			defer func() {
				metrics.AuthenticationAttemptsTotal.WithLabelValues(method, result).Inc()
			}()
			reqID := obsmw.RequestIDFromContext(r.Context())
			traceID := obsmw.TraceIDFromContext(r.Context())

			token := bearerToken(r)
			if token == "" {
				result = "failure"
				slog.Warn("relay auth missing bearer", "request_id", reqID, "trace_id", traceID)
				unauthorized(w, "missing bearer token")
				return
			}

			p, err := v.Verify(r.Context(), token)
			if err != nil {
				result = "failure"
				slog.Warn("relay auth invalid token", "error", err, "request_id", reqID, "trace_id", traceID)
				unauthorized(w, "invalid token")
				return
			}

			slog.Debug("relay auth passed", "method", method, "subject", p.UserID, "request_id", reqID, "trace_id", traceID)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) string {
	raw := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return strings.TrimSpace(raw[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
