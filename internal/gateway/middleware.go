package gateway

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/observability"
)

// LoggingMiddleware logs each request, stamps it with a request id, and
// records the HTTP metrics.
func LoggingMiddleware(logger *slog.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get("X-Request-Id")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			ctx := observability.WithRequestID(r.Context(), requestID)
			w.Header().Set("X-Request-Id", requestID)

			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)
			if logger != nil {
				logger.InfoContext(ctx, "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", wrapped.status,
					"duration", duration,
					"remote_addr", r.RemoteAddr,
				)
			}
			if metrics != nil {
				metrics.RecordHTTPRequest(r.Method, routePattern(r.URL.Path),
					strconv.Itoa(wrapped.status), duration.Seconds())
			}
		})
	}
}

// AuthMiddleware enforces bearer/API-key authentication. Liveness probes
// and metric scrapers authenticate out of band, so their paths pass.
func AuthMiddleware(service *AuthService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			if service == nil || !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			err := service.Authorize(r.Header.Get("Authorization"), apiKeyFrom(r))
			if err != nil {
				if logger != nil {
					logger.Warn("request rejected", "path", r.URL.Path, "error", err)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.Header.Get("Api-Key")
}

// CORSMiddleware adds CORS headers for browser clients. "*" in the
// allowed list permits any origin.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers",
					"Content-Type, Authorization, X-API-Key, X-Agent-Role, X-Agent-Run-Id, X-Worker-Id")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter captures the status code while forwarding the streaming
// capabilities (Flush for SSE, Hijack for WebSocket upgrades) the
// handlers below rely on.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// routePattern collapses identifier path segments so metric labels stay
// bounded.
func routePattern(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/agents/"):
		if rest := strings.TrimPrefix(path, "/v1/agents/"); !knownAgentRoute(rest) {
			return "/v1/agents/{id}"
		}
	case strings.HasPrefix(path, "/v1/runs/"):
		return "/v1/runs/{run_id}"
	case strings.HasPrefix(path, "/v2/chat/interrupts/"):
		return "/v2/chat/interrupts/{thread_id}"
	}
	return path
}

func knownAgentRoute(rest string) bool {
	switch rest {
	case "register", "heartbeat", "list", "leader", "stats", "dead", "all/purge", "timeout":
		return true
	}
	return false
}
