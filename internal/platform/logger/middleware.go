package logger

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// loggedResponse records the status code and body size written by a handler.
type loggedResponse struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *loggedResponse) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggedResponse) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

// RequestLogger returns chi middleware that logs each request with method,
// route, status, duration_ms, and response size. Probe endpoints (/healthz,
// /metrics) are logged at debug so scrapers do not flood the log.
func RequestLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lr := &loggedResponse{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(lr, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			level := slog.LevelInfo
			if route == "/healthz" || route == "/metrics" {
				level = slog.LevelDebug
			}
			log.Log(r.Context(), level, "request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("status", lr.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.Int("size", lr.size),
			)
		})
	}
}
