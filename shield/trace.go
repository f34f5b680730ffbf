package shield

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/carousel/kit"
)

// TraceID assigns a random trace id to each request, exposes it in the
// X-Trace-ID header and stores a request-scoped logger under LoggerKey.
// Each request is logged once on completion with status and duration.
func TraceID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := kit.NewTraceID()

			ctx := kit.WithTraceID(r.Context(), traceID)
			ctx = kit.WithRemoteAddr(ctx, r.RemoteAddr)
			w.Header().Set("X-Trace-ID", traceID)

			reqLog := logger.With(
				"trace_id", traceID,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx = context.WithValue(ctx, LoggerKey, reqLog)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelDebug
			if status >= 500 {
				level = slog.LevelError
			}
			reqLog.Log(ctx, level, "request",
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr)
		})
	}
}
