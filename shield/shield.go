// Package shield is the HTTP middleware stack in front of the carousel API:
// panic recovery, HEAD handling, security headers, body limits and
// per-request trace ids.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultStack(logger, crashDir) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// DefaultStack returns the middleware applied to every route, outermost
// first: Recover → HeadToGet → SecurityHeaders → MaxBody → TraceID.
func DefaultStack(logger *slog.Logger, crashDir string) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		Recover(logger, crashDir),
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(MaxRequestBody),
		TraceID(logger),
	}
}
