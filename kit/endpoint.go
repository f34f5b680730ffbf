package kit

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Endpoint is a transport-agnostic operation.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// Recover turns a panic in the endpoint into an error so one bad call
// cannot take down the MCP session.
func Recover(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (resp any, err error) {
			defer func() {
				if v := recover(); v != nil {
					logger.ErrorContext(ctx, "kit: endpoint panic",
						"endpoint", name, "panic", v, "stack", string(debug.Stack()))
					resp, err = nil, fmt.Errorf("%s: internal error", name)
				}
			}()
			return next(ctx, req)
		}
	}
}

// Logging logs each call with its duration, transport, trace id and, when
// known, the caller's address.
func Logging(logger *slog.Logger, name string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"endpoint", name,
				"transport", GetTransport(ctx),
				"duration", time.Since(start),
			}
			if id := GetTraceID(ctx); id != "" {
				attrs = append(attrs, "trace_id", id)
			}
			if addr := GetRemoteAddr(ctx); addr != "" {
				attrs = append(attrs, "remote_addr", addr)
			}
			if err != nil {
				logger.WarnContext(ctx, "kit: endpoint failed", append(attrs, "error", err)...)
			} else {
				logger.DebugContext(ctx, "kit: endpoint", attrs...)
			}
			return resp, err
		}
	}
}
