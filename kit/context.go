// Package kit holds the request plumbing shared by the HTTP and MCP
// surfaces: context keys, the Endpoint type and the MCP tool adapter.
package kit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const (
	TraceIDKey    contextKey = "kit_trace_id"
	TransportKey  contextKey = "kit_transport" // "http", "mcp"
	RemoteAddrKey contextKey = "kit_remote_addr"
)

// NewTraceID returns 8 random hex characters.
func NewTraceID() string {
	id := make([]byte, 4)
	rand.Read(id)
	return hex.EncodeToString(id)
}

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, RemoteAddrKey, addr)
}
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(RemoteAddrKey).(string)
	return v
}
