package api

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/carousel/kit"
)

func inputSchema(properties map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}

// RegisterMCP exposes the read-only views as MCP tools.
func (s *Server) RegisterMCP(srv *mcp.Server) {
	logged := func(name string, ep kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.Logging(s.log, name), kit.Recover(s.log, name))(ep)
	}

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "carousel_list",
		Description: "List every dashboard with image availability, last modification and size",
		InputSchema: inputSchema(map[string]any{}),
	}, logged("carousel_list", func(ctx context.Context, _ any) (any, error) {
		return s.ListTargets(ctx), nil
	}), kit.DecodeArgs[struct{}])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "carousel_status",
		Description: "Current rotation progress, capture counters and last checkpoint",
		InputSchema: inputSchema(map[string]any{}),
	}, logged("carousel_status", func(context.Context, any) (any, error) {
		return s.Status(), nil
	}), kit.DecodeArgs[struct{}])

	type historyReq struct {
		Target string `json:"target"`
		Limit  int    `json:"limit"`
	}
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "carousel_history",
		Description: "Recent capture runs, newest first, optionally for one dashboard",
		InputSchema: inputSchema(map[string]any{
			"target": map[string]any{"type": "string", "description": "Dashboard id, e.g. dashboard1"},
			"limit":  map[string]any{"type": "integer", "description": "Maximum runs (default 50)"},
		}),
	}, logged("carousel_history", func(ctx context.Context, r any) (any, error) {
		p := r.(historyReq)
		return s.History(ctx, p.Target, p.Limit)
	}), kit.DecodeArgs[historyReq])
}
