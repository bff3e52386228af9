package mcp

import (
	"context"

	mcppkg "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func (h *Handler) registerResources(s *server.MCPServer) {
	s.AddResource(mcppkg.NewResource(
		"imgcache://stats",
		"Cache Stats",
		mcppkg.WithResourceDescription("Current count of in-flight fetch operations"),
		mcppkg.WithMIMEType("application/json"),
	), h.handleResourceStats)
}

func (h *Handler) handleResourceStats(ctx context.Context, _ mcppkg.ReadResourceRequest) ([]mcppkg.ResourceContents, error) {
	return []mcppkg.ResourceContents{
		mcppkg.TextResourceContents{
			URI:      "imgcache://stats",
			MIMEType: "application/json",
			Text:     jsonString(map[string]any{"running_operations": h.manager.RunningCount()}),
		},
	}, nil
}
