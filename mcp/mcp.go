// Package mcp provides an MCP (Model Context Protocol) server for AI
// assistant control of the image cache daemon. It exposes fetch/purge/stats
// tools and a stats resource over cache.Manager.
package mcp

import (
	"encoding/json"
	"net/http"

	"github.com/hilli/imgcache/cache"
	mcppkg "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Handler holds the shared dependencies needed by all MCP tool/resource
// handlers.
type Handler struct {
	manager *cache.Manager
}

// NewMCPHandler creates a fully-configured MCP server with every tool and
// resource registered, and returns it as an http.Handler suitable for
// mounting on an existing ServeMux.
func NewMCPHandler(manager *cache.Manager) http.Handler {
	h := &Handler{manager: manager}

	s := server.NewMCPServer("imgcache", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions("MCP server for controlling an asynchronous two-tier image cache. "+
			"Provides tools to fetch (and cache) images by URL, check whether an image "+
			"is already cached, report cache statistics, and purge or cancel in-flight work."),
	)

	h.registerCacheTools(s)
	h.registerResources(s)

	return server.NewStreamableHTTPServer(s)
}

// jsonString marshals v to a JSON string, returning "{}" on error.
func jsonString(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
