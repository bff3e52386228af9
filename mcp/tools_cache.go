package mcp

import (
	"context"
	"time"

	"github.com/hilli/imgcache/cache"
	mcppkg "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

func (h *Handler) registerCacheTools(s *server.MCPServer) {
	s.AddTool(mcppkg.NewTool("fetch_image",
		mcppkg.WithDescription("Fetch an image by URL, serving it from the cache when possible and downloading otherwise."),
		mcppkg.WithString("url", mcppkg.Required(), mcppkg.Description("The image URL to fetch.")),
		mcppkg.WithBoolean("refresh", mcppkg.Description("Re-download even if a cached copy exists.")),
	), h.handleFetchImage)

	s.AddTool(mcppkg.NewTool("cached_image_exists",
		mcppkg.WithDescription("Check whether an image URL is already present in the cache, without fetching it."),
		mcppkg.WithString("url", mcppkg.Required(), mcppkg.Description("The image URL to check.")),
	), h.handleCachedImageExists)

	s.AddTool(mcppkg.NewTool("purge_cache",
		mcppkg.WithDescription("Cancel every in-flight fetch. Does not clear already-cached entries."),
	), h.handlePurgeCache)

	s.AddTool(mcppkg.NewTool("cache_stats",
		mcppkg.WithDescription("Report how many fetches are currently in flight."),
	), h.handleCacheStats)
}

func (h *Handler) handleFetchImage(ctx context.Context, req mcppkg.CallToolRequest) (*mcppkg.CallToolResult, error) {
	url, err := req.RequireString("url")
	if err != nil {
		return mcppkg.NewToolResultError(err.Error()), nil
	}

	var opts cache.Options
	if req.GetBool("refresh", false) {
		opts |= cache.RefreshCached
	}

	type result struct {
		width, height int
		source        cache.CacheSourceTag
		err           error
	}
	done := make(chan result, 1)

	h.manager.FetchImage(url, opts, 1, "", nil, func(img *cache.DecodedImage, source cache.CacheSourceTag, err error, cancelled bool) {
		if cancelled {
			return
		}
		if err != nil {
			select {
			case done <- result{err: err}:
			default:
			}
			return
		}
		if img != nil {
			select {
			case done <- result{width: img.Width, height: img.Height, source: source}:
			default:
			}
		}
	})

	select {
	case res := <-done:
		if res.err != nil {
			return mcppkg.NewToolResultError(res.err.Error()), nil
		}
		return mcppkg.NewToolResultText(jsonString(map[string]any{
			"url":    url,
			"width":  res.width,
			"height": res.height,
			"source": res.source.String(),
		})), nil
	case <-ctx.Done():
		return mcppkg.NewToolResultError("fetch_image: " + ctx.Err().Error()), nil
	case <-time.After(30 * time.Second):
		return mcppkg.NewToolResultError("fetch_image: timed out"), nil
	}
}

func (h *Handler) handleCachedImageExists(ctx context.Context, req mcppkg.CallToolRequest) (*mcppkg.CallToolResult, error) {
	url, err := req.RequireString("url")
	if err != nil {
		return mcppkg.NewToolResultError(err.Error()), nil
	}
	exists := h.manager.CachedImageExists(url)
	return mcppkg.NewToolResultText(jsonString(map[string]any{"url": url, "cached": exists})), nil
}

func (h *Handler) handlePurgeCache(ctx context.Context, req mcppkg.CallToolRequest) (*mcppkg.CallToolResult, error) {
	h.manager.CancelAll()
	return mcppkg.NewToolResultText(jsonString(map[string]any{"purged": true})), nil
}

func (h *Handler) handleCacheStats(ctx context.Context, req mcppkg.CallToolRequest) (*mcppkg.CallToolResult, error) {
	return mcppkg.NewToolResultText(jsonString(map[string]any{
		"running_operations": h.manager.RunningCount(),
	})), nil
}
