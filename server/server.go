// Package server exposes the cache daemon over HTTP: an image-fetch proxy
// backed by cache.Manager, cache-admin endpoints, and a server-sent-events
// stream of cache activity.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hilli/imgcache/cache"
	"github.com/hilli/imgcache/config"
)

// Options configures a Server.
type Options struct {
	Bind       string
	Port       int
	FrontendFS fs.FS // optional static asset bundle; nil serves a 404 for non-API paths
	Config     *config.Config
	Manager    *cache.Manager
}

// Server is the HTTP surface over a cache.Manager.
type Server struct {
	opts       Options
	mux        *http.ServeMux
	httpServer *http.Server
	manager    *cache.Manager
	cfg        *config.Config

	sseClientsMu sync.RWMutex
	sseClients   map[chan []byte]struct{}
}

// New builds a Server and registers its routes. It does not start
// listening; call ListenAndServe for that.
func New(opts Options) *Server {
	s := &Server{
		opts:       opts,
		mux:        http.NewServeMux(),
		manager:    opts.Manager,
		cfg:        opts.Config,
		sseClients: make(map[chan []byte]struct{}),
	}
	s.registerRoutes()
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Bind, opts.Port),
		Handler:           loggingMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	log.Printf("server: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	return s.httpServer.Shutdown(context.Background())
}

// Handler exposes the underlying mux, e.g. so main.go can also mount it
// under a tsnet listener.
func (s *Server) Handler() http.Handler {
	return loggingMiddleware(s.mux)
}

// MountMCP wires an MCP handler (see package mcp) under /api/mcp. Must be
// called before ListenAndServe/Handler are used; routes are fixed once the
// mux starts serving.
func (s *Server) MountMCP(handler http.Handler) {
	s.mux.Handle("/api/mcp", handler)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/image", s.handleImage)
	s.mux.HandleFunc("/api/cache/stats", s.handleCacheStats)
	s.mux.HandleFunc("/api/cache/purge", s.handleCachePurge)
	s.mux.HandleFunc("/api/cache/sweep", s.handleCacheSweep)
	s.mux.HandleFunc("/api/cache/cancel", s.handleCacheCancel)
	s.mux.HandleFunc("/events", s.handleSSE)
	s.mux.HandleFunc("/", s.handleFrontend)
}

// loggingResponseWriter captures the status code written, so
// loggingMiddleware can log it after the handler returns, and forwards
// Flush for streaming handlers (SSE).
type loggingResponseWriter struct {
	http.ResponseWriter
	status int
}

func (w *loggingResponseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(lw, r)
		log.Printf("%s %s %d %s", r.Method, r.URL.Path, lw.status, time.Since(start))
	})
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleImage fetches and returns the image at the url query parameter,
// going through the cache manager so repeat requests are served from the
// memory or disk tier instead of re-downloading.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		jsonError(w, http.StatusBadRequest, "missing url query parameter")
		return
	}

	scale := 1.0
	if raw := r.URL.Query().Get("scale"); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "invalid scale query parameter")
			return
		}
		scale = parsed
	}

	var opts cache.Options
	if r.URL.Query().Get("refresh") == "true" {
		opts |= cache.RefreshCached
	}

	type outcome struct {
		img *cache.DecodedImage
		err error
	}
	done := make(chan outcome, 1)

	s.manager.FetchImage(url, opts, scale, "", nil, func(img *cache.DecodedImage, source cache.CacheSourceTag, err error, cancelled bool) {
		if cancelled {
			return
		}
		if err != nil {
			select {
			case done <- outcome{err: err}:
			default:
			}
			return
		}
		if img != nil {
			select {
			case done <- outcome{img: img}:
			default:
				// A RefreshCached request delivers twice (cached hit, then
				// refreshed download); the handler only ever serves the
				// first one back over this particular HTTP response.
			}
		}
	})

	select {
	case res := <-done:
		if res.err != nil {
			jsonError(w, http.StatusBadGateway, res.err.Error())
			return
		}
		writeImage(w, res.img)
	case <-r.Context().Done():
	}
}

func writeImage(w http.ResponseWriter, img *cache.DecodedImage) {
	if img.HasAlpha || img.IsAnimated {
		data, err := cache.EncodePNG(img)
		if err != nil {
			jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(data)
		return
	}
	data, err := cache.EncodeJPEG(img, 90)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(data)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"running_operations": s.manager.RunningCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

func (s *Server) handleCachePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	s.manager.CancelAll()
	s.manager.Cache().RemoveAll(cache.SyncExecutor, nil)
	s.broadcastSSE(map[string]string{"event": "purge"})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCacheSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	s.broadcastSSE(map[string]string{"event": "sweep-started"})
	disk := s.manager.Cache().Disk()
	disk.IO().Run(func() {
		if err := disk.Sweep(); err != nil {
			log.Printf("server: cache sweep: %v", err)
			s.broadcastSSE(map[string]string{"event": "sweep-failed", "error": err.Error()})
			return
		}
		s.broadcastSSE(map[string]string{"event": "sweep-finished"})
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCacheCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	s.manager.CancelAll()
	w.WriteHeader(http.StatusNoContent)
}

// handleSSE streams cache activity events as they're broadcast.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := make(chan []byte, 16)
	s.sseClientsMu.Lock()
	s.sseClients[client] = struct{}{}
	s.sseClientsMu.Unlock()

	defer func() {
		s.sseClientsMu.Lock()
		delete(s.sseClients, client)
		s.sseClientsMu.Unlock()
		close(client)
	}()

	for {
		select {
		case msg := <-client:
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) broadcastSSE(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("server: marshal SSE payload: %v", err)
		return
	}
	s.sseClientsMu.RLock()
	defer s.sseClientsMu.RUnlock()
	for client := range s.sseClients {
		select {
		case client <- data:
		default:
			// Slow client; drop the message rather than block the
			// broadcaster.
		}
	}
}

// handleFrontend serves FrontendFS when configured, falling back to a
// plain 404 for any path that isn't an API route.
func (s *Server) handleFrontend(w http.ResponseWriter, r *http.Request) {
	if s.opts.FrontendFS == nil {
		jsonError(w, http.StatusNotFound, "not found")
		return
	}
	http.FileServer(http.FS(s.opts.FrontendFS)).ServeHTTP(w, r)
}
