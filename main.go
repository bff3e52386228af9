package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hilli/imgcache/cache"
	"github.com/hilli/imgcache/config"
	"github.com/hilli/imgcache/mcp"
	"github.com/hilli/imgcache/server"
	"golang.org/x/time/rate"
	"tailscale.com/tsnet"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

// envOrDefault returns the environment variable value if set, otherwise the default.
func envOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

// envBool returns true if the environment variable is set to a truthy value.
func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "1" || v == "true" || v == "yes"
}

// envInt returns the environment variable as an int, or the fallback if unset/invalid.
func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envInt64 returns the environment variable as an int64, or the fallback if unset/invalid.
func envInt64(key string, fallback int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

//nolint:gocyclo // main orchestrates startup/shutdown; splitting would obscure the flow.
func main() {
	var (
		bind           string
		port           int
		showVersion    bool
		namespace      string
		diskRoot       string
		auxRoots       string
		maxCacheAge    string
		maxCacheSizeMB int64
		maxMemCostMB   int
		maxMemCount    int
		memCacheOff    bool
		jpegQuality    int
		lowRateLimit   float64
		highRateLimit  float64

		s3Bucket string
		s3Prefix string
		s3Region string

		tsEnabled  bool
		tsHostname string
		tsAuthKey  string
		tsStateDir string
	)

	flag.StringVar(&bind, "bind", envOrDefault("IMGCACHE_BIND", "127.0.0.1"), "Address to bind to")
	flag.IntVar(&port, "port", envInt("IMGCACHE_PORT", 8088), "Port to listen on")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")

	flag.StringVar(&namespace, "namespace", envOrDefault("IMGCACHE_NAMESPACE", ""), "Disk cache namespace subdirectory (default: config value, \"default\")")
	flag.StringVar(&diskRoot, "disk-root", envOrDefault("IMGCACHE_DISK_ROOT", ""), "Disk cache root directory (default: platform cache dir)")
	flag.StringVar(&auxRoots, "aux-roots", envOrDefault("IMGCACHE_AUX_ROOTS", ""), "Comma-separated list of read-only auxiliary disk directories")
	flag.StringVar(&maxCacheAge, "max-cache-age", envOrDefault("IMGCACHE_MAX_CACHE_AGE", "0"), "Disk cache entry max age (0 = never expire). Examples: 1h, 7d, 30d")
	flag.Int64Var(&maxCacheSizeMB, "max-cache-size-mb", envInt64("IMGCACHE_MAX_CACHE_SIZE_MB", 0), "Disk cache max size in MB (0 = unbounded)")
	flag.IntVar(&maxMemCostMB, "max-mem-cost-mb", envInt("IMGCACHE_MAX_MEM_COST_MB", 50), "Max memory cache cost in MB")
	flag.IntVar(&maxMemCount, "max-mem-count", envInt("IMGCACHE_MAX_MEM_COUNT", 0), "Max memory cache entry count (0 = unbounded)")
	flag.BoolVar(&memCacheOff, "no-mem-cache", envBool("IMGCACHE_NO_MEM_CACHE"), "Disable the in-memory cache tier entirely")
	flag.IntVar(&jpegQuality, "jpeg-quality", envInt("IMGCACHE_JPEG_QUALITY", 0), "JPEG re-encode quality for opaque images (0 = config value, default 90)")
	flag.Float64Var(&lowRateLimit, "low-priority-rate", 0, "Low-priority download rate limit in requests/sec (0 = unthrottled)")
	flag.Float64Var(&highRateLimit, "high-priority-rate", 0, "High-priority download rate limit in requests/sec (0 = unthrottled)")

	flag.StringVar(&s3Bucket, "s3-aux-bucket", envOrDefault("IMGCACHE_S3_AUX_BUCKET", ""), "Optional S3 bucket to consult as a read-only auxiliary source")
	flag.StringVar(&s3Prefix, "s3-aux-prefix", envOrDefault("IMGCACHE_S3_AUX_PREFIX", ""), "Key prefix within the S3 auxiliary bucket")
	flag.StringVar(&s3Region, "s3-aux-region", envOrDefault("IMGCACHE_S3_AUX_REGION", ""), "AWS region for the S3 auxiliary bucket (default: AWS config chain)")

	flag.BoolVar(&tsEnabled, "tailscale", envBool("TS_ENABLED"), "Enable Tailscale listener")
	flag.StringVar(&tsHostname, "tailscale-hostname", envOrDefault("TS_HOSTNAME", "imgcache"), "Hostname on the tailnet")
	flag.StringVar(&tsAuthKey, "tailscale-authkey", envOrDefault("TS_AUTHKEY", ""), "Tailscale auth key for headless login")
	flag.StringVar(&tsStateDir, "tailscale-dir", envOrDefault("TS_STATE_DIR", ""), "Directory for Tailscale state persistence")

	flag.Parse()

	if showVersion {
		fmt.Printf("imgcache %s (%s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("Warning: could not load config: %v", err)
	}

	// Flags override the on-disk config where both could apply.
	if namespace != "" {
		cfg.Namespace = namespace
	}
	if diskRoot != "" {
		cfg.DiskRoot = diskRoot
	}
	if maxCacheAge != "0" {
		cfg.MaxCacheAge = maxCacheAge
	}
	if maxCacheSizeMB != 0 {
		cfg.MaxCacheSizeMB = maxCacheSizeMB
	}
	if jpegQuality != 0 {
		cfg.JPEGQuality = jpegQuality
	}
	if memCacheOff {
		cfg.ShouldCacheImagesInMemory = false
	}

	resolvedDiskRoot, err := cfg.ResolvedDiskRoot()
	if err != nil {
		log.Fatalf("resolve disk cache root: %v", err)
	}
	maxAge, err := cfg.MaxCacheAgeDuration()
	if err != nil {
		log.Fatalf("invalid --max-cache-age: %v", err)
	}

	disk, err := cache.NewDiskCache(cache.DiskCacheConfig{
		Root:      resolvedDiskRoot,
		Namespace: cfg.Namespace,
		MaxAge:    maxAge,
		MaxSize:   cfg.MaxCacheSizeMB * 1024 * 1024,
	})
	if err != nil {
		log.Fatalf("create disk cache: %v", err)
	}
	defer disk.Close()

	for _, root := range cfg.GetAuxRoots() {
		disk.AddAuxRoot(cache.NewLocalAuxRoot(root.Path))
	}
	for _, raw := range strings.Split(auxRoots, ",") {
		path := strings.TrimSpace(raw)
		if path == "" {
			continue
		}
		disk.AddAuxRoot(cache.NewLocalAuxRoot(path))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, src := range cfg.GetS3AuxSources() {
		s3Source, err := cache.NewS3AuxSource(ctx, cache.S3AuxConfig{Bucket: src.Bucket, Prefix: src.Prefix, Region: src.Region})
		if err != nil {
			log.Printf("Warning: could not configure S3 auxiliary source %q: %v", src.Bucket, err)
			continue
		}
		disk.AddAuxRoot(s3Source)
	}
	if s3Bucket != "" {
		s3Source, err := cache.NewS3AuxSource(ctx, cache.S3AuxConfig{Bucket: s3Bucket, Prefix: s3Prefix, Region: s3Region})
		if err != nil {
			log.Printf("Warning: could not configure S3 auxiliary source: %v", err)
		} else {
			disk.AddAuxRoot(s3Source)
		}
	}

	mem := cache.NewMemoryCache(uint64(maxMemCostMB)*1024*1024, maxMemCount, cfg.ShouldCacheImagesInMemory)
	imgCache := cache.NewImageCache(cache.ImageCacheConfig{Memory: mem, Disk: disk, JPEGQuality: cfg.JPEGQuality})

	manager := cache.NewManager(cache.ManagerConfig{
		Cache:             imgCache,
		Downloader:        cache.NewHTTPDownloader(nil),
		Transform:         cache.NewTransformExecutor(0),
		Main:              cache.GoExecutor,
		LowPriorityRate:   rate.Limit(lowRateLimit),
		LowPriorityBurst:  1,
		HighPriorityRate:  rate.Limit(highRateLimit),
		HighPriorityBurst: 1,
	})
	defer manager.Close()

	srv := server.New(server.Options{
		Bind:    bind,
		Port:    port,
		Config:  cfg,
		Manager: manager,
	})
	srv.MountMCP(mcp.NewMCPHandler(manager))

	// Tailscale listener (optional)
	var tsServer *tsnet.Server
	if tsEnabled {
		tsServer = &tsnet.Server{
			Hostname: tsHostname,
		}
		if tsAuthKey != "" {
			tsServer.AuthKey = tsAuthKey
		}
		if tsStateDir != "" {
			tsServer.Dir = tsStateDir
		}

		if err := tsServer.Start(); err != nil {
			log.Fatalf("Tailscale error: %v", err)
		}

		ln, err := tsServer.ListenTLS("tcp", ":443")
		if err != nil {
			log.Fatalf("Tailscale ListenTLS error: %v", err)
		}

		go func() {
			log.Printf("Tailscale HTTPS listener active on %s:443", tsHostname)
			if err := http.Serve(ln, srv.Handler()); err != nil { //nolint:gosec // local Tailscale listener, timeouts not needed
				log.Fatalf("Tailscale serve error: %v", err)
			}
		}()
	}

	// Graceful shutdown: wait for signal, then drain connections.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	addr := fmt.Sprintf("%s:%d", bind, port)
	log.Printf("Starting imgcache %s on http://%s", version, addr)

	// Run the HTTP server in a goroutine so the main goroutine can wait for signals.
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	// Block until we get a signal or the server fails to start.
	select {
	case err := <-srvErr:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down...", sig)
	}

	// Give in-flight requests up to 5 seconds to finish.
	shutdownDone := make(chan struct{})
	go func() {
		if err := srv.Shutdown(); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(5 * time.Second):
		log.Printf("HTTP server shutdown timed out")
	}

	if tsServer != nil {
		_ = tsServer.Close()
	}

	log.Println("Shutdown complete")
}
