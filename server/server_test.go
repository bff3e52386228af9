package server

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hilli/imgcache/cache"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.Gray{Y: 100})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func newTestServer(t *testing.T, manager *cache.Manager) *Server {
	t.Helper()
	return New(Options{Bind: "127.0.0.1", Port: 0, Manager: manager})
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestHandleImageMissingURL(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/image", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleCachePurgeRequiresPost(t *testing.T) {
	mem := cache.NewMemoryCache(0, 0, true)
	disk, err := cache.NewDiskCache(cache.DiskCacheConfig{Root: t.TempDir(), Namespace: "test"})
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	t.Cleanup(disk.Close)
	imgCache := cache.NewImageCache(cache.ImageCacheConfig{Memory: mem, Disk: disk})
	m := cache.NewManager(cache.ManagerConfig{Cache: imgCache, Downloader: cache.NewHTTPDownloader(nil), Transform: cache.NewTransformExecutor(1), Main: cache.SyncExecutor})
	t.Cleanup(m.Close)

	s := newTestServer(t, m)

	req := httptest.NewRequest(http.MethodGet, "/api/cache/purge", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/cache/purge", nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("POST status = %d, want 204", w.Code)
	}
}

func TestHandleImageFetchesThroughManager(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(testPNG(t))
	}))
	t.Cleanup(upstream.Close)

	mem := cache.NewMemoryCache(0, 0, true)
	disk, err := cache.NewDiskCache(cache.DiskCacheConfig{Root: t.TempDir(), Namespace: "test"})
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	t.Cleanup(disk.Close)
	imgCache := cache.NewImageCache(cache.ImageCacheConfig{Memory: mem, Disk: disk})
	m := cache.NewManager(cache.ManagerConfig{
		Cache:      imgCache,
		Downloader: cache.NewHTTPDownloader(nil),
		Transform:  cache.NewTransformExecutor(1),
		Main:       cache.SyncExecutor,
	})
	t.Cleanup(m.Close)

	s := newTestServer(t, m)

	req := httptest.NewRequest(http.MethodGet, "/image?url="+upstream.URL, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" && ct != "image/png" {
		t.Fatalf("content type = %q, want an image type", ct)
	}
	if w.Body.Len() == 0 {
		t.Fatalf("expected a non-empty image body")
	}
}

func TestHandleFrontendWithoutFSReturns404(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/somewhere", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
