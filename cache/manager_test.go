package cache

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeDownloader struct {
	mu      sync.Mutex
	data    []byte
	err     error
	noImage bool // deliver (nil, "", nil, true): an HTTP-cache hit with nothing new
	calls   int32
	delay   time.Duration
	cancels int32
}

func (f *fakeDownloader) Download(ctx context.Context, url string, opts DownloaderOptions, progress ProgressFunc, done DownloadDoneFunc) Cancellable {
	atomic.AddInt32(&f.calls, 1)
	go func() {
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		f.mu.Lock()
		data, err, noImage := f.data, f.err, f.noImage
		f.mu.Unlock()
		if noImage {
			done(nil, "", nil, true)
			return
		}
		done(data, "image/png", err, true)
	}()
	return cancelFunc(func() { atomic.AddInt32(&f.cancels, 1) })
}

// timeoutErr implements net.Error with Timeout()==true, standing in for a
// transient network condition that should not blacklist a url.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func testPNGBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.Gray{Y: 200})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func newTestManager(t *testing.T, downloader Downloader) *Manager {
	t.Helper()
	mem := NewMemoryCache(0, 0, true)
	disk := newTestDiskCache(t, DiskCacheConfig{})
	imgCache := NewImageCache(ImageCacheConfig{Memory: mem, Disk: disk})
	m := NewManager(ManagerConfig{
		Cache:      imgCache,
		Downloader: downloader,
		Transform:  NewTransformExecutor(2),
		Main:       SyncExecutor,
	})
	t.Cleanup(m.Close)
	return m
}

type completionResult struct {
	img       *DecodedImage
	source    CacheSourceTag
	err       error
	cancelled bool
}

func TestManagerFetchImageMiss(t *testing.T) {
	dl := &fakeDownloader{data: testPNGBytes(t)}
	m := newTestManager(t, dl)

	results := make(chan completionResult, 2)
	m.FetchImage("https://example.com/a.png", 0, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		results <- completionResult{img, source, err, cancelled}
	})

	select {
	case res := <-results:
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		if res.img == nil {
			t.Fatalf("expected an image")
		}
		if res.source != SourceNone {
			t.Fatalf("expected source=none for a fresh download, got %v", res.source)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestManagerFetchImageSecondCallHitsCache(t *testing.T) {
	dl := &fakeDownloader{data: testPNGBytes(t)}
	m := newTestManager(t, dl)

	first := make(chan struct{})
	m.FetchImage("https://example.com/a.png", 0, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		close(first)
	})
	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first fetch")
	}

	second := make(chan completionResult, 1)
	m.FetchImage("https://example.com/a.png", 0, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		second <- completionResult{img, source, err, cancelled}
	})

	select {
	case res := <-second:
		if res.source != SourceMemory {
			t.Fatalf("expected second fetch to be served from the memory tier, got source=%v", res.source)
		}
		if atomic.LoadInt32(&dl.calls) != 1 {
			t.Fatalf("downloader called %d times, want 1", dl.calls)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second fetch")
	}
}

func TestManagerFetchImageCoalescesConcurrentMisses(t *testing.T) {
	dl := &fakeDownloader{data: testPNGBytes(t), delay: 50 * time.Millisecond}
	m := newTestManager(t, dl)

	const n = 5
	results := make(chan completionResult, n)
	for i := 0; i < n; i++ {
		// A distinct slot per caller, so no caller's Bind cancels another's.
		m.FetchImage("https://example.com/shared.png", 0, 1, "slot-"+string(rune('a'+i)), nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
			results <- completionResult{img, source, err, cancelled}
		})
	}

	for i := 0; i < n; i++ {
		select {
		case res := <-results:
			if res.err != nil {
				t.Fatalf("unexpected error: %v", res.err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a completion")
		}
	}

	if got := atomic.LoadInt32(&dl.calls); got != 1 {
		t.Fatalf("downloader called %d times, want exactly 1 (coalesced)", got)
	}
}

func TestManagerFetchImageFailedURLFailsFast(t *testing.T) {
	dl := &fakeDownloader{err: errBoom}
	m := newTestManager(t, dl)

	url := "https://example.com/broken.png"

	first := make(chan error, 1)
	m.FetchImage(url, 0, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		first <- err
	})
	select {
	case err := <-first:
		if err == nil {
			t.Fatalf("expected first fetch to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first fetch")
	}

	if !m.isFailed(url) {
		t.Fatalf("expected a non-transient download error to blacklist the url")
	}

	m.MarkFailed(url)
	callsBefore := atomic.LoadInt32(&dl.calls)

	second := make(chan error, 1)
	m.FetchImage(url, 0, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		second <- err
	})
	select {
	case err := <-second:
		if err == nil {
			t.Fatalf("expected second fetch against a known-failed url to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second fetch")
	}

	if atomic.LoadInt32(&dl.calls) != callsBefore {
		t.Fatalf("expected no new downloader call for a known-failed url")
	}
}

func TestManagerFetchImageRetryFailedBypassesBlacklist(t *testing.T) {
	dl := &fakeDownloader{data: testPNGBytes(t)}
	m := newTestManager(t, dl)
	url := "https://example.com/retry.png"
	m.MarkFailed(url)

	done := make(chan error, 1)
	m.FetchImage(url, RetryFailed, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		done <- err
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected RetryFailed to bypass the blacklist, got error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for retried fetch")
	}

	if m.isFailed(url) {
		t.Fatalf("expected a successful retried fetch to clear the blacklist")
	}
}

func TestManagerCachedImageExists(t *testing.T) {
	dl := &fakeDownloader{data: testPNGBytes(t)}
	m := newTestManager(t, dl)
	url := "https://example.com/exists.png"

	if m.CachedImageExists(url) {
		t.Fatalf("expected a miss before any fetch")
	}

	done := make(chan struct{})
	m.FetchImage(url, 0, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fetch")
	}

	if !m.CachedImageExists(url) {
		t.Fatalf("expected a hit after the fetch completed")
	}
}

func TestManagerCancelAll(t *testing.T) {
	dl := &fakeDownloader{data: testPNGBytes(t), delay: 200 * time.Millisecond}
	m := newTestManager(t, dl)

	done := make(chan completionResult, 1)
	m.FetchImage("https://example.com/slow.png", 0, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		done <- completionResult{img, source, err, cancelled}
	})

	// Wait until the download has actually been dispatched, so there is an
	// underlying download for CancelAll to cancel.
	for atomic.LoadInt32(&dl.calls) == 0 {
		time.Sleep(time.Millisecond)
	}
	m.CancelAll()

	select {
	case res := <-done:
		if !res.cancelled {
			t.Fatalf("expected the in-flight fetch to complete as cancelled")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for cancelled fetch to complete")
	}

	if atomic.LoadInt32(&dl.cancels) != 1 {
		t.Fatalf("expected CancelAll to cancel the underlying download, got %d cancels", dl.cancels)
	}
}

func TestManagerFetchImageTransientErrorDoesNotBlacklist(t *testing.T) {
	dl := &fakeDownloader{err: timeoutErr{}}
	m := newTestManager(t, dl)
	url := "https://example.com/flaky.png"

	done := make(chan error, 1)
	m.FetchImage(url, 0, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		done <- err
	})
	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected the fetch to fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fetch")
	}

	if m.isFailed(url) {
		t.Fatalf("expected a transient download error not to blacklist the url")
	}
}

func TestManagerFetchImageStoresDownloadedBytesVerbatim(t *testing.T) {
	data := testPNGBytes(t)
	dl := &fakeDownloader{data: data}
	m := newTestManager(t, dl)

	done := make(chan struct{})
	m.FetchImage("https://example.com/verbatim.png", 0, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fetch")
	}

	key := KeyForURL("https://example.com/verbatim.png", nil)
	got, ok := m.cache.disk.Read(key)
	if !ok {
		t.Fatalf("expected the disk tier to contain the entry")
	}
	if string(got) != string(data) {
		t.Fatalf("disk content = %q, want the downloaded bytes verbatim %q", got, data)
	}
}

func TestManagerFetchImageRefreshCachedSuppressesSecondCompletionOnNoNewImage(t *testing.T) {
	dl := &fakeDownloader{data: testPNGBytes(t)}
	m := newTestManager(t, dl)
	url := "https://example.com/refresh.png"

	first := make(chan struct{})
	m.FetchImage(url, 0, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		close(first)
	})
	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first fetch")
	}

	dl.mu.Lock()
	dl.noImage = true
	dl.mu.Unlock()

	completions := make(chan completionResult, 2)
	op := m.FetchImage(url, RefreshCached, 1, "", nil, func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		completions <- completionResult{img, source, err, cancelled}
	})

	select {
	case res := <-completions:
		if res.img == nil {
			t.Fatalf("expected the cached hit to be delivered first")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the cached-hit completion")
	}

	select {
	case res := <-completions:
		t.Fatalf("expected no second completion when the downloader reports no new image, got %+v", res)
	case <-time.After(200 * time.Millisecond):
	}

	for m.RunningCount() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	_ = op
}
