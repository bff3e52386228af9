package cache

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// TransformFunc post-processes a freshly decoded image before it is stored
// and handed to the caller, e.g. resizing or recompressing. A nil
// TransformFunc disables the step entirely.
type TransformFunc func(img *DecodedImage) (*DecodedImage, error)

// CacheSourceTag reports which tier, if any, served a completion's image.
type CacheSourceTag int

const (
	// SourceNone means the image did not come from either cache tier (a
	// fresh download).
	SourceNone CacheSourceTag = iota
	// SourceMemory means the memory tier served the image.
	SourceMemory
	// SourceDisk means the disk tier served the image (and, per the
	// facade's promotion rule, it is now also in the memory tier).
	SourceDisk
)

// String renders the tag the way it's reported over the wire (MCP tool
// results, HTTP responses): lowercase, matching the constant name.
func (t CacheSourceTag) String() string {
	switch t {
	case SourceMemory:
		return "memory"
	case SourceDisk:
		return "disk"
	default:
		return "none"
	}
}

// CompletionFunc is invoked exactly once per FetchImage call (twice when
// RefreshCached hits and the refetch isn't suppressed), on the manager's
// main executor. cancelled is true only when the returned Operation was
// cancelled before a result was available; err is non-nil when url is
// blacklisted or on a download, decode or store failure (a failing transform
// is not reported: the untransformed image is delivered instead); img is
// non-nil on any success (including a cache hit
// with RefreshCached still pending in the background).
type CompletionFunc func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool)

// Manager is the download-coalescing orchestrator: it wires a query
// against the ImageCache facade to a conditional download and store, ties
// both to a single combined Operation, coalesces concurrent requests for
// the same key via singleflight, and remembers URLs that have already
// failed so repeat requests fail fast instead of re-downloading.
type Manager struct {
	cache      *ImageCache
	downloader Downloader
	registry   *Registry
	transform  *TransformExecutor
	delegate   TransformFunc
	main       Executor
	keyFilter  KeyFilter

	group singleflight.Group

	lowLimiter  *rate.Limiter
	highLimiter *rate.Limiter

	failedMu sync.Mutex
	failed   map[string]time.Time

	runningMu sync.Mutex
	running   map[string]*Operation

	downloadsMu sync.Mutex
	downloads   map[string]*downloadSlot

	ctx    context.Context
	cancel context.CancelFunc
}

// downloadSlot tracks the real Cancellable behind a coalesced download, so
// that cancelling every caller sharing it actually stops the in-flight
// request instead of merely dropping its local delivery. Guarded by the
// owning Manager's downloadsMu.
type downloadSlot struct {
	handle    Cancellable
	waiters   int
	cancelled bool
}

// ManagerConfig wires a Manager's collaborators.
type ManagerConfig struct {
	Cache      *ImageCache
	Downloader Downloader
	Transform  *TransformExecutor
	Delegate   TransformFunc
	Main       Executor // defaults to GoExecutor
	KeyFilter  KeyFilter

	// LowPriorityRate/HighPriorityRate emulate scheduling-class dispatch
	// order via token-bucket limiters; this is a scheduling hint, not a
	// correctness guarantee. 0 disables throttling for that class.
	LowPriorityRate   rate.Limit
	LowPriorityBurst  int
	HighPriorityRate  rate.Limit
	HighPriorityBurst int
}

// NewManager builds a Manager. cfg.Cache and cfg.Downloader must be
// non-nil.
func NewManager(cfg ManagerConfig) *Manager {
	main := cfg.Main
	if main == nil {
		main = GoExecutor
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cache:      cfg.Cache,
		downloader: cfg.Downloader,
		registry:   NewRegistry(),
		transform:  cfg.Transform,
		delegate:   cfg.Delegate,
		main:       main,
		keyFilter:  cfg.KeyFilter,
		failed:     make(map[string]time.Time),
		running:    make(map[string]*Operation),
		downloads:  make(map[string]*downloadSlot),
		ctx:        ctx,
		cancel:     cancel,
	}
	if cfg.LowPriorityRate > 0 {
		m.lowLimiter = rate.NewLimiter(cfg.LowPriorityRate, max(cfg.LowPriorityBurst, 1))
	}
	if cfg.HighPriorityRate > 0 {
		m.highLimiter = rate.NewLimiter(cfg.HighPriorityRate, max(cfg.HighPriorityBurst, 1))
	}
	return m
}

// Close stops any in-flight shared downloads from delivering further and
// cancels every outstanding operation. The manager must not be used after
// Close.
func (m *Manager) Close() {
	m.registry.CancelAll()
	m.cancel()
}

// FetchImage queries the cache, and on a miss (or on a hit with
// RefreshCached set) dispatches a coalesced download, decode, optional
// transform, and store. slot disambiguates
// multiple concurrent callers interested in the same url but not wanting to
// cancel each other (e.g. two distinct views); pass "" when there is only
// ever one caller per url.
func (m *Manager) FetchImage(url string, opts Options, scale float64, slot string, progress ProgressFunc, completion CompletionFunc) *Operation {
	key := KeyForURL(url, m.keyFilter)
	op := NewOperation()

	var queryCancelled atomic.Bool
	op.SetQuery(cancelFunc(func() { queryCancelled.Store(true) }))

	unbind := m.registry.Bind(url, slot, WeakCancelFunc(op))
	m.trackRunning(key, op)

	// cleanup removes the operation from RunningOperations and unbinds it
	// from the registry without delivering a completion: used for the
	// RefreshCached-with-hit HTTP-cache-hit suppression path, where a
	// completion was already delivered for the cached image and the
	// refetch has nothing new to report.
	cleanup := func() {
		m.untrackRunning(key, op)
		unbind()
	}
	finish := func(img *DecodedImage, source CacheSourceTag, err error, cancelled bool) {
		cleanup()
		if completion != nil {
			m.main.Run(func() { completion(img, source, err, cancelled) })
		}
	}

	// Step 1: fail fast for URLs already known bad, unless RetryFailed.
	if !opts.has(RetryFailed) && m.isFailed(url) {
		finish(nil, SourceNone, fmt.Errorf("fetch image: %s previously failed", url), false)
		return op
	}

	// Step 2: query the cache. Runs inline (SyncExecutor) since the
	// continuation itself dispatches further async work; the facade still
	// does its own disk IO on its own serial executor underneath.
	m.cache.Query(key, scale, SyncExecutor, func(img *DecodedImage, fromDisk bool) {
		if op.Cancelled() || queryCancelled.Load() {
			finish(nil, SourceNone, nil, true)
			return
		}

		hit := img != nil
		if hit {
			source := SourceMemory
			if fromDisk {
				source = SourceDisk
			}
			if completion != nil {
				m.main.Run(func() { completion(img, source, nil, false) })
			}
			if !opts.has(RefreshCached) {
				cleanup()
				return
			}
		}

		// Step 3/4/5: no cached image, or refreshing a hit — download,
		// decode, transform, store.
		m.dispatchDownload(op, key, url, opts, scale, hit, progress, cleanup, finish)
	})

	return op
}

// CancelAll cancels every outstanding operation. Used for a purge-cache
// request that should also stop in-flight downloads feeding it.
func (m *Manager) CancelAll() {
	m.registry.CancelAll()
}

// MarkFailed records url as having failed, so subsequent requests (absent
// RetryFailed) fail fast instead of re-downloading.
func (m *Manager) MarkFailed(url string) {
	m.failedMu.Lock()
	m.failed[url] = time.Now()
	m.failedMu.Unlock()
}

// ClearFailed forgets url's failure record, if any.
func (m *Manager) ClearFailed(url string) {
	m.failedMu.Lock()
	delete(m.failed, url)
	m.failedMu.Unlock()
}

// ClearAllFailed empties the failed-URL blacklist entirely.
func (m *Manager) ClearAllFailed() {
	m.failedMu.Lock()
	m.failed = make(map[string]time.Time)
	m.failedMu.Unlock()
}

func (m *Manager) isFailed(url string) bool {
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	_, ok := m.failed[url]
	return ok
}

func (m *Manager) trackRunning(key string, op *Operation) {
	m.runningMu.Lock()
	m.running[key] = op
	m.runningMu.Unlock()
}

func (m *Manager) untrackRunning(key string, op *Operation) {
	m.runningMu.Lock()
	if m.running[key] == op {
		delete(m.running, key)
	}
	m.runningMu.Unlock()
}

// Cache exposes the underlying ImageCache, e.g. for an admin endpoint that
// wants to trigger a disk sweep or read tier-level stats directly.
func (m *Manager) Cache() *ImageCache {
	return m.cache
}

// CachedImageExists reports whether url is already present in either tier,
// without dispatching a download. Useful for a "is this cached?" probe that
// shouldn't have the side effect of fetching on a miss.
func (m *Manager) CachedImageExists(url string) bool {
	key := KeyForURL(url, m.keyFilter)
	if m.cache.memory.Get(key) != nil {
		return true
	}
	return m.cache.disk.Exists(key)
}

// RunningCount reports how many distinct keys currently have an operation
// in flight.
func (m *Manager) RunningCount() int {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()
	return len(m.running)
}

// rawResult is what a coalesced download produces before per-caller decode.
type rawResult struct {
	data        []byte
	contentType string
}

// acquireDownloadSlot returns the downloadSlot shared by every caller
// currently coalesced onto key's download, creating one if this is the
// first. Every caller that joins must eventually call releaseDownloadSlot.
func (m *Manager) acquireDownloadSlot(key string) *downloadSlot {
	m.downloadsMu.Lock()
	defer m.downloadsMu.Unlock()
	slot, ok := m.downloads[key]
	if !ok {
		slot = &downloadSlot{}
		m.downloads[key] = slot
	}
	slot.waiters++
	return slot
}

// setDownloadHandle records the real Cancellable backing a slot, cancelling
// it immediately if every waiter had already asked to cancel in the
// meantime.
func (m *Manager) setDownloadHandle(slot *downloadSlot, handle Cancellable) {
	m.downloadsMu.Lock()
	defer m.downloadsMu.Unlock()
	slot.handle = handle
	if slot.cancelled {
		handle.Cancel()
	}
}

// releaseDownloadSlot drops this caller's stake in slot. The underlying
// download is only cancelled once every caller sharing it has either
// cancelled or received its result, so one caller cancelling doesn't stop a
// download other coalesced callers are still waiting on.
func (m *Manager) releaseDownloadSlot(key string, slot *downloadSlot, cancel bool) {
	m.downloadsMu.Lock()
	defer m.downloadsMu.Unlock()
	slot.waiters--
	if cancel {
		slot.cancelled = true
	}
	if slot.waiters > 0 {
		return
	}
	delete(m.downloads, key)
	if slot.cancelled && slot.handle != nil {
		slot.handle.Cancel()
	}
}

// dispatchDownload runs the priority wait, the coalesced fetch, decode,
// optional transform, and store, then calls finish exactly once (or, for
// the RefreshCached-with-hit HTTP-cache-hit case, calls cleanup instead of
// delivering a second completion).
func (m *Manager) dispatchDownload(op *Operation, key, url string, opts Options, scale float64, refreshingWithHit bool, progress ProgressFunc, cleanup func(), finish func(*DecodedImage, CacheSourceTag, error, bool)) {
	dOpts := ToDownloaderOptions(opts, refreshingWithHit)

	if err := m.waitPriority(m.ctx, opts); err != nil {
		finish(nil, SourceNone, nil, true)
		return
	}

	callCancel := make(chan struct{})
	op.SetDownload(cancelFunc(onceClose(callCancel)))

	slot := m.acquireDownloadSlot(key)

	resultCh := m.group.DoChan(key, func() (interface{}, error) {
		doneCh := make(chan rawResult, 1)
		errCh := make(chan error, 1)
		handle := m.downloader.Download(m.ctx, url, dOpts, progress, func(data []byte, contentType string, err error, finished bool) {
			if !finished {
				// Progressive/intermediate frames are a rendering concern
				// outside this package's scope; only the final callback
				// resolves the coalesced group.
				return
			}
			if err != nil {
				errCh <- err
				return
			}
			doneCh <- rawResult{data: data, contentType: contentType}
		})
		m.setDownloadHandle(slot, handle)
		select {
		case res := <-doneCh:
			return res, nil
		case err := <-errCh:
			return nil, err
		}
	})

	go func() {
		select {
		case <-callCancel:
			m.releaseDownloadSlot(key, slot, true)
			finish(nil, SourceNone, nil, true)
		case res := <-resultCh:
			m.releaseDownloadSlot(key, slot, false)
			m.handleDownloadResult(key, url, opts, scale, refreshingWithHit, res, cleanup, finish)
		}
	}()
}

func (m *Manager) handleDownloadResult(key, url string, opts Options, scale float64, refreshingWithHit bool, res singleflight.Result, cleanup func(), finish func(*DecodedImage, CacheSourceTag, error, bool)) {
	if res.Err != nil {
		if !isTransientDownloadError(res.Err) {
			m.MarkFailed(url)
		}
		finish(nil, SourceNone, fmt.Errorf("download %s: %w", key, res.Err), false)
		return
	}
	raw, ok := res.Val.(rawResult)
	if !ok {
		finish(nil, SourceNone, fmt.Errorf("download %s: unexpected result type", key), false)
		return
	}

	if opts.has(RetryFailed) {
		m.ClearFailed(url)
	}

	if raw.data == nil {
		// The downloader resolved to its own cached response with nothing
		// new: a refresh of an existing hit has nothing further to report,
		// so the second completion is suppressed entirely.
		if refreshingWithHit {
			cleanup()
			return
		}
		finish(nil, SourceNone, nil, false)
		return
	}

	img, err := Decode(raw.data, scale)
	if err != nil {
		finish(nil, SourceNone, fmt.Errorf("decode %s: %w", key, err), false)
		return
	}

	applyTransform := m.delegate != nil && (!img.IsAnimated || opts.has(TransformAnimatedImage))
	if !applyTransform {
		m.storeAndFinish(key, opts, img, raw.data, false, finish)
		return
	}

	m.transform.Submit(m.ctx, func(ctx context.Context) error {
		transformed, terr := m.delegate(img)
		if terr != nil {
			// A failing transform is not fatal: store and deliver the
			// untransformed decode, treated as if no transform were applied.
			m.storeAndFinish(key, opts, img, raw.data, false, finish)
			return terr
		}
		m.storeAndFinish(key, opts, transformed, raw.data, transformed != img, finish)
		return nil
	}, func(err error) {
		log.Printf("Warning: transform %s: %v", key, err)
	})
}

func (m *Manager) storeAndFinish(key string, opts Options, img *DecodedImage, data []byte, recalculate bool, finish func(*DecodedImage, CacheSourceTag, error, bool)) {
	storeOpts := StoreOptions{
		Data:        data,
		Recalculate: recalculate,
		SkipDisk:    opts.has(CacheMemoryOnly),
	}
	m.cache.Store(key, img, storeOpts, SyncExecutor, func(err error) {
		finish(img, SourceNone, err, false)
	})
}

// waitPriority blocks the calling goroutine on whichever priority limiter
// opts selects, if any, so that low-priority requests fall behind
// high-priority ones under contention without starving either outright.
func (m *Manager) waitPriority(ctx context.Context, opts Options) error {
	switch {
	case opts.has(HighPriority) && m.highLimiter != nil:
		return m.highLimiter.Wait(ctx)
	case opts.has(LowPriority) && m.lowLimiter != nil:
		return m.lowLimiter.Wait(ctx)
	default:
		return nil
	}
}

// cancelFunc adapts a plain func to Cancellable.
type cancelFunc func()

func (f cancelFunc) Cancel() { f() }

// onceClose returns a func that closes ch the first time it's called and
// is a no-op thereafter.
func onceClose(ch chan struct{}) func() {
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}
