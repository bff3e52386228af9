package cache

// Options is a bitset of manager-level request flags controlling how
// FetchImage treats a single fetch.
type Options uint32

const (
	// LowPriority downgrades the download's scheduling class.
	LowPriority Options = 1 << iota
	// ProgressiveDownload enables incremental decoding; forced off when
	// refreshing a cached image.
	ProgressiveDownload
	// RefreshCached dispatches a download even on a cache hit, delivering
	// the cached image first and the re-fetched one second.
	RefreshCached
	// ContinueInBackground lets the download continue across application
	// background transitions. No-op outside a platform that models
	// foreground/background transitions; carried for API parity.
	ContinueInBackground
	// HandleCookies asks the downloader to participate in its cookie jar.
	HandleCookies
	// AllowInvalidSSLCertificates lets the downloader ignore TLS chain
	// errors.
	AllowInvalidSSLCertificates
	// HighPriority upgrades the download's scheduling class.
	HighPriority
	// RetryFailed ignores the failed-URL blacklist for this request.
	RetryFailed
	// CacheMemoryOnly skips persisting a successful download to the disk
	// tier.
	CacheMemoryOnly
	// TransformAnimatedImage permits the transform delegate to run on
	// animated images.
	TransformAnimatedImage
	// AvoidAutoSetImage marks the result as not auto-applied to a bound
	// view; the completion callback owns applying it. View wiring is out of
	// this package's scope — this flag exists for API parity with callers
	// that do implement a view layer on top.
	AvoidAutoSetImage
	// DelayPlaceholder is a view-layer concern; see ShowPlaceholder.
	DelayPlaceholder
)

func (o Options) has(flag Options) bool { return o&flag != 0 }

// ShowPlaceholder reports whether a view should show a placeholder while
// a fetch is in flight: yes unless DelayPlaceholder is set and the
// downloader hasn't yet finished without producing an image.
func ShowPlaceholder(opts Options, downloadFinishedWithoutImage bool) bool {
	return !opts.has(DelayPlaceholder) || downloadFinishedWithoutImage
}

// DownloaderOptions is the downloader-facing bitset that Options maps onto
// one-for-one.
type DownloaderOptions uint32

const (
	DownloaderLowPriority DownloaderOptions = 1 << iota
	DownloaderProgressive
	DownloaderContinueInBackground
	DownloaderHandleCookies
	DownloaderAllowInvalidSSLCertificates
	DownloaderHighPriority
	// DownloaderIgnoreCachedResponse forces the downloader to ignore its
	// own HTTP-level cache for the response body — set when refreshing a
	// cache hit.
	DownloaderIgnoreCachedResponse
)

// ToDownloaderOptions maps manager Options to DownloaderOptions, forcing
// ProgressiveDownload off and DownloaderIgnoreCachedResponse on when
// refreshingWithHit is true: a refresh should never serve an intermediate
// progressive frame or a cached response body in place of the refetch.
func ToDownloaderOptions(opts Options, refreshingWithHit bool) DownloaderOptions {
	var d DownloaderOptions
	if opts.has(LowPriority) {
		d |= DownloaderLowPriority
	}
	if opts.has(ProgressiveDownload) && !refreshingWithHit {
		d |= DownloaderProgressive
	}
	if opts.has(ContinueInBackground) {
		d |= DownloaderContinueInBackground
	}
	if opts.has(HandleCookies) {
		d |= DownloaderHandleCookies
	}
	if opts.has(AllowInvalidSSLCertificates) {
		d |= DownloaderAllowInvalidSSLCertificates
	}
	if opts.has(HighPriority) {
		d |= DownloaderHighPriority
	}
	if refreshingWithHit {
		d |= DownloaderIgnoreCachedResponse
	}
	return d
}
