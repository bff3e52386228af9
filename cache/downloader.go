package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// ProgressFunc reports download progress; totalBytes is -1 when the server
// did not send a Content-Length.
type ProgressFunc func(receivedBytes, totalBytes int64)

// DownloadDoneFunc delivers a download's outcome: data and a content type,
// a non-nil err, or neither (nil data, nil err) when the HTTP layer
// resolved the request to its own cached response with nothing new to
// deliver (an HTTP 304). finished is false only while a progressive decode
// is still delivering intermediate frames; the last call always has
// finished true. Cancelling the returned Cancellable before completion does
// not suppress the call: done is still called once, with the request
// context's cancellation error.
type DownloadDoneFunc func(data []byte, contentType string, err error, finished bool)

// Downloader is the download sub-operation's contract. A concrete
// implementation owns transport concerns (TLS, cookies, proxies); the
// manager only ever calls Download and holds onto the returned Cancellable.
type Downloader interface {
	Download(ctx context.Context, url string, opts DownloaderOptions, progress ProgressFunc, done DownloadDoneFunc) Cancellable
}

// HTTPDownloader is the production Downloader, built on net/http.
type HTTPDownloader struct {
	client *http.Client
}

// NewHTTPDownloader wraps client. A nil client uses http.DefaultClient.
func NewHTTPDownloader(client *http.Client) *HTTPDownloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDownloader{client: client}
}

// downloadHandle is the Cancellable returned by Download: cancelling it
// cancels the in-flight request's context.
type downloadHandle struct {
	cancel context.CancelFunc
	once   sync.Once
}

func (h *downloadHandle) Cancel() {
	h.once.Do(h.cancel)
}

// Download issues a GET request for url on a fresh goroutine and delivers
// the result via done, honoring opts for TLS verification and cookie-jar
// participation. HandleCookies is a no-op unless the underlying client
// already carries a Jar: the downloader participates in whatever cookie
// store it's configured with, it does not create one.
func (d *HTTPDownloader) Download(ctx context.Context, url string, opts DownloaderOptions, progress ProgressFunc, done DownloadDoneFunc) Cancellable {
	reqCtx, cancel := context.WithCancel(ctx)
	handle := &downloadHandle{cancel: cancel}

	client := d.client
	if opts&DownloaderAllowInvalidSSLCertificates != 0 {
		client = cloneClientInsecure(client)
	}
	if opts&DownloaderHandleCookies == 0 && client.Jar != nil {
		noJar := *client
		noJar.Jar = nil
		client = &noJar
	}

	go func() {
		data, contentType, err := doDownload(reqCtx, client, url, progress)
		done(data, contentType, err, true)
	}()

	return handle
}

func doDownload(ctx context.Context, client *http.Client, url string, progress ProgressFunc) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	// A 304 means the client's own cache (e.g. a caching RoundTripper) or a
	// conditional request validated against the origin with nothing new to
	// report: no image, no error.
	if resp.StatusCode == http.StatusNotModified {
		return nil, "", nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	total := resp.ContentLength
	reader := io.Reader(resp.Body)
	if progress != nil {
		reader = &progressReader{r: resp.Body, total: total, report: progress}
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", fmt.Errorf("read body of %s: %w", url, err)
	}

	return data, resp.Header.Get("Content-Type"), nil
}

// progressReader wraps an io.Reader, calling report after every Read with
// the running total of bytes seen.
type progressReader struct {
	r        io.Reader
	total    int64
	received int64
	report   ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.received += int64(n)
		p.report(p.received, p.total)
	}
	return n, err
}

// cloneClientInsecure returns an *http.Client sharing base's settings
// except for a transport configured with InsecureSkipVerify, for the
// AllowInvalidSSLCertificates option. A fresh *http.Transport is used when
// base's isn't one, since there is no portable way to clone an arbitrary
// http.RoundTripper's TLS config.
func cloneClientInsecure(base *http.Client) *http.Client {
	clone := *base
	var tr *http.Transport
	if existing, ok := base.Transport.(*http.Transport); ok && existing != nil {
		tr = existing.Clone()
	} else {
		tr = http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert // stdlib default is always *http.Transport
	}
	if tr.TLSClientConfig == nil {
		tr.TLSClientConfig = &tls.Config{} //nolint:gosec // InsecureSkipVerify set explicitly below, opt-in per request
	} else {
		tr.TLSClientConfig = tr.TLSClientConfig.Clone()
	}
	tr.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // explicit opt-in via AllowInvalidSSLCertificates
	clone.Transport = tr
	return &clone
}
