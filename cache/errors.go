package cache

import (
	"context"
	"errors"
	"net"
)

// isTransientDownloadError reports whether err represents a download
// failure that is expected to resolve itself without the caller changing
// anything: cancellation, a deadline, or a network/DNS condition that can
// clear up on its own. These causes do not get the URL blacklisted, unlike
// a definitive failure (404, malformed image, TLS validation failure).
func isTransientDownloadError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// A DNS error already reports itself as Timeout() when applicable;
		// anything else here is "cannot find host" (NXDOMAIN, no such host).
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// Connection refused, network/host unreachable, not-connected: the
		// transport never got a byte back from the origin, as opposed to
		// getting a byte back that says "no" (bad status, TLS failure).
		return true
	}

	return false
}
