package cache

import (
	"sync"
	"weak"
)

// Cancellable is anything a combined Operation can cancel: the cache-query
// sub-operation dispatched against the facade, or the download
// sub-operation dispatched against a Downloader.
type Cancellable interface {
	Cancel()
}

// Operation is the combined cancellable handle a caller is given for a
// single fetch request. Cancelling it cancels whichever of the query and
// download sub-operations are currently set, and marks the operation so any
// sub-operation set afterward is cancelled immediately on assignment.
type Operation struct {
	mu         sync.Mutex
	cancelled  bool
	queryOp    Cancellable
	downloadOp Cancellable
}

// NewOperation returns an unstarted, uncancelled handle.
func NewOperation() *Operation {
	return &Operation{}
}

// SetQuery attaches the cache-query sub-operation. If the handle was already
// cancelled, c is cancelled immediately.
func (o *Operation) SetQuery(c Cancellable) {
	o.mu.Lock()
	o.queryOp = c
	cancelled := o.cancelled
	o.mu.Unlock()
	if cancelled && c != nil {
		c.Cancel()
	}
}

// SetDownload attaches the download sub-operation. If the handle was already
// cancelled, c is cancelled immediately.
func (o *Operation) SetDownload(c Cancellable) {
	o.mu.Lock()
	o.downloadOp = c
	cancelled := o.cancelled
	o.mu.Unlock()
	if cancelled && c != nil {
		c.Cancel()
	}
}

// Cancel marks the operation cancelled and cancels whichever sub-operations
// are currently set. Idempotent.
func (o *Operation) Cancel() {
	o.mu.Lock()
	o.cancelled = true
	q, d := o.queryOp, o.downloadOp
	o.mu.Unlock()
	if q != nil {
		q.Cancel()
	}
	if d != nil {
		d.Cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (o *Operation) Cancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// WeakCancelFunc returns a cancel hook that holds no strong reference to op.
// The per-target registry hands this hook to things that must be able
// to cancel a running operation (a newer bind() call superseding an older
// one) without keeping the operation itself — and everything it closes
// over, including the caller's completion callback — alive past the point
// where the caller has dropped every other reference to it. Once op is
// otherwise unreachable, the returned func is a no-op.
func WeakCancelFunc(op *Operation) func() {
	w := weak.Make(op)
	return func() {
		if strong := w.Value(); strong != nil {
			strong.Cancel()
		}
	}
}
