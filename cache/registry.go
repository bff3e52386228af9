package cache

import "sync"

// registryKey identifies a binding slot: typically (target URL, view slot)
// in a UI caller, but the package only ever treats both halves as opaque
// strings.
type registryKey struct {
	target string
	slot   string
}

// Registry is the per-target operation registry: it remembers which
// operation's cancel hook (or sequence of hooks, when a caller binds several
// operations under one slot) is currently outstanding for a given
// (target, slot) pair, and cancels
// whatever was there before a new bind() for the same pair.
type Registry struct {
	mu      sync.Mutex
	entries map[registryKey][]func()
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[registryKey][]func())}
}

// Bind registers cancelHooks under (target, slot), cancelling and replacing
// whatever sequence of hooks was previously bound there. The returned
// unbind func removes the entry if it is still the current occupant —
// calling it after a later Bind for the same (target, slot) is a no-op, so
// a completion callback can safely defer unbind() without tearing down a
// newer request's registration.
func (r *Registry) Bind(target, slot string, cancelHooks ...func()) (unbind func()) {
	key := registryKey{target: target, slot: slot}

	r.mu.Lock()
	prior := r.entries[key]
	r.entries[key] = cancelHooks
	r.mu.Unlock()

	for _, cancel := range prior {
		cancel()
	}

	return func() {
		r.mu.Lock()
		current, ok := r.entries[key]
		if ok && sameHooks(current, cancelHooks) {
			delete(r.entries, key)
		}
		r.mu.Unlock()
	}
}

// Cancel cancels and removes whatever is currently bound at (target, slot),
// if anything.
func (r *Registry) Cancel(target, slot string) {
	key := registryKey{target: target, slot: slot}

	r.mu.Lock()
	hooks := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	for _, cancel := range hooks {
		cancel()
	}
}

// CancelAll cancels and removes every outstanding binding, e.g. in response
// to a purge-cache request that should also stop in-flight downloads.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	all := r.entries
	r.entries = make(map[registryKey][]func())
	r.mu.Unlock()

	for _, hooks := range all {
		for _, cancel := range hooks {
			cancel()
		}
	}
}

// Len reports the number of distinct (target, slot) bindings outstanding.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// sameHooks compares two hook slices by identity of their backing array,
// which is sufficient here since Bind always passes a freshly built slice:
// two bindings for the same (target, slot) never share a backing array
// unless one literally is the other.
func sameHooks(a, b []func()) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}
