package cache

import "sync"

// defaultManager backs Default(), lazily built once by SetDefault or the
// first call to Default after Configure.
var (
	defaultOnce    sync.Once
	defaultManager *Manager
	defaultBuilder func() *Manager
)

// Configure registers the builder Default will use to lazily create the
// process-wide Manager on first use. Calling it after Default has already
// run has no effect on the already-built instance — callers that need a
// different configuration at runtime should build their own Manager
// directly instead of going through the singleton.
func Configure(builder func() *Manager) {
	defaultBuilder = builder
}

// Default returns the process-wide Manager, building it from the builder
// passed to Configure on first access. Panics if Default is called before
// Configure — there is no implicit default configuration, since a Manager
// always needs at least a Downloader and an ImageCache.
func Default() *Manager {
	defaultOnce.Do(func() {
		if defaultBuilder == nil {
			panic("cache: Default() called before Configure()")
		}
		defaultManager = defaultBuilder()
	})
	return defaultManager
}

// SetDefault installs m as the process-wide Manager directly, bypassing
// Configure/the lazy builder. Intended for tests that want a fresh Manager
// per test without fighting sync.Once; not safe to call concurrently with
// Default().
func SetDefault(m *Manager) {
	defaultOnce.Do(func() {})
	defaultManager = m
}
