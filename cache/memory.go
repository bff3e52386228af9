package cache

import (
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// MemoryCache is the bounded, cost-aware in-memory tier. It is safe for
// concurrent use; Get never blocks on IO since it only ever touches the
// in-memory map.
//
// Eviction order is the map's insertion order (oldest-inserted first), which
// approximates an LRU without per-read bookkeeping — the same tradeoff the
// disk tier's sweeper makes by sorting on modification time instead of
// access time.
type MemoryCache struct {
	mu          sync.Mutex
	entries     *orderedmap.OrderedMap[string, memoryEntry]
	totalCost   uint64
	maxCost     uint64 // 0 = unlimited
	maxCount    int    // 0 = unlimited
	enabled     bool
}

type memoryEntry struct {
	image *DecodedImage
	cost  uint64
}

// NewMemoryCache creates a memory tier. maxCost and maxCount of 0 mean
// unlimited. enabled=false makes Put a no-op and Get always miss, for
// callers that want the disk tier without the memory tier at all.
func NewMemoryCache(maxCost uint64, maxCount int, enabled bool) *MemoryCache {
	return &MemoryCache{
		entries:  orderedmap.New[string, memoryEntry](),
		maxCost:  maxCost,
		maxCount: maxCount,
		enabled:  enabled,
	}
}

// Get returns the cached image for key, or nil on miss. Non-blocking.
func (m *MemoryCache) Get(key string) *DecodedImage {
	if !m.enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries.Get(key)
	if !ok {
		return nil
	}
	return entry.image
}

// Put inserts img under key with the given cost, evicting older entries if
// either ceiling is exceeded. A disabled cache silently drops the put.
func (m *MemoryCache) Put(key string, img *DecodedImage, cost uint64) {
	if !m.enabled || img == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries.Get(key); ok {
		m.totalCost -= old.cost
	}
	m.entries.Set(key, memoryEntry{image: img, cost: cost})
	m.totalCost += cost

	for m.overLimitLocked() {
		if !m.evictOldestLocked() {
			break
		}
	}
}

// Remove deletes key from the memory tier, if present.
func (m *MemoryCache) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.entries.Get(key); ok {
		m.totalCost -= old.cost
		m.entries.Delete(key)
	}
}

// RemoveAll flushes the entire memory tier. Called both for explicit
// "purge" requests and in response to a process-level memory-pressure
// signal (see HandleMemoryWarning).
func (m *MemoryCache) RemoveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = orderedmap.New[string, memoryEntry]()
	m.totalCost = 0
}

// HandleMemoryWarning flushes the cache. Wired to whatever process-level
// low-memory notification the host platform provides; on platforms with
// none, callers simply never invoke it.
func (m *MemoryCache) HandleMemoryWarning() {
	m.RemoveAll()
}

// Count returns the number of entries currently held.
func (m *MemoryCache) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

// TotalCost returns the sum of all entries' costs.
func (m *MemoryCache) TotalCost() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCost
}

func (m *MemoryCache) overLimitLocked() bool {
	if m.maxCost > 0 && m.totalCost > m.maxCost {
		return true
	}
	if m.maxCount > 0 && m.entries.Len() > m.maxCount {
		return true
	}
	return false
}

// evictOldestLocked removes the oldest-inserted entry. Returns false when
// the map is already empty (nothing left to evict, limits are whatever they
// are).
func (m *MemoryCache) evictOldestLocked() bool {
	oldest := m.entries.Oldest()
	if oldest == nil {
		return false
	}
	m.totalCost -= oldest.Value.cost
	m.entries.Delete(oldest.Key)
	return true
}
