package cache

import (
	"fmt"
)

// DefaultJPEGQuality is used when ImageCacheConfig.JPEGQuality is 0.
const DefaultJPEGQuality = 90

// ImageCache is the facade combining the memory tier and disk
// tier behind a single store/query/remove surface. Disk-tier work for
// a given key runs on the disk tier's own serial executor so that a
// store and a subsequent query for the same key can never race each other
// on disk, while completions are always delivered on the caller-supplied
// main executor.
type ImageCache struct {
	memory      *MemoryCache
	disk        *DiskCache
	jpegQuality int
}

// ImageCacheConfig wires the two tiers together.
type ImageCacheConfig struct {
	Memory      *MemoryCache
	Disk        *DiskCache
	JPEGQuality int // 0 defaults to DefaultJPEGQuality
}

// NewImageCache builds the facade from already-constructed tiers.
func NewImageCache(cfg ImageCacheConfig) *ImageCache {
	quality := cfg.JPEGQuality
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	return &ImageCache{memory: cfg.Memory, disk: cfg.Disk, jpegQuality: quality}
}

// Memory exposes the underlying memory tier, e.g. for stats reporting or a
// process-level memory-pressure hook.
func (c *ImageCache) Memory() *MemoryCache { return c.memory }

// Disk exposes the underlying disk tier, e.g. for stats reporting or a
// manual sweep trigger.
func (c *ImageCache) Disk() *DiskCache { return c.disk }

// Query looks up key, checking the memory tier synchronously first and
// falling back to the disk tier (and its auxiliary roots) on the disk
// tier's IO executor on a miss. A disk hit is decoded and promoted back
// into the memory tier before delivery. done is always invoked on main,
// exactly once, with a nil image on a full miss.
func (c *ImageCache) Query(key string, scale float64, main Executor, done func(img *DecodedImage, fromDisk bool)) {
	if img := c.memory.Get(key); img != nil {
		main.Run(func() { done(img, false) })
		return
	}

	c.disk.IO().Run(func() {
		data, ok := c.disk.Read(key)
		if !ok {
			main.Run(func() { done(nil, false) })
			return
		}
		img, err := Decode(data, scale)
		if err != nil {
			main.Run(func() { done(nil, false) })
			return
		}
		c.memory.Put(key, img, Cost(img))
		main.Run(func() { done(img, true) })
	})
}

// StoreOptions controls how ImageCache.Store persists an entry.
type StoreOptions struct {
	// Data is the raw bytes the caller already has on hand (typically the
	// bytes as received from the downloader). When Data is non-nil and
	// Recalculate is false, Data is written to disk verbatim instead of
	// re-encoding img.
	Data        []byte
	Recalculate bool

	SkipDisk          bool // CacheMemoryOnly: do not persist to the disk tier
	SkipMemory        bool
	ExcludeFromBackup bool
}

// Store persists img under key: always into the memory tier (unless
// opts.SkipMemory is set), and into the disk tier unless opts.SkipDisk is
// set. done is invoked on main exactly once.
func (c *ImageCache) Store(key string, img *DecodedImage, opts StoreOptions, main Executor, done func(error)) {
	if !opts.SkipMemory {
		c.memory.Put(key, img, Cost(img))
	}
	if opts.SkipDisk {
		main.Run(func() { done(nil) })
		return
	}
	c.disk.IO().Run(func() {
		data, err := encodeForStorage(img, opts.Data, opts.Recalculate, c.jpegQuality)
		if err != nil {
			main.Run(func() { done(fmt.Errorf("encode for storage: %w", err)) })
			return
		}
		if err := c.disk.Write(key, data, opts.ExcludeFromBackup); err != nil {
			main.Run(func() { done(fmt.Errorf("write disk cache: %w", err)) })
			return
		}
		main.Run(func() { done(nil) })
	})
}

// Remove evicts key from both tiers. done is invoked on main exactly once.
func (c *ImageCache) Remove(key string, main Executor, done func()) {
	c.memory.Remove(key)
	c.disk.IO().Run(func() {
		c.disk.Remove(key)
		if done != nil {
			main.Run(done)
		}
	})
}

// RemoveAll flushes both tiers entirely.
func (c *ImageCache) RemoveAll(main Executor, done func(error)) {
	c.memory.RemoveAll()
	c.disk.IO().Run(func() {
		err := c.disk.RemoveAll()
		if done != nil {
			main.Run(func() { done(err) })
		}
	})
}

// encodeForStorage picks the bytes to persist. If data was supplied and the
// caller doesn't want it recalculated, it's used verbatim. Otherwise data
// (if any) is sniffed for the PNG signature before falling back to the
// image's own alpha/animation fidelity needs: a lossless format is only
// worth its size cost when the pixel data actually needs it.
func encodeForStorage(img *DecodedImage, data []byte, recalculate bool, jpegQuality int) ([]byte, error) {
	if data != nil && !recalculate {
		return data, nil
	}
	if data != nil && SniffsAsPNG(data) {
		return EncodePNG(img)
	}
	if img.HasAlpha || img.IsAnimated {
		return EncodePNG(img)
	}
	return EncodeJPEG(img, jpegQuality)
}
