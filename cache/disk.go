package cache

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/btree"
	"github.com/google/uuid"
)

// diskNamespacePrefix is joined to the namespace as "<prefix>.<namespace>"
// to name the cache directory directly under the configured disk root, so
// multiple namespaces can share one root without colliding.
const diskNamespacePrefix = "imgcache"

// AuxSource is a read-only auxiliary disk-tier source consulted after the
// primary root on a miss. Local directories and the S3-backed source both
// implement it; DiskCache never writes to one.
type AuxSource interface {
	Read(filename string) ([]byte, bool)
}

// localAuxRoot is a read-only auxiliary root backed by a plain directory.
type localAuxRoot struct {
	dir string
}

// NewLocalAuxRoot wraps dir as a read-only auxiliary source.
func NewLocalAuxRoot(dir string) AuxSource {
	return &localAuxRoot{dir: dir}
}

func (r *localAuxRoot) Read(filename string) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(r.dir, filename)) //nolint:gosec // filename is a digest, not attacker-controlled path
	if err != nil {
		return nil, false
	}
	return data, true
}

// DiskCache is the unbounded, age/size-swept disk tier. It owns a
// SerialExecutor that also serves as the package's IO executor: the facade
// schedules its store/query jobs on the same queue returned by IO(), so
// disk operations for a given key are never reordered relative to each
// other.
type DiskCache struct {
	dir      string
	io       *SerialExecutor
	auxRoots []AuxSource

	maxAge  time.Duration // 0 = no age limit
	maxSize int64         // 0 = no size limit
}

// DiskCacheConfig configures a DiskCache. Root is the parent directory under
// which the namespace subdirectory is created (e.g. a platform cache
// directory); Namespace distinguishes multiple independent caches sharing
// the same root.
type DiskCacheConfig struct {
	Root      string
	Namespace string
	MaxAge    time.Duration
	MaxSize   int64
}

// NewDiskCache creates the namespace directory (if missing) and returns a
// disk tier rooted there.
func NewDiskCache(cfg DiskCacheConfig) (*DiskCache, error) {
	dir := filepath.Join(cfg.Root, diskNamespacePrefix+"."+cfg.Namespace)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create disk cache namespace dir: %w", err)
	}
	return &DiskCache{
		dir:     dir,
		io:      NewSerialExecutor(),
		maxAge:  cfg.MaxAge,
		maxSize: cfg.MaxSize,
	}, nil
}

// IO returns the disk tier's serial executor, shared with the facade so
// that a given key's store/query operations serialize against each other.
func (d *DiskCache) IO() *SerialExecutor { return d.io }

// AddAuxRoot registers a read-only auxiliary source, consulted after the
// primary root and after any previously-registered auxiliary roots, in
// registration order.
func (d *DiskCache) AddAuxRoot(src AuxSource) {
	d.auxRoots = append(d.auxRoots, src)
}

// Close stops the disk tier's IO executor. Queued jobs still run.
func (d *DiskCache) Close() { d.io.Close() }

// candidateNames returns the filenames to probe for key, preferring the
// extension-carrying form and falling back to the bare digest for entries
// written before an extension convention existed.
func candidateNames(key string) []string {
	ext := FilenameForKey(key)
	bare := DigestHex(key)
	if ext == bare {
		return []string{bare}
	}
	return []string{ext, bare}
}

// Exists reports whether key is present in the primary root. It does not
// consult auxiliary roots: this answers "has this cache itself written
// key," not "can key be read from somewhere."
func (d *DiskCache) Exists(key string) bool {
	for _, name := range candidateNames(key) {
		if _, err := os.Stat(filepath.Join(d.dir, name)); err == nil {
			return true
		}
	}
	return false
}

// Write persists data under key in the primary root. excludeFromBackup, when
// true, records a request to exclude the file from host backups; see
// applyExcludeFromBackup, which only logs the request and sets no
// attribute on any platform.
func (d *DiskCache) Write(key string, data []byte, excludeFromBackup bool) error {
	path := filepath.Join(d.dir, FilenameForKey(key))
	// Suffix the temp file with a random id rather than a fixed ".tmp", so
	// two concurrent writers for the same key never race on the same
	// staging file before their rename.
	tmp := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write disk cache entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename disk cache entry into place: %w", err)
	}
	if excludeFromBackup {
		applyExcludeFromBackup(path)
	}
	return nil
}

// Read returns key's bytes, checking the primary root first and then each
// auxiliary root in registration order.
func (d *DiskCache) Read(key string) ([]byte, bool) {
	for _, name := range candidateNames(key) {
		if data, err := os.ReadFile(filepath.Join(d.dir, name)); err == nil { //nolint:gosec // name is digest-derived
			return data, true
		}
	}
	filename := FilenameForKey(key)
	for _, aux := range d.auxRoots {
		if data, ok := aux.Read(filename); ok {
			return data, true
		}
		if data, ok := aux.Read(DigestHex(key)); ok {
			return data, true
		}
	}
	return nil, false
}

// Remove deletes key from the primary root, if present. Auxiliary roots are
// never modified.
func (d *DiskCache) Remove(key string) {
	for _, name := range candidateNames(key) {
		_ = os.Remove(filepath.Join(d.dir, name))
	}
}

// RemoveAll deletes every entry in the primary root.
func (d *DiskCache) RemoveAll() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("read disk cache dir: %w", err)
	}
	var firstErr error
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(d.dir, entry.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Size returns the total size in bytes of every entry in the primary root.
func (d *DiskCache) Size() (int64, error) {
	var total int64
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("read disk cache dir: %w", err)
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// Count returns the number of entries in the primary root.
func (d *DiskCache) Count() (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("read disk cache dir: %w", err)
	}
	return len(entries), nil
}

// sweepEntry is a btree.Item ordered by modification time, oldest first,
// used to sort the size-cull pass without an O(n log n) sort.Slice
// allocation per sweep on large caches.
type sweepEntry struct {
	path    string
	size    int64
	modTime time.Time
}

func (e sweepEntry) Less(than btree.Item) bool {
	other := than.(sweepEntry) //nolint:forcetypeassert // tree only ever holds sweepEntry
	if e.modTime.Equal(other.modTime) {
		return e.path < other.path
	}
	return e.modTime.Before(other.modTime)
}

// Sweep runs the two-pass cull: first every entry older than maxAge is
// removed (skipped entirely when maxAge is 0), then, if the directory is
// still over maxSize, the oldest entries (by modification time) are removed
// until total size is at or below half of maxSize. Both passes are no-ops
// when their respective limit is 0.
func (d *DiskCache) Sweep() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("read disk cache dir: %w", err)
	}

	var remaining []sweepEntry
	var removedAge, removedSize int
	var reclaimed int64
	now := time.Now()

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(d.dir, entry.Name())
		if d.maxAge > 0 && now.Sub(info.ModTime()) > d.maxAge {
			if rmErr := os.Remove(path); rmErr == nil {
				removedAge++
				reclaimed += info.Size()
				continue
			}
		}
		remaining = append(remaining, sweepEntry{path: path, size: info.Size(), modTime: info.ModTime()})
	}

	var total int64
	for _, e := range remaining {
		total += e.size
	}

	if d.maxSize > 0 && total > d.maxSize {
		target := d.maxSize / 2
		tree := btree.New(32)
		for _, e := range remaining {
			tree.ReplaceOrInsert(e)
		}
		for total > target {
			min := tree.DeleteMin()
			if min == nil {
				break
			}
			e := min.(sweepEntry) //nolint:forcetypeassert // tree only ever holds sweepEntry
			if err := os.Remove(e.path); err != nil {
				continue
			}
			total -= e.size
			reclaimed += e.size
			removedSize++
		}
	}

	if removedAge > 0 || removedSize > 0 {
		log.Printf("disk cache sweep: removed %d aged, %d over-size entries, reclaimed %s",
			removedAge, removedSize, humanize.Bytes(uint64(max(reclaimed, 0))))
	}
	return nil
}

// Calculate runs fn against the current total size and entry count, useful
// for stats reporting without exposing the directory scan itself.
func (d *DiskCache) Calculate(fn func(size int64, count int)) error {
	size, err := d.Size()
	if err != nil {
		return err
	}
	count, err := d.Count()
	if err != nil {
		return err
	}
	fn(size, count)
	return nil
}

// applyExcludeFromBackup best-effort marks path as excluded from host
// backups. Go's standard library has no portable API for this (it is an
// extended attribute on Apple platforms, "system.NoBackup" elsewhere); off
// of those platforms this is a best-effort hint, not a guarantee, so this
// implementation only logs.
func applyExcludeFromBackup(path string) {
	log.Printf("disk cache: exclude-from-backup requested for %s, no-op on this platform", path)
}
