package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestDiskCache(t *testing.T, cfg DiskCacheConfig) *DiskCache {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "test"
	}
	d, err := NewDiskCache(cfg)
	if err != nil {
		t.Fatalf("NewDiskCache: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestDiskCacheWriteReadExistsRemove(t *testing.T) {
	d := newTestDiskCache(t, DiskCacheConfig{})

	key := "https://example.com/a.jpg"
	if d.Exists(key) {
		t.Fatalf("expected miss before write")
	}

	done := make(chan struct{})
	d.IO().Run(func() {
		if err := d.Write(key, []byte("data"), false); err != nil {
			t.Errorf("Write: %v", err)
		}
		close(done)
	})
	<-done

	if !d.Exists(key) {
		t.Fatalf("expected hit after write")
	}

	data, ok := d.Read(key)
	if !ok || string(data) != "data" {
		t.Fatalf("Read = %q, %v; want \"data\", true", data, ok)
	}

	d.Remove(key)
	if d.Exists(key) {
		t.Fatalf("expected miss after remove")
	}
}

func TestDiskCacheAuxRoots(t *testing.T) {
	auxDir := t.TempDir()
	key := "https://example.com/b.png"
	filename := FilenameForKey(key)
	if err := os.WriteFile(filepath.Join(auxDir, filename), []byte("aux-data"), 0o600); err != nil {
		t.Fatalf("seed aux root: %v", err)
	}

	d := newTestDiskCache(t, DiskCacheConfig{})
	d.AddAuxRoot(NewLocalAuxRoot(auxDir))

	data, ok := d.Read(key)
	if !ok || string(data) != "aux-data" {
		t.Fatalf("Read from aux root = %q, %v; want \"aux-data\", true", data, ok)
	}

	// The primary root still wins over the auxiliary root once present.
	d.IO().Run(func() { _ = d.Write(key, []byte("primary-data"), false) })
	waitForIO(d)

	data, ok = d.Read(key)
	if !ok || string(data) != "primary-data" {
		t.Fatalf("Read after primary write = %q, %v; want \"primary-data\", true", data, ok)
	}
}

func TestDiskCacheSweepAge(t *testing.T) {
	d := newTestDiskCache(t, DiskCacheConfig{MaxAge: time.Hour})

	old := filepath.Join(d.dir, "old")
	if err := os.WriteFile(old, []byte("x"), 0o600); err != nil {
		t.Fatalf("seed old entry: %v", err)
	}
	oldTime := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, oldTime, oldTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	fresh := filepath.Join(d.dir, "fresh")
	if err := os.WriteFile(fresh, []byte("y"), 0o600); err != nil {
		t.Fatalf("seed fresh entry: %v", err)
	}

	if err := d.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected aged-out entry removed, stat err = %v", err)
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("expected fresh entry retained, stat err = %v", err)
	}
}

func TestDiskCacheSweepSize(t *testing.T) {
	d := newTestDiskCache(t, DiskCacheConfig{MaxSize: 30})

	names := []string{"a", "b", "c"}
	for i, name := range names {
		path := filepath.Join(d.dir, name)
		if err := os.WriteFile(path, make([]byte, 20), 0o600); err != nil {
			t.Fatalf("seed entry %s: %v", name, err)
		}
		mtime := time.Now().Add(time.Duration(i) * time.Second)
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes %s: %v", name, err)
		}
	}

	if err := d.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	size, err := d.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size > 15 {
		t.Fatalf("size after sweep = %d, want at or below half of max (15)", size)
	}
	if _, err := os.Stat(filepath.Join(d.dir, "a")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest entry (a) removed first")
	}
}

// waitForIO blocks until every job enqueued on d's IO executor so far has
// run, by enqueueing one more job and waiting for it.
func waitForIO(d *DiskCache) {
	done := make(chan struct{})
	d.IO().Run(func() { close(done) })
	<-done
}
