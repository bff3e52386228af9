// Package config loads and saves the cache daemon's on-disk configuration,
// shared between the HTTP/MCP server and any CLI tooling built against the
// same config directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// appDirName names the config/cache subdirectory under the platform's
// standard config/cache roots.
const appDirName = "imgcache"

// AuxRoot is a local, read-only auxiliary disk-tier directory consulted
// after the primary root on a miss.
type AuxRoot struct {
	Path string `yaml:"path"`
}

// S3AuxSource configures an S3-backed auxiliary disk-tier source.
type S3AuxSource struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix,omitempty"`
	Region string `yaml:"region,omitempty"`
}

// Config holds the cache daemon's full configuration.
type Config struct {
	mu sync.RWMutex `yaml:"-"`

	Namespace string `yaml:"namespace,omitempty"`

	DiskRoot     string        `yaml:"disk_root,omitempty"`
	AuxRoots     []AuxRoot     `yaml:"aux_roots,omitempty"`
	S3AuxSources []S3AuxSource `yaml:"s3_aux_sources,omitempty"`

	// MaxCacheAge and MaxCacheSizeMB bound the disk tier's sweep (0 means
	// unbounded). MaxCacheAge accepts a day-suffixed duration ("7d") in
	// addition to anything time.ParseDuration understands.
	MaxCacheAge    string `yaml:"max_cache_age,omitempty"`
	MaxCacheSizeMB int64  `yaml:"max_cache_size_mb,omitempty"`

	MaxMemCostMB int `yaml:"max_mem_cost_mb,omitempty"`
	MaxMemCount  int `yaml:"max_mem_count,omitempty"`

	ShouldCacheImagesInMemory bool `yaml:"should_cache_images_in_memory"`
	ShouldDisableICloud       bool `yaml:"should_disable_icloud,omitempty"`

	JPEGQuality int `yaml:"jpeg_quality,omitempty"`

	Bind string `yaml:"bind,omitempty"`
	Port int    `yaml:"port,omitempty"`

	Tailscale TailscaleConfig `yaml:"tailscale,omitempty"`
}

// TailscaleConfig holds tsnet listener settings as stored in the config
// file. The daemon entrypoint (main.go) takes its listener settings from
// flags and environment variables only and does not read this section.
type TailscaleConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Hostname string `yaml:"hostname,omitempty"`
	AuthKey  string `yaml:"auth_key,omitempty"`
	StateDir string `yaml:"state_dir,omitempty"`
}

// DefaultConfig returns a config with sensible defaults: in-memory caching
// on, no age/size cap, quality 90, bound to localhost:8088.
func DefaultConfig() *Config {
	return &Config{
		Namespace:                 "default",
		ShouldCacheImagesInMemory: true,
		JPEGQuality:               90,
		Bind:                      "127.0.0.1",
		Port:                      8088,
	}
}

// Dir returns the config directory, honoring the IMGCACHE_CONFIG_DIR
// override before falling back to os.UserConfigDir.
func Dir() (string, error) {
	if dir := os.Getenv("IMGCACHE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(userConfigDir, appDirName), nil
}

// Path returns the full path to the config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "imgcache.yaml"), nil
}

// DefaultDiskRoot returns the platform cache directory imgcache would use
// for DiskRoot when the config file doesn't set one explicitly.
func DefaultDiskRoot() (string, error) {
	userCacheDir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}
	return filepath.Join(userCacheDir, appDirName), nil
}

// Load reads the config file from disk, returning DefaultConfig() if it
// does not exist yet.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return DefaultConfig(), err
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is derived from our own config directory
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return DefaultConfig(), fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to disk, creating its directory if necessary.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ResolvedDiskRoot returns DiskRoot if set, otherwise DefaultDiskRoot().
func (c *Config) ResolvedDiskRoot() (string, error) {
	c.mu.RLock()
	root := c.DiskRoot
	c.mu.RUnlock()
	if root != "" {
		return root, nil
	}
	return DefaultDiskRoot()
}

// MaxCacheAgeDuration parses MaxCacheAge, returning 0 (no limit) when unset.
func (c *Config) MaxCacheAgeDuration() (time.Duration, error) {
	c.mu.RLock()
	raw := c.MaxCacheAge
	c.mu.RUnlock()
	if raw == "" {
		return 0, nil
	}
	return ParseDuration(raw)
}

// GetAuxRoots returns a copy of the configured local auxiliary roots.
func (c *Config) GetAuxRoots() []AuxRoot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AuxRoot, len(c.AuxRoots))
	copy(out, c.AuxRoots)
	return out
}

// AddAuxRoot appends a local auxiliary root and saves.
func (c *Config) AddAuxRoot(path string) error {
	c.mu.Lock()
	c.AuxRoots = append(c.AuxRoots, AuxRoot{Path: path})
	c.mu.Unlock()
	return c.Save()
}

// GetS3AuxSources returns a copy of the configured S3 auxiliary sources.
func (c *Config) GetS3AuxSources() []S3AuxSource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]S3AuxSource, len(c.S3AuxSources))
	copy(out, c.S3AuxSources)
	return out
}

// SetMaxCacheSizeMB updates the disk tier's size ceiling and saves.
func (c *Config) SetMaxCacheSizeMB(mb int64) error {
	c.mu.Lock()
	c.MaxCacheSizeMB = mb
	c.mu.Unlock()
	return c.Save()
}

// SetShouldCacheImagesInMemory toggles the memory tier and saves.
func (c *Config) SetShouldCacheImagesInMemory(enabled bool) error {
	c.mu.Lock()
	c.ShouldCacheImagesInMemory = enabled
	c.mu.Unlock()
	return c.Save()
}

// Snapshot returns a value copy of the config safe to read without holding
// the lock further (e.g. for a stats/status JSON response).
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	cp.AuxRoots = append([]AuxRoot(nil), c.AuxRoots...)
	cp.S3AuxSources = append([]S3AuxSource(nil), c.S3AuxSources...)
	return cp
}

// ParseDuration parses s as a time.Duration, additionally accepting a
// bare integer followed by "d" for whole days (e.g. "7d"), a grammar
// time.ParseDuration doesn't support but that's convenient for cache-age
// configuration.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("parse day-suffixed duration %q: %w", s, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}
