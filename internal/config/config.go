// Package config provides unified configuration for all renderkit services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/renderkit/renderkit/internal/jank"
	"github.com/renderkit/renderkit/internal/pcache"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll   Mode = "all"
	ModeCache Mode = "cache"
	ModeJank  Mode = "jank"
)

// Config holds the unified configuration for all renderkit services.
type Config struct {
	// Mode specifies which services to run: all, cache, jank
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Cache service configuration
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Jank reporting configuration
	Jank JankConfig `json:"jank" yaml:"jank"`

	// Archive configuration for evicted cache files
	Archive ArchiveConfig `json:"archive" yaml:"archive"`
}

// CacheConfig holds cache service configuration.
type CacheConfig struct {
	// Dir is the directory holding the cache files
	Dir string `json:"dir" yaml:"dir"`

	// SocketPath is the unix socket where backend params are handed out
	SocketPath string `json:"socket_path" yaml:"socket_path"`

	// TargetFootprintMB is the combined disk footprint target in megabytes (1–4096, default 64)
	TargetFootprintMB int `json:"target_footprint_mb" yaml:"target_footprint_mb"`

	// LRUCapacity is the number of live cache instances kept open (default 100)
	LRUCapacity int `json:"lru_capacity" yaml:"lru_capacity"`
}

// JankConfig holds jank reporting configuration.
type JankConfig struct {
	// VsyncInterval is the display refresh interval
	VsyncInterval time.Duration `json:"vsync_interval" yaml:"vsync_interval"`

	// Params are the delivery-latency model tunables
	Params jank.Params `json:"params" yaml:"params"`
}

// ArchiveConfig holds archive configuration.
type ArchiveConfig struct {
	// Enabled controls whether evicted cache files are archived before deletion
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type is the archive storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Prefix namespaces archived objects in the store
	Prefix string `json:"prefix" yaml:"prefix"`

	// Path is the local archive path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 archive configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/renderkit",
		Cache: CacheConfig{
			Dir:               "",
			SocketPath:        "",
			TargetFootprintMB: 64,
			LRUCapacity:       pcache.DefaultLRUCapacity,
		},
		Jank: JankConfig{
			VsyncInterval: 16667 * time.Microsecond,
			Params:        jank.DefaultParams(),
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Type:    "local",
			Prefix:  "evicted",
			Path:    "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/renderkit"
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.DataDir, "cache")
	}
	if c.Cache.SocketPath == "" {
		c.Cache.SocketPath = filepath.Join(c.DataDir, "cache.sock")
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

// TargetFootprintBytes returns the cache footprint target in bytes.
func (c *Config) TargetFootprintBytes() int64 {
	return int64(c.Cache.TargetFootprintMB) << 20
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeCache, ModeJank:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, cache, or jank)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Cache.TargetFootprintMB < 1 || c.Cache.TargetFootprintMB > 4096 {
		return fmt.Errorf("cache.target_footprint_mb must be between 1 and 4096, got %d", c.Cache.TargetFootprintMB)
	}

	if c.Cache.LRUCapacity < 0 {
		return fmt.Errorf("cache.lru_capacity must not be negative, got %d", c.Cache.LRUCapacity)
	}

	if c.Jank.VsyncInterval <= 0 {
		return fmt.Errorf("jank.vsync_interval must be positive, got %s", c.Jank.VsyncInterval)
	}

	if c.Archive.Type != "local" && c.Archive.Type != "s3" {
		return fmt.Errorf("invalid archive type: %s (must be local or s3)", c.Archive.Type)
	}

	if c.Archive.Enabled && c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when archive type is s3")
	}

	return nil
}

// ShouldRunCache returns true if the cache service should run.
func (c *Config) ShouldRunCache() bool {
	return c.Mode == ModeAll || c.Mode == ModeCache
}

// ShouldRunJank returns true if jank reporting should run.
func (c *Config) ShouldRunJank() bool {
	return c.Mode == ModeAll || c.Mode == ModeJank
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the RENDERKIT_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("RENDERKIT_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("RENDERKIT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Cache configuration
	if v := os.Getenv("RENDERKIT_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("RENDERKIT_CACHE_SOCKET_PATH"); v != "" {
		cfg.Cache.SocketPath = v
	}
	if v := os.Getenv("RENDERKIT_CACHE_TARGET_FOOTPRINT_MB"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Cache.TargetFootprintMB)
	}
	if v := os.Getenv("RENDERKIT_CACHE_LRU_CAPACITY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Cache.LRUCapacity)
	}

	// Jank configuration
	if v := os.Getenv("RENDERKIT_JANK_VSYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Jank.VsyncInterval = d
		}
	}

	// Archive configuration
	if v := os.Getenv("RENDERKIT_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("RENDERKIT_ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := os.Getenv("RENDERKIT_ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := os.Getenv("RENDERKIT_S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := os.Getenv("RENDERKIT_S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := os.Getenv("RENDERKIT_S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Cache.Dir,
	}
	if c.Archive.Enabled && c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
