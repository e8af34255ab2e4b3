// Package config defines the engine configuration and its defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vajradb/vajradb/pkg/logger"
	"github.com/vajradb/vajradb/pkg/telemetry"
)

// Storage configures the paged storage layer.
type Storage struct {
	// DataDir is the directory the database file lives in.
	DataDir string `yaml:"data_dir"`
	// PageSize is the size of a disk page in bytes.
	PageSize int `yaml:"page_size"`
	// PoolSize is the number of frames in the buffer pool.
	PoolSize int `yaml:"pool_size"`
	// ReplacerK is the K of the LRU-K replacement policy.
	ReplacerK int `yaml:"replacer_k"`
	// HashTableBucketSize is the per-bucket capacity of the extendible hash
	// directory used as the page table.
	HashTableBucketSize int `yaml:"hash_table_bucket_size"`
	// LeafMaxSize and InternalMaxSize bound the entry counts of B+tree pages.
	LeafMaxSize     int `yaml:"leaf_max_size"`
	InternalMaxSize int `yaml:"internal_max_size"`
}

// Concurrency configures the lock manager.
type Concurrency struct {
	// DeadlockDetectInterval is how often the background detector scans the
	// waits-for graph.
	DeadlockDetectInterval time.Duration `yaml:"deadlock_detect_interval"`
}

// Config is the top-level engine configuration.
type Config struct {
	Storage     Storage          `yaml:"storage"`
	Concurrency Concurrency      `yaml:"concurrency"`
	Logger      logger.Config    `yaml:"logger"`
	Telemetry   telemetry.Config `yaml:"telemetry"`
}

// Default returns a configuration suitable for tests and small deployments.
func Default() Config {
	return Config{
		Storage: Storage{
			DataDir:             "data",
			PageSize:            4096,
			PoolSize:            128,
			ReplacerK:           2,
			HashTableBucketSize: 4,
			LeafMaxSize:         32,
			InternalMaxSize:     32,
		},
		Concurrency: Concurrency{
			DeadlockDetectInterval: 50 * time.Millisecond,
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			Enabled:     false,
			ServiceName: "vajradb",
		},
	}
}

// Load reads a YAML config file, layering it over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the storage core cannot run with.
func (c Config) Validate() error {
	s := c.Storage
	if s.PageSize < 512 {
		return fmt.Errorf("page_size %d too small, need at least 512", s.PageSize)
	}
	if s.PoolSize < 1 {
		return fmt.Errorf("pool_size must be positive, got %d", s.PoolSize)
	}
	if s.ReplacerK < 1 {
		return fmt.Errorf("replacer_k must be positive, got %d", s.ReplacerK)
	}
	if s.HashTableBucketSize < 1 {
		return fmt.Errorf("hash_table_bucket_size must be positive, got %d", s.HashTableBucketSize)
	}
	if s.LeafMaxSize < 2 {
		return fmt.Errorf("leaf_max_size must be at least 2, got %d", s.LeafMaxSize)
	}
	if s.InternalMaxSize < 3 {
		return fmt.Errorf("internal_max_size must be at least 3, got %d", s.InternalMaxSize)
	}
	if c.Concurrency.DeadlockDetectInterval <= 0 {
		return fmt.Errorf("deadlock_detect_interval must be positive, got %s", c.Concurrency.DeadlockDetectInterval)
	}
	return nil
}
