package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the storage engine
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Engine      EngineConfig      `yaml:"engine"`
	Cache       CacheConfig       `yaml:"cache"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StorageConfig holds durable tier configuration
type StorageConfig struct {
	DataDir        string        `yaml:"data_dir"`
	StoreName      string        `yaml:"store_name"`
	SyncWrites     bool          `yaml:"sync_writes"`
	InitRetries    int           `yaml:"init_retries"`
	InitRetryDelay time.Duration `yaml:"init_retry_delay"`
}

// EngineConfig holds memory tier, policy and tuning configuration
type EngineConfig struct {
	MemoryCapacity int           `yaml:"memory_capacity"`
	MinCapacity    int           `yaml:"min_capacity"`
	MaxCapacity    int           `yaml:"max_capacity"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`

	// Admission policy
	MaxValueBytes      int64         `yaml:"max_value_bytes"`
	RecencyWindow      time.Duration `yaml:"recency_window"`
	FrequencyThreshold int64         `yaml:"frequency_threshold"`

	// Adaptive sizing and compaction triggers
	GrowHitRate            float64 `yaml:"grow_hit_rate"`
	ShrinkHitRate          float64 `yaml:"shrink_hit_rate"`
	GrowFactor             float64 `yaml:"grow_factor"`
	ShrinkFactor           float64 `yaml:"shrink_factor"`
	ErrorThreshold         uint64  `yaml:"error_threshold"`
	FragmentationThreshold float64 `yaml:"fragmentation_threshold"`
}

// CacheConfig holds recency cache configuration
type CacheConfig struct {
	Capacity    int           `yaml:"capacity"`
	MinCapacity int           `yaml:"min_capacity"`
	MaxCapacity int           `yaml:"max_capacity"`
	Shards      int           `yaml:"shards"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// MaintenanceConfig holds background maintenance configuration
type MaintenanceConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Interval  time.Duration `yaml:"interval"`
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	SetDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	SetDefaults(cfg)
	return cfg
}

// SetDefaults sets default values for unspecified configuration
func SetDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.StoreName == "" {
		cfg.Storage.StoreName = "cognitionstream"
	}
	if cfg.Storage.InitRetries == 0 {
		cfg.Storage.InitRetries = 3
	}
	if cfg.Storage.InitRetryDelay == 0 {
		cfg.Storage.InitRetryDelay = 500 * time.Millisecond
	}

	if cfg.Engine.MemoryCapacity == 0 {
		cfg.Engine.MemoryCapacity = 1000
	}
	if cfg.Engine.MinCapacity == 0 {
		cfg.Engine.MinCapacity = 100
	}
	if cfg.Engine.MaxCapacity == 0 {
		cfg.Engine.MaxCapacity = 10000
	}
	if cfg.Engine.LockTimeout == 0 {
		cfg.Engine.LockTimeout = 5 * time.Second
	}
	if cfg.Engine.MaxValueBytes == 0 {
		cfg.Engine.MaxValueBytes = 100000
	}
	if cfg.Engine.RecencyWindow == 0 {
		cfg.Engine.RecencyWindow = 5 * time.Minute
	}
	if cfg.Engine.FrequencyThreshold == 0 {
		cfg.Engine.FrequencyThreshold = 5
	}
	if cfg.Engine.GrowHitRate == 0 {
		cfg.Engine.GrowHitRate = 0.8
	}
	if cfg.Engine.ShrinkHitRate == 0 {
		cfg.Engine.ShrinkHitRate = 0.4
	}
	if cfg.Engine.GrowFactor == 0 {
		cfg.Engine.GrowFactor = 1.2
	}
	if cfg.Engine.ShrinkFactor == 0 {
		cfg.Engine.ShrinkFactor = 0.8
	}
	if cfg.Engine.ErrorThreshold == 0 {
		cfg.Engine.ErrorThreshold = 10
	}
	if cfg.Engine.FragmentationThreshold == 0 {
		cfg.Engine.FragmentationThreshold = 0.3
	}

	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 500
	}
	if cfg.Cache.MinCapacity == 0 {
		cfg.Cache.MinCapacity = 50
	}
	if cfg.Cache.MaxCapacity == 0 {
		cfg.Cache.MaxCapacity = 5000
	}
	if cfg.Cache.Shards == 0 {
		cfg.Cache.Shards = 16
	}
	if cfg.Cache.LockTimeout == 0 {
		cfg.Cache.LockTimeout = 5 * time.Second
	}

	if cfg.Maintenance.Interval == 0 {
		cfg.Maintenance.Interval = time.Minute
	}
	if cfg.Maintenance.Workers == 0 {
		cfg.Maintenance.Workers = 2
	}
	if cfg.Maintenance.QueueSize == 0 {
		cfg.Maintenance.QueueSize = 16
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9180
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Engine.MinCapacity > c.Engine.MaxCapacity {
		return fmt.Errorf("engine.min_capacity must not exceed engine.max_capacity")
	}
	if c.Engine.MemoryCapacity < c.Engine.MinCapacity || c.Engine.MemoryCapacity > c.Engine.MaxCapacity {
		return fmt.Errorf("engine.memory_capacity must be within [min_capacity, max_capacity]")
	}
	if c.Engine.GrowFactor <= 1.0 {
		return fmt.Errorf("engine.grow_factor must be > 1.0")
	}
	if c.Engine.ShrinkFactor <= 0 || c.Engine.ShrinkFactor >= 1.0 {
		return fmt.Errorf("engine.shrink_factor must be in (0, 1)")
	}
	if c.Engine.FragmentationThreshold < 0 || c.Engine.FragmentationThreshold > 1 {
		return fmt.Errorf("engine.fragmentation_threshold must be between 0 and 1")
	}
	if c.Cache.MinCapacity > c.Cache.MaxCapacity {
		return fmt.Errorf("cache.min_capacity must not exceed cache.max_capacity")
	}
	if c.Cache.Capacity < c.Cache.MinCapacity || c.Cache.Capacity > c.Cache.MaxCapacity {
		return fmt.Errorf("cache.capacity must be within [min_capacity, max_capacity]")
	}
	if c.Cache.Shards < 1 {
		return fmt.Errorf("cache.shards must be at least 1")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}
	return nil
}
