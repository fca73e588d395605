// Package config loads and validates the history cache server
// configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/xtxerr/histcache/config"
)

// Config represents the complete server configuration.
type Config struct {
	// Cache sizes the shared memory arenas.
	Cache CacheConfig `yaml:"cache"`

	// Stager bounds the per-producer staging buffers.
	Stager StagerConfig `yaml:"stager"`

	// Sync configures the synchronizer workers.
	Sync SyncConfig `yaml:"sync"`

	// Trends configures the trend cache.
	Trends TrendsConfig `yaml:"trends"`

	// Database configures the DuckDB storage.
	Database DatabaseConfig `yaml:"database"`

	// Export configures the optional Parquet export.
	Export ExportConfig `yaml:"export"`

	// Backpressure configures cache fill monitoring.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging configures the log output.
	Logging LoggingConfig `yaml:"logging"`

	// Shutdown configures the final drain.
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// ByteSize is a size in bytes that YAML files may write as "64MiB" or
// "512KB" as well as a plain number.
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", value.Line, value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// String formats the size with binary units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// CacheConfig sizes the arenas.
type CacheConfig struct {
	// HistorySize is the value cache arena size.
	HistorySize ByteSize `yaml:"history_size"`

	// TrendSize is the trend cache arena size.
	TrendSize ByteSize `yaml:"trend_size"`

	// IDSize is the ID generation table arena size.
	IDSize ByteSize `yaml:"id_size"`

	// FullWaitBackoff is the longest a producer waits between retries
	// while the value cache is full.
	FullWaitBackoff time.Duration `yaml:"full_wait_backoff"`
}

// StagerConfig bounds producer staging buffers.
type StagerConfig struct {
	// MaxValues flushes a stager after this many values.
	MaxValues int `yaml:"max_values"`

	// SlabSize flushes a stager once its encoded values reach this size.
	SlabSize ByteSize `yaml:"slab_size"`
}

// SyncConfig configures synchronizer workers.
type SyncConfig struct {
	// Workers is the number of concurrent synchronizers.
	Workers int `yaml:"workers"`

	// BatchSize is the number of items popped per batch.
	BatchSize int `yaml:"batch_size"`

	// TimeBudget ends a pass once exceeded.
	TimeBudget time.Duration `yaml:"time_budget"`

	// MinProcessedPct ends a pass when fewer popped values could be
	// processed.
	MinProcessedPct int `yaml:"min_processed_pct"`

	// Frequency is the pause between passes of an idle worker.
	Frequency time.Duration `yaml:"frequency"`

	// FullSyncLogInterval is how often a full sync reports progress.
	FullSyncLogInterval time.Duration `yaml:"full_sync_log_interval"`

	// Retry configures transaction retries.
	Retry RetryConfig `yaml:"retry"`
}

// RetryConfig configures the backoff of retriable storage failures.
type RetryConfig struct {
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`

	// MaxAttempts bounds attempts per batch; 0 retries until shutdown.
	MaxAttempts int `yaml:"max_attempts"`
}

// TrendsConfig configures the trend cache.
type TrendsConfig struct {
	// CleanupDelay is how far into an hour trends of earlier hours are
	// flushed.
	CleanupDelay time.Duration `yaml:"cleanup_delay"`
}

// DatabaseConfig configures DuckDB.
type DatabaseConfig struct {
	// Path is the database file. Empty uses an in-memory database.
	Path string `yaml:"path"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"max_open_conns"`

	// InsertChunkSize is the number of rows per INSERT statement.
	InsertChunkSize int `yaml:"insert_chunk_size"`

	// ItemCacheTTL is how long resolved item metadata is reused.
	ItemCacheTTL time.Duration `yaml:"item_cache_ttl"`
}

// ExportConfig configures the Parquet export.
type ExportConfig struct {
	// Enabled enables the export.
	Enabled bool `yaml:"enabled"`

	// Dir receives the export files.
	Dir string `yaml:"dir"`

	// Compression is the Parquet codec: snappy, zstd, gzip, none.
	Compression string `yaml:"compression"`

	// MaxRowsPerFile rotates export files.
	MaxRowsPerFile int `yaml:"max_rows_per_file"`

	// Retention removes finished files older than this. Zero keeps them.
	Retention time.Duration `yaml:"retention"`

	// RetentionInterval is how often expired files are looked for.
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

// BackpressureConfig configures cache fill monitoring.
type BackpressureConfig struct {
	// Enabled enables the fill monitor.
	Enabled bool `yaml:"enabled"`

	// Thresholds defines the fill ratios for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Hysteresis to prevent flapping (0.0-0.5).
	Hysteresis float64 `yaml:"hysteresis"`

	// CheckInterval is how often fill levels are sampled.
	CheckInterval time.Duration `yaml:"check_interval"`
}

// BackpressureThresholds defines fill ratio thresholds.
type BackpressureThresholds struct {
	// Warning threshold (0.0-1.0).
	Warning float64 `yaml:"warning"`

	// Critical threshold (0.0-1.0).
	Critical float64 `yaml:"critical"`

	// Emergency threshold (0.0-1.0).
	Emergency float64 `yaml:"emergency"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures the log output.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text, json, or auto (json unless stderr is a terminal).
	Format string `yaml:"format"`
}

// ShutdownConfig configures the final drain.
type ShutdownConfig struct {
	// DrainTimeout bounds the full sync on shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Cache: CacheConfig{
			HistorySize:     config.DefaultHistoryCacheSize,
			TrendSize:       config.DefaultTrendCacheSize,
			IDSize:          config.DefaultIDCacheSize,
			FullWaitBackoff: config.DefaultFullWaitBackoff,
		},
		Stager: StagerConfig{
			MaxValues: config.DefaultStagerMaxValues,
			SlabSize:  config.DefaultStagerSlabSize,
		},
		Sync: SyncConfig{
			Workers:             config.DefaultSyncWorkers,
			BatchSize:           config.DefaultSyncBatchSize,
			TimeBudget:          config.DefaultSyncTimeBudget,
			MinProcessedPct:     config.DefaultMinProcessedPct,
			Frequency:           config.DefaultSyncFrequency,
			FullSyncLogInterval: config.DefaultFullSyncLogInterval,
			Retry: RetryConfig{
				InitialBackoff: config.DefaultRetryInitialBackoff,
				MaxBackoff:     config.DefaultRetryMaxBackoff,
				MaxAttempts:    config.DefaultRetryMaxAttempts,
			},
		},
		Trends: TrendsConfig{
			CleanupDelay: config.DefaultTrendCleanupDelay,
		},
		Database: DatabaseConfig{
			Path:            config.DefaultDatabasePath,
			MaxOpenConns:    config.DefaultDatabaseMaxOpenConns,
			InsertChunkSize: config.DefaultInsertChunkSize,
			ItemCacheTTL:    config.DefaultItemCacheTTL,
		},
		Export: ExportConfig{
			Enabled:        false,
			Dir:            config.DefaultExportDir,
			Compression:    config.DefaultExportCompression,
			MaxRowsPerFile: config.DefaultExportMaxRows,

			Retention:         config.DefaultExportRetention,
			RetentionInterval: config.DefaultExportRetentionInterval,
		},
		Backpressure: BackpressureConfig{
			Enabled: true,
			Thresholds: BackpressureThresholds{
				Warning:   config.DefaultWarningThreshold,
				Critical:  config.DefaultCriticalThreshold,
				Emergency: config.DefaultEmergencyThreshold,
			},
			Hysteresis:    config.DefaultHysteresis,
			CheckInterval: config.DefaultCheckInterval,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  config.DefaultMetricsListen,
			Path:    config.DefaultMetricsPath,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Shutdown: ShutdownConfig{
			DrainTimeout: config.DefaultDrainTimeout,
		},
	}
}
