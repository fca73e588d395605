// Package config provides configuration defaults for the history cache
// daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml.
package config

import "time"

// =============================================================================
// Cache Defaults
// =============================================================================

const (
	// DefaultHistoryCacheSize is the capacity of the value arena holding
	// pending samples. Producers block when it is exhausted.
	// Range: 128KB-64GB
	// Override via config: cache.history_size
	DefaultHistoryCacheSize = 64 * 1024 * 1024

	// DefaultTrendCacheSize is the capacity of the trend arena.
	// When exhausted, every live trend entry is flushed early.
	// Override via config: cache.trend_size
	DefaultTrendCacheSize = 8 * 1024 * 1024

	// DefaultIDCacheSize is the capacity of the ID generation arena.
	// Override via config: cache.id_size
	DefaultIDCacheSize = 64 * 1024

	// MinCacheSize is the smallest accepted trend and ID arena size.
	MinCacheSize = 64 * 1024

	// MinHistoryCacheSize is the smallest accepted history arena size. It
	// holds at least one value of the largest size the stager produces.
	MinHistoryCacheSize = 128 * 1024

	// DefaultFullWaitBackoff is how long a blocked producer sleeps before
	// retrying when no space notification arrives.
	// Override via config: cache.full_wait_backoff
	DefaultFullWaitBackoff = time.Second
)

// =============================================================================
// Stager Defaults
// =============================================================================

const (
	// DefaultStagerMaxValues is the number of values a producer buffers
	// before committing them under the cache lock.
	// Override via config: stager.max_values
	DefaultStagerMaxValues = 256

	// DefaultStagerSlabSize is the byte size of the per-producer staging slab.
	// A value that does not fit forces a commit.
	// Override via config: stager.slab_size
	DefaultStagerSlabSize = 512 * 1024
)

// =============================================================================
// Value Limits
// =============================================================================

const (
	// MaxStrValueLen is the character limit of character values.
	MaxStrValueLen = 255

	// MaxTextValueLen is the byte limit of text and log values.
	MaxTextValueLen = 65535

	// MaxLogSourceLen is the character limit of the log source field.
	MaxLogSourceLen = 64

	// MaxErrorLen is the byte limit of item error messages.
	MaxErrorLen = 2048
)

// =============================================================================
// Synchronizer Defaults
// =============================================================================

const (
	// DefaultSyncWorkers is the number of synchronizer workers.
	// Override via config: sync.workers
	DefaultSyncWorkers = 4

	// DefaultSyncBatchSize is the maximum number of items popped per batch.
	// Override via config: sync.batch_size
	DefaultSyncBatchSize = 1000

	// DefaultSyncTimeBudget bounds a normal sync pass.
	// Override via config: sync.time_budget
	DefaultSyncTimeBudget = 10 * time.Second

	// DefaultMinProcessedPct stops a pass early when fewer than this share
	// of popped items could be processed (the rest were trigger-locked).
	// Override via config: sync.min_processed_pct
	DefaultMinProcessedPct = 10

	// DefaultSyncFrequency is the idle delay between passes of one worker.
	// Override via config: sync.frequency
	DefaultSyncFrequency = time.Second

	// DefaultFullSyncLogInterval is the progress log interval of a full drain.
	DefaultFullSyncLogInterval = 10 * time.Second
)

// =============================================================================
// Retry Defaults
// =============================================================================

const (
	// DefaultRetryInitialBackoff is the first delay after a retryable
	// storage error.
	// Override via config: sync.retry.initial_backoff
	DefaultRetryInitialBackoff = 100 * time.Millisecond

	// DefaultRetryMaxBackoff caps the exponential backoff.
	// Override via config: sync.retry.max_backoff
	DefaultRetryMaxBackoff = 5 * time.Second

	// DefaultRetryMaxAttempts limits retries of one transaction; 0 retries
	// until the storage recovers or the context ends.
	// Override via config: sync.retry.max_attempts
	DefaultRetryMaxAttempts = 0
)

// =============================================================================
// Trend Defaults
// =============================================================================

const (
	// DefaultTrendCleanupDelay is how far into an hour finished trend
	// entries of earlier hours are flushed.
	// Override via config: trends.cleanup_delay
	DefaultTrendCleanupDelay = 55 * time.Minute
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDatabasePath is the DuckDB database file.
	// Override via config: database.path
	DefaultDatabasePath = "histcache.duckdb"

	// DefaultDatabaseMaxOpenConns bounds the DuckDB connection pool.
	// Override via config: database.max_open_conns
	DefaultDatabaseMaxOpenConns = 8

	// DefaultInsertChunkSize is the number of rows per multi-row INSERT.
	DefaultInsertChunkSize = 100

	// DefaultItemCacheTTL is how long resolved item metadata is reused.
	// Override via config: database.item_cache_ttl
	DefaultItemCacheTTL = 30 * time.Second
)

// =============================================================================
// Export Defaults
// =============================================================================

const (
	// DefaultExportDir is where Parquet export files are written.
	// Override via config: export.dir
	DefaultExportDir = "export"

	// DefaultExportCompression is the Parquet column codec.
	// Override via config: export.compression
	DefaultExportCompression = "zstd"

	// DefaultExportMaxRows rotates an export file after this many rows.
	// Override via config: export.max_rows_per_file
	DefaultExportMaxRows = 1_000_000

	// DefaultExportRetention is how long finished export files are kept.
	// Zero keeps them forever.
	// Override via config: export.retention
	DefaultExportRetention = 0

	// DefaultExportRetentionInterval is how often expired export files are
	// removed.
	// Override via config: export.retention_interval
	DefaultExportRetentionInterval = time.Hour
)

// =============================================================================
// Backpressure Defaults
// =============================================================================

const (
	// DefaultWarningThreshold is the value arena fill ratio logged as warning.
	DefaultWarningThreshold = 0.5

	// DefaultCriticalThreshold is the fill ratio logged as critical.
	DefaultCriticalThreshold = 0.8

	// DefaultEmergencyThreshold is the fill ratio logged as emergency.
	DefaultEmergencyThreshold = 0.95

	// DefaultHysteresis is how far the fill ratio must fall below a
	// threshold before the level drops.
	DefaultHysteresis = 0.1

	// DefaultCheckInterval is how often the fill level is sampled.
	DefaultCheckInterval = time.Second
)

// =============================================================================
// Metrics Defaults
// =============================================================================

const (
	// DefaultMetricsListen is the Prometheus endpoint address. Empty disables it.
	// Override via config: metrics.listen
	DefaultMetricsListen = "127.0.0.1:9164"

	// DefaultMetricsPath is the HTTP path of the Prometheus endpoint.
	DefaultMetricsPath = "/metrics"
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeout bounds the final full drain at shutdown.
	// Override via config: sync.drain_timeout
	DefaultDrainTimeout = 5 * time.Minute
)
