package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xtxerr/histcache/config"
	"github.com/xtxerr/histcache/internal/shmem"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}

	if err := c.Stager.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("stager: %w", err))
	}

	if err := c.Sync.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}

	if c.Trends.CleanupDelay <= 0 {
		errs = append(errs, errors.New("trends: cleanup_delay must be positive"))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}

	if err := c.Export.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("export: %w", err))
	}

	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics: listen is required when enabled"))
	}

	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}

	if c.Shutdown.DrainTimeout <= 0 {
		errs = append(errs, errors.New("shutdown: drain_timeout must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the arena sizes.
func (c *CacheConfig) Validate() error {
	var errs []error

	sizes := []struct {
		name string
		size ByteSize
		min  ByteSize
	}{
		{"history_size", c.HistorySize, config.MinHistoryCacheSize},
		{"trend_size", c.TrendSize, config.MinCacheSize},
		{"id_size", c.IDSize, config.MinCacheSize},
	}
	for _, s := range sizes {
		if s.size < s.min || s.size > shmem.MaxCapacity {
			errs = append(errs, fmt.Errorf("%s must be between %s and %s, got %s",
				s.name, s.min, ByteSize(shmem.MaxCapacity), s.size))
		}
	}

	if c.FullWaitBackoff <= 0 {
		errs = append(errs, errors.New("full_wait_backoff must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the stager bounds.
func (c *StagerConfig) Validate() error {
	var errs []error

	if c.MaxValues <= 0 {
		errs = append(errs, errors.New("max_values must be positive"))
	}

	if c.SlabSize == 0 {
		errs = append(errs, errors.New("slab_size must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the synchronizer configuration.
func (c *SyncConfig) Validate() error {
	var errs []error

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}

	if c.TimeBudget <= 0 {
		errs = append(errs, errors.New("time_budget must be positive"))
	}

	if c.MinProcessedPct < 0 || c.MinProcessedPct > 100 {
		errs = append(errs, errors.New("min_processed_pct must be between 0 and 100"))
	}

	if c.Frequency <= 0 {
		errs = append(errs, errors.New("frequency must be positive"))
	}

	if c.Retry.InitialBackoff <= 0 {
		errs = append(errs, errors.New("retry.initial_backoff must be positive"))
	}

	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		errs = append(errs, errors.New("retry.max_backoff must be >= retry.initial_backoff"))
	}

	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.max_attempts must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the database configuration.
func (c *DatabaseConfig) Validate() error {
	var errs []error

	if c.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("max_open_conns must be positive"))
	}

	if c.InsertChunkSize <= 0 {
		errs = append(errs, errors.New("insert_chunk_size must be positive"))
	}

	if c.ItemCacheTTL <= 0 {
		errs = append(errs, errors.New("item_cache_ttl must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the export configuration.
func (c *ExportConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Dir == "" {
		errs = append(errs, errors.New("dir is required when enabled"))
	}

	validCodecs := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty writes uncompressed columns
	}
	if !validCodecs[c.Compression] {
		errs = append(errs, errors.New("compression must be one of: snappy, zstd, gzip, none"))
	}

	if c.MaxRowsPerFile <= 0 {
		errs = append(errs, errors.New("max_rows_per_file must be positive"))
	}

	if c.Retention < 0 {
		errs = append(errs, errors.New("retention must not be negative"))
	}
	if c.Retention > 0 && c.RetentionInterval <= 0 {
		errs = append(errs, errors.New("retention_interval must be positive when retention is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	// Thresholds must be in order
	if c.Thresholds.Warning <= 0 || c.Thresholds.Warning >= 1 {
		errs = append(errs, errors.New("thresholds.warning must be between 0 and 1"))
	}
	if c.Thresholds.Critical <= 0 || c.Thresholds.Critical >= 1 {
		errs = append(errs, errors.New("thresholds.critical must be between 0 and 1"))
	}
	if c.Thresholds.Emergency <= 0 || c.Thresholds.Emergency >= 1 {
		errs = append(errs, errors.New("thresholds.emergency must be between 0 and 1"))
	}

	if c.Thresholds.Warning >= c.Thresholds.Critical {
		errs = append(errs, errors.New("thresholds.warning must be < thresholds.critical"))
	}
	if c.Thresholds.Critical >= c.Thresholds.Emergency {
		errs = append(errs, errors.New("thresholds.critical must be < thresholds.emergency"))
	}

	if c.Hysteresis < 0 || c.Hysteresis >= 0.5 {
		errs = append(errs, errors.New("hysteresis must be between 0 and 0.5"))
	}
	if c.CheckInterval <= 0 {
		errs = append(errs, errors.New("check_interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the logging configuration.
func (c *LoggingConfig) Validate() error {
	var errs []error

	switch c.Level {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		errs = append(errs, fmt.Errorf("unknown level %q", c.Level))
	}

	switch c.Format {
	case "text", "json", "auto", "":
	default:
		errs = append(errs, fmt.Errorf("format must be one of: text, json, auto"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates the directories of the database file and the
// export.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Database.Path != "" {
		dirs = append(dirs, filepath.Dir(c.Database.Path))
	}
	if c.Export.Enabled {
		dirs = append(dirs, c.Export.Dir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
