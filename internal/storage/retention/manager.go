// Package retention removes expired Parquet export files.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/xtxerr/histcache/internal/logging"
	"github.com/xtxerr/histcache/internal/storage/config"
	"github.com/xtxerr/histcache/internal/storage/export"
)

var log = logging.Component("retention")

// Manager deletes finished export files older than the configured
// retention.
type Manager struct {
	dir       string
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	stats Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime  time.Time
	Runs         int64
	FilesDeleted int64
	BytesFreed   int64
	FilesSkipped int64
	Errors       int64
}

// CleanupResult holds the result of one cleanup of a file kind.
type CleanupResult struct {
	Kind         string
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// New creates a retention manager for the export directory.
func New(cfg config.ExportConfig) *Manager {
	return &Manager{
		dir:       cfg.Dir,
		retention: cfg.Retention,
		interval:  cfg.RetentionInterval,
		now:       time.Now,
	}
}

// Enabled reports whether files expire at all.
func (m *Manager) Enabled() bool {
	return m.retention > 0
}

// Run cleans up every interval until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, r := range m.RunCleanup() {
				if r.FilesDeleted > 0 || len(r.Errors) > 0 {
					log.Info("expired export files removed",
						"kind", r.Kind,
						"files", r.FilesDeleted,
						"freed", humanize.IBytes(uint64(r.BytesFreed)),
						"errors", len(r.Errors))
				}
			}
		}
	}
}

// RunCleanup removes expired files of every kind.
func (m *Manager) RunCleanup() []CleanupResult {
	return m.run(false)
}

// DryRun reports what RunCleanup would remove.
func (m *Manager) DryRun() []CleanupResult {
	return m.run(true)
}

func (m *Manager) run(dryRun bool) []CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var results []CleanupResult
	for _, kind := range []string{export.KindHistory, export.KindTrends} {
		results = append(results, m.cleanupKind(kind, now, dryRun))
	}

	if dryRun {
		return results
	}
	m.stats.LastRunTime = now
	m.stats.Runs++
	for _, r := range results {
		m.stats.FilesDeleted += int64(r.FilesDeleted)
		m.stats.BytesFreed += r.BytesFreed
		m.stats.FilesSkipped += int64(r.FilesSkipped)
		m.stats.Errors += int64(len(r.Errors))
	}
	return results
}

// cleanupKind removes the expired files of one kind. Files whose name
// carries no parseable time are skipped.
func (m *Manager) cleanupKind(kind string, now time.Time, dryRun bool) CleanupResult {
	result := CleanupResult{Kind: kind}
	cutoff := now.Add(-m.retention)

	files, err := export.Files(m.dir, kind)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list files: %w", err))
		return result
	}

	for _, path := range files {
		_, created, err := export.ParseFileName(path)
		if err != nil || created.After(cutoff) {
			result.FilesSkipped++
			continue
		}

		info, err := os.Stat(path)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}

		if !dryRun {
			if err := os.Remove(path); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", path, err))
				continue
			}
		}

		result.FilesDeleted++
		result.BytesFreed += info.Size()
	}

	return result
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// DiskUsage holds disk usage of one file kind.
type DiskUsage struct {
	FileCount int
	TotalSize int64
}

// GetDiskUsage returns the disk usage of every file kind.
func (m *Manager) GetDiskUsage() map[string]DiskUsage {
	usage := make(map[string]DiskUsage)
	for _, kind := range []string{export.KindHistory, export.KindTrends} {
		files, err := export.Files(m.dir, kind)
		if err != nil {
			continue
		}
		var u DiskUsage
		for _, path := range files {
			if info, err := os.Stat(path); err == nil {
				u.FileCount++
				u.TotalSize += info.Size()
			}
		}
		usage[kind] = u
	}
	return usage
}

// FormatDiskUsage returns a formatted summary of disk usage.
func (m *Manager) FormatDiskUsage() string {
	usage := m.GetDiskUsage()

	kinds := make([]string, 0, len(usage))
	for kind := range usage {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var result string
	var totalSize int64
	var totalFiles int
	for _, kind := range kinds {
		u := usage[kind]
		totalSize += u.TotalSize
		totalFiles += u.FileCount
		result += fmt.Sprintf("  %s: %d files, %s\n", kind, u.FileCount, humanize.IBytes(uint64(u.TotalSize)))
	}

	return fmt.Sprintf("Export disk usage (%s):\n%s  Total: %d files, %s\n",
		filepath.Clean(m.dir), result, totalFiles, humanize.IBytes(uint64(totalSize)))
}
