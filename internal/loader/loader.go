// Package loader loads item definition files and applies them to the item
// table.
//
// An item file is YAML. Environment variables are expanded before parsing
// and include patterns pull in further files:
//
//	include: ["items.d/*.yaml"]
//	defaults:
//	  trends: true
//	items:
//	  10001:
//	    host: 10084
//	    key: system.cpu.load[all,avg1]
//	    value_type: float
//	    triggers: [13491]
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/logging"
	"github.com/xtxerr/histcache/internal/storage/types"
)

var log = logging.Component("loader")

// =============================================================================
// Load
// =============================================================================

// Load loads an item file and its includes.
func Load(path string) (*File, error) {
	f, err := parse(path)
	if err != nil {
		return nil, err
	}
	if f.Items == nil {
		f.Items = make(map[uint64]*ItemConfig)
	}
	if err := processIncludes(f, filepath.Dir(path)); err != nil {
		return nil, err
	}
	return f, nil
}

func parse(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read item file: %w", err)
	}

	f := DefaultFile()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), f); err != nil {
		return nil, fmt.Errorf("parse item file %s: %w", path, err)
	}
	return f, nil
}

// processIncludes merges included files. Later definitions of an item
// replace earlier ones.
func processIncludes(f *File, baseDir string) error {
	for _, pattern := range f.Include {
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}
		sort.Strings(matches)

		for _, match := range matches {
			partial, err := parse(match)
			if err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
			for id, item := range partial.Items {
				f.Items[id] = item
			}
		}
	}
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate checks every item definition.
func Validate(f *File) error {
	errs := errors.NewValidationErrors()

	for _, id := range sortedIDs(f) {
		item := f.Items[id]
		if id == 0 {
			errs.AddField("items", "item id 0 is reserved")
			continue
		}
		if item == nil {
			errs.AddField(fmt.Sprintf("items.%d", id), "empty definition")
			continue
		}
		if item.Key == "" {
			errs.AddMissing(fmt.Sprintf("items.%d.key", id))
		}
		if _, err := ParseValueType(item.ValueType); err != nil {
			errs.AddField(fmt.Sprintf("items.%d.value_type", id), err.Error())
		}
		if _, err := ParseStatus(item.Status); err != nil {
			errs.AddField(fmt.Sprintf("items.%d.status", id), err.Error())
		}
	}

	return errs.Err()
}

func sortedIDs(f *File) []uint64 {
	ids := make([]uint64, 0, len(f.Items))
	for id := range f.Items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// =============================================================================
// Apply
// =============================================================================

// Applier stores item metadata.
type Applier interface {
	ApplyItems(ctx context.Context, items []types.ItemMeta) error
}

// ApplyResult reports what Apply did.
type ApplyResult struct {
	Items    int
	Disabled int
	Errors   []string
}

// Apply validates f and writes its items in one batch.
func Apply(ctx context.Context, f *File, dst Applier) (*ApplyResult, error) {
	result := &ApplyResult{}
	if err := Validate(f); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, err
	}

	metas := make([]types.ItemMeta, 0, len(f.Items))
	for _, id := range sortedIDs(f) {
		meta, err := f.Items[id].ToMeta(id, f.Defaults)
		if err != nil {
			return result, err
		}
		if !meta.Enabled() {
			result.Disabled++
		}
		metas = append(metas, meta)
	}

	if len(metas) == 0 {
		return result, nil
	}
	if err := dst.ApplyItems(ctx, metas); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, fmt.Errorf("apply items: %w", err)
	}
	result.Items = len(metas)
	return result, nil
}

// =============================================================================
// Watcher
// =============================================================================

// Watcher reapplies an item file whenever its modification time changes.
type Watcher struct {
	path     string
	dst      Applier
	interval time.Duration
	callback func(*ApplyResult)

	mu      sync.Mutex
	modTime time.Time
}

// NewWatcher creates a watcher polling path every interval.
func NewWatcher(path string, dst Applier, interval time.Duration, callback func(*ApplyResult)) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		path:     path,
		dst:      dst,
		interval: interval,
		callback: callback,
	}
}

// Run polls until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	if info, err := os.Stat(w.path); err == nil {
		w.setModTime(info.ModTime())
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check reloads the file if it changed since the last check and reports
// whether it did.
func (w *Watcher) Check(ctx context.Context) bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}

	w.mu.Lock()
	changed := info.ModTime().After(w.modTime)
	if changed {
		w.modTime = info.ModTime()
	}
	w.mu.Unlock()

	if changed {
		w.reload(ctx)
	}
	return changed
}

func (w *Watcher) setModTime(t time.Time) {
	w.mu.Lock()
	w.modTime = t
	w.mu.Unlock()
}

func (w *Watcher) reload(ctx context.Context) {
	f, err := Load(w.path)
	if err != nil {
		log.Warn("item file reload failed", "path", w.path, "error", err)
		if w.callback != nil {
			w.callback(&ApplyResult{Errors: []string{fmt.Sprintf("reload items: %v", err)}})
		}
		return
	}

	result, err := Apply(ctx, f, w.dst)
	if err != nil {
		log.Warn("item file apply failed", "path", w.path, "error", err)
	}
	if w.callback != nil {
		w.callback(result)
	}
}
