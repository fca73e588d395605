// Package backpressure watches the fill level of the cache arenas.
//
// Producers already block when the history arena is exhausted, and the
// trend cache flushes early under pressure, so nothing here throttles or
// drops values. The monitor turns fill ratios into levels with hysteresis,
// logs level changes and exposes the levels to metrics.
package backpressure

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/histcache/internal/logging"
	"github.com/xtxerr/histcache/internal/storage/config"
)

var log = logging.Component("backpressure")

// Level represents a fill level.
type Level int

const (
	// LevelNormal - fill below the warning threshold.
	LevelNormal Level = iota

	// LevelWarning - synchronizers are falling behind.
	LevelWarning

	// LevelCritical - producers will soon wait for free space.
	LevelCritical

	// LevelEmergency - producers are about to block or already do.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// FillFunc returns the used share of a cache, between 0 and 1.
type FillFunc func() float64

type source struct {
	name  string
	fill  FillFunc
	level Level
	ratio float64
}

// Monitor samples cache fill ratios and tracks a level per cache.
type Monitor struct {
	mu sync.RWMutex

	config  config.BackpressureConfig
	sources []*source

	stats Stats

	onLevelChange func(name string, old, new Level)
}

// Stats holds monitor statistics.
type Stats struct {
	Checks         int64
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
}

// New creates a monitor.
func New(cfg config.BackpressureConfig) *Monitor {
	return &Monitor{config: cfg}
}

// AddSource registers a cache under name.
func (m *Monitor) AddSource(name string, fill FillFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, &source{name: name, fill: fill})
}

// SetOnLevelChange sets the callback for level changes. It runs with the
// monitor locked and must not call back into it.
func (m *Monitor) SetOnLevelChange(fn func(name string, old, new Level)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevelChange = fn
}

// Check samples every source and updates its level. It returns the
// highest level.
func (m *Monitor) Check() Level {
	if !m.config.Enabled {
		return LevelNormal
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Checks++
	highest := LevelNormal
	for _, s := range m.sources {
		s.ratio = s.fill()
		if lvl := m.determineLevel(s.level, s.ratio); lvl != s.level {
			m.setLevel(s, lvl)
		}
		highest = max(highest, s.level)
	}
	return highest
}

// determineLevel determines the level of a fill ratio. A level is only
// left downwards once the ratio falls Hysteresis below its threshold.
func (m *Monitor) determineLevel(current Level, ratio float64) Level {
	raw := m.levelOf(ratio)
	if raw >= current {
		return raw
	}
	if ratio >= m.threshold(current)-m.config.Hysteresis {
		return current
	}
	return m.determineLevel(current-1, ratio)
}

func (m *Monitor) levelOf(ratio float64) Level {
	for lvl := LevelEmergency; lvl > LevelNormal; lvl-- {
		if ratio >= m.threshold(lvl) {
			return lvl
		}
	}
	return LevelNormal
}

func (m *Monitor) threshold(lvl Level) float64 {
	switch lvl {
	case LevelWarning:
		return m.config.Thresholds.Warning
	case LevelCritical:
		return m.config.Thresholds.Critical
	case LevelEmergency:
		return m.config.Thresholds.Emergency
	}
	return 0
}

func (m *Monitor) setLevel(s *source, lvl Level) {
	old := s.level
	s.level = lvl
	m.stats.LevelChanges++

	switch lvl {
	case LevelWarning:
		m.stats.WarningCount++
	case LevelCritical:
		m.stats.CriticalCount++
	case LevelEmergency:
		m.stats.EmergencyCount++
	}

	if lvl > old {
		log.Warn("cache fill level raised", "cache", s.name, "level", lvl.String(), "fill", s.ratio)
	} else {
		log.Info("cache fill level lowered", "cache", s.name, "level", lvl.String(), "fill", s.ratio)
	}

	if m.onLevelChange != nil {
		m.onLevelChange(s.name, old, lvl)
	}
}

// Run checks the sources every CheckInterval until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}
	interval := m.config.CheckInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check()
		}
	}
}

// Levels returns the last level of every source.
func (m *Monitor) Levels() map[string]Level {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Level, len(m.sources))
	for _, s := range m.sources {
		out[s.name] = s.level
	}
	return out
}

// SourceStats is the last sample of one source.
type SourceStats struct {
	Name  string
	Level Level
	Fill  float64
}

// Sources returns the last samples ordered by name.
func (m *Monitor) Sources() []SourceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SourceStats, len(m.sources))
	for i, s := range m.sources {
		out[i] = SourceStats{Name: s.name, Level: s.level, Fill: s.ratio}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stats returns monitor statistics.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// IsEnabled returns whether the monitor is enabled.
func (m *Monitor) IsEnabled() bool {
	return m.config.Enabled
}
