package storage

import (
	"time"

	"github.com/xtxerr/histcache/internal/shmem"
	"github.com/xtxerr/histcache/internal/storage/backpressure"
	"github.com/xtxerr/histcache/internal/storage/export"
	"github.com/xtxerr/histcache/internal/storage/retention"
	"github.com/xtxerr/histcache/internal/syncer"
	"github.com/xtxerr/histcache/internal/trend"
	"github.com/xtxerr/histcache/internal/valuecache"
)

// Stats holds service statistics. Every field is read without taking a
// cache lock.
type Stats struct {
	Running bool
	Uptime  time.Duration

	Values valuecache.Stats
	Trends trend.Stats
	IDs    shmem.Stats
	Sync   syncer.Stats

	// CachedItems is the number of items in the metadata cache.
	CachedItems int

	// LockedTriggers is the number of trigger ids held by workers.
	LockedTriggers int

	Export       export.Stats
	Retention    retention.Stats
	Backpressure []backpressure.SourceStats
}

// Stats returns service statistics.
func (s *Service) Stats() Stats {
	st := Stats{
		Running:        s.running.Load(),
		Values:         s.values.Stats(),
		Trends:         s.trends.Stats(),
		IDs:            s.idArena.Counters(),
		Sync:           s.recorder.Snapshot(),
		CachedItems:    s.items.Len(),
		LockedTriggers: s.locks.Held(),
		Backpressure:   s.monitor.Sources(),
	}
	if st.Running {
		st.Uptime = s.uptime()
	}
	if s.export != nil {
		st.Export = s.export.Stats()
	}
	if s.retention != nil {
		st.Retention = s.retention.Stats()
	}
	return st
}
