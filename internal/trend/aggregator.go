// Package trend maintains hourly min/avg/max/count aggregates of numeric
// item values.
//
// Every item has at most one live entry, for the hour of its most recent
// value. Entries are kept in a dedicated arena. When a value for another
// hour (or another value type) arrives, the live entry is moved to the
// pending list, which the synchronizer persists inside its next storage
// transaction. Once per hour, after a cleanup delay, entries of earlier
// hours are moved to pending even if their items went quiet.
package trend

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/histcache/config"
	"github.com/xtxerr/histcache/internal/logging"
	"github.com/xtxerr/histcache/internal/shmem"
	"github.com/xtxerr/histcache/internal/storage/types"
)

var log = logging.Component("trend")

// Config holds trend cache settings.
type Config struct {
	// CleanupDelay is how far into an hour entries of earlier hours are
	// flushed.
	CleanupDelay time.Duration
}

// DefaultConfig returns the default trend configuration.
func DefaultConfig() Config {
	return Config{CleanupDelay: config.DefaultTrendCleanupDelay}
}

// Aggregator manages live trend entries and the pending flush list.
type Aggregator struct {
	cfg   Config
	arena *shmem.Arena

	mu          sync.Mutex
	entries     map[types.ItemID]shmem.Ref
	pending     []types.TrendRow
	lastCleanup int64

	stats struct {
		live      atomic.Int64
		pending   atomic.Int64
		added     atomic.Uint64
		completed atomic.Uint64
		pressure  atomic.Uint64
	}
}

// Stats holds aggregator counters.
type Stats struct {
	Live      int64
	Pending   int64
	Added     uint64
	Completed uint64
	Pressure  uint64
	Arena     shmem.Stats
}

// New creates an aggregator over arena. The arena must allow OOM; when it
// is exhausted every live entry is flushed early.
func New(arena *shmem.Arena, cfg Config) *Aggregator {
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = config.DefaultTrendCleanupDelay
	}
	return &Aggregator{
		cfg:     cfg,
		arena:   arena,
		entries: make(map[types.ItemID]shmem.Ref),
	}
}

// Add folds a value of item id into the trend of its hour. Only float and
// unsigned values are aggregated; v must already match vt.
func (a *Aggregator) Add(id types.ItemID, vt types.ValueType, v types.Variant, ts types.Timestamp) {
	if !vt.Numeric() {
		return
	}
	hour := ts.HourClock()

	a.mu.Lock()
	defer a.mu.Unlock()

	var r record
	if ref, ok := a.entries[id]; ok {
		r = record(a.arena.Bytes(ref))
		if r.clock() != hour || r.valueType() != vt {
			if r.num() > 0 {
				a.complete(r.row())
			}
			r.reset(hour, vt)
		}
	} else {
		ref := a.allocEntry()
		if ref == 0 {
			// Not even one entry fits: hand the value on as its own row.
			var tmp [recordSize]byte
			r = record(tmp[:])
			r.init(id, hour, vt)
			r.add(v)
			a.complete(r.row())
			a.stats.added.Add(1)
			return
		}
		a.entries[id] = ref
		a.stats.live.Add(1)
		r = record(a.arena.Bytes(ref))
		r.init(id, hour, vt)
	}

	r.add(v)
	a.stats.added.Add(1)
}

// allocEntry allocates a trend entry, flushing every live entry when the
// arena is full.
func (a *Aggregator) allocEntry() shmem.Ref {
	if ref := a.arena.Alloc(recordSize); ref != 0 {
		return ref
	}
	a.stats.pressure.Add(1)
	n := len(a.entries)
	a.flushWhere(func(record) bool { return true })
	log.Warn("trend cache is full, flushed all live trends early", "entries", n)
	return a.arena.Alloc(recordSize)
}

// complete appends row to the pending list. Called with a.mu held.
func (a *Aggregator) complete(row types.TrendRow) {
	a.pending = append(a.pending, row)
	a.stats.pending.Add(1)
	a.stats.completed.Add(1)
}

// flushWhere moves matching live entries to pending and frees them.
// Called with a.mu held.
func (a *Aggregator) flushWhere(match func(record) bool) int {
	moved := 0
	for id, ref := range a.entries {
		r := record(a.arena.Bytes(ref))
		if !match(r) {
			continue
		}
		if r.num() > 0 {
			a.complete(r.row())
		}
		a.arena.Free(ref)
		delete(a.entries, id)
		a.stats.live.Add(-1)
		moved++
	}
	return moved
}

// FlushDue moves entries of hours before the current one to pending, at
// most once per hour and only after the cleanup delay has passed. It
// returns the number of entries moved.
func (a *Aggregator) FlushDue(now time.Time) int {
	sec := now.Unix()
	hour := sec - sec%3600

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lastCleanup >= hour || time.Duration(sec-hour)*time.Second < a.cfg.CleanupDelay {
		return 0
	}
	a.lastCleanup = hour

	moved := a.flushWhere(func(r record) bool { return r.clock() < hour })
	if moved > 0 {
		log.Debug("flushed finished trends", "entries", moved, "hour", hour)
	}
	return moved
}

// FlushAll moves every live entry to pending and returns all pending rows.
func (a *Aggregator) FlushAll() []types.TrendRow {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.flushWhere(func(record) bool { return true })
	return a.takePendingLocked()
}

// TakePending returns the pending rows and clears the list. Rows of the
// same item and hour are merged.
func (a *Aggregator) TakePending() []types.TrendRow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.takePendingLocked()
}

func (a *Aggregator) takePendingLocked() []types.TrendRow {
	if len(a.pending) == 0 {
		return nil
	}
	rows := mergeDuplicates(a.pending)
	a.pending = nil
	a.stats.pending.Store(0)
	return rows
}

// RestorePending puts rows back in front of the pending list after a
// failed persistence attempt.
func (a *Aggregator) RestorePending(rows []types.TrendRow) {
	if len(rows) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = append(append(make([]types.TrendRow, 0, len(rows)+len(a.pending)), rows...), a.pending...)
	a.stats.pending.Store(int64(len(a.pending)))
}

// Reconcile applies the DisableFrom hours returned by storage after a
// commit. Markers only move forward.
func (a *Aggregator) Reconcile(disableFrom map[types.ItemID]int64) {
	if len(disableFrom) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, from := range disableFrom {
		if ref, ok := a.entries[id]; ok {
			if r := record(a.arena.Bytes(ref)); from > r.disableFrom() {
				r.setDisableFrom(from)
			}
		}
	}
	for i := range a.pending {
		if from, ok := disableFrom[a.pending[i].ItemID]; ok && from > a.pending[i].DisableFrom {
			a.pending[i].DisableFrom = from
		}
	}
}

// Stats returns aggregator counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		Live:      a.stats.live.Load(),
		Pending:   a.stats.pending.Load(),
		Added:     a.stats.added.Load(),
		Completed: a.stats.completed.Load(),
		Pressure:  a.stats.pressure.Load(),
		Arena:     a.arena.Counters(),
	}
}

func mergeDuplicates(rows []types.TrendRow) []types.TrendRow {
	index := make(map[types.TrendKey]int, len(rows))
	out := make([]types.TrendRow, 0, len(rows))
	for _, row := range rows {
		if i, ok := index[row.Key()]; ok && out[i].ValueType == row.ValueType {
			out[i] = MergeRows(out[i], row)
			continue
		}
		index[row.Key()] = len(out)
		out = append(out, row)
	}
	return out
}

// DumpStats logs trend arena details; it takes the aggregator lock.
func (a *Aggregator) DumpStats() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.arena.DumpStats()
}
