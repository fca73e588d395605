// Package valuecache implements the write-back history value cache.
//
// Producers stage values locally and commit them in batches. Every value is
// stored as a record in the value arena; the values of one item form a
// singly linked list from the oldest (tail) to the newest (head) record.
// Items with pending values are ordered by the timestamp of their oldest
// value, and synchronizer workers drain them oldest-first in batches:
//
//	entries := cache.PopBatch(1000)    // entries are now busy
//	values, _ := cache.ExtractValues(entries)
//	// ... persist values ...
//	cache.ReturnBatch(entries, consumed)
//
// A busy entry is owned by one worker. Producers may still append to it,
// but no other worker can pop it until it is returned.
//
// When the value arena is exhausted, committing producers wait until a
// worker frees space. Values are never dropped.
package valuecache

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/histcache/config"
	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/logging"
	"github.com/xtxerr/histcache/internal/shmem"
	"github.com/xtxerr/histcache/internal/storage/types"
)

var log = logging.Component("valuecache")

type entryStatus uint8

const (
	statusNormal entryStatus = iota
	statusBusy
)

// Entry is the index entry of one item with pending values.
type Entry struct {
	ItemID types.ItemID

	status entryStatus
	head   shmem.Ref
	tail   shmem.Ref
	count  int
	tailTS types.Timestamp
	index  int
}

// Config holds value cache settings.
type Config struct {
	// FullWaitBackoff is the longest a producer sleeps between retries
	// while the arena is exhausted.
	FullWaitBackoff time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{FullWaitBackoff: config.DefaultFullWaitBackoff}
}

// Cache is the history value cache.
type Cache struct {
	cfg   Config
	arena *shmem.Arena

	mu      sync.Mutex
	items   map[types.ItemID]*Entry
	queue   entryQueue
	space   chan struct{}
	waiters int

	fullSync  atomic.Bool
	nItems    atomic.Int64
	nValues   atomic.Int64
	ingested  [types.VariantErr + 1]atomic.Uint64
	waits     atomic.Uint64
	waitNanos atomic.Int64
	oversize  atomic.Uint64
}

// New creates a cache storing values in arena. The arena must allow OOM;
// exhaustion is handled by making producers wait.
func New(arena *shmem.Arena, cfg Config) *Cache {
	if cfg.FullWaitBackoff <= 0 {
		cfg.FullWaitBackoff = config.DefaultFullWaitBackoff
	}
	return &Cache{
		cfg:   cfg,
		arena: arena,
		items: make(map[types.ItemID]*Entry),
		space: make(chan struct{}),
	}
}

// Commit stores values in submission order. It blocks while the arena is
// exhausted and returns early only when ctx ends, in which case the values
// before the failing one are committed.
func (c *Cache) Commit(ctx context.Context, values []types.Value) error {
	var b batch
	for i := range values {
		b.add(values[i])
	}
	_, err := c.commit(ctx, &b)
	return err
}

// commit copies the staged records of b into the arena and links them.
// It returns the number of records consumed from the front of b. A record
// larger than the arena can ever hold is dropped and reported after the
// rest of the batch is committed.
func (c *Cache) commit(ctx context.Context, b *batch) (int, error) {
	if len(b.recs) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for i := 0; i < len(b.recs); {
		rec := b.recs[i]
		data := b.slab[rec.off : rec.off+rec.n]

		if uint64(rec.n) > c.arena.MaxAlloc() {
			c.oversize.Add(1)
			log.Warn("value exceeds history cache size, dropped",
				"itemid", rec.itemID, "size", rec.n, "max", c.arena.MaxAlloc())
			errs = append(errs, fmt.Errorf("item %d: %d byte value exceeds history cache size: %w",
				rec.itemID, rec.n, errors.ErrInvalidValue))
			i++
			continue
		}

		ref := c.arena.Alloc(uint64(rec.n))
		if ref == 0 {
			if err := c.waitForSpace(ctx); err != nil {
				return i, errors.Join(append(errs, err)...)
			}
			continue
		}

		copy(c.arena.Bytes(ref), data)
		c.link(rec.itemID, ref, data)
		i++
	}
	return len(b.recs), errors.Join(errs...)
}

// waitForSpace releases the lock until a worker frees space, the backoff
// elapses or ctx ends. It is called and returns with c.mu held.
func (c *Cache) waitForSpace(ctx context.Context) error {
	ch := c.space
	c.waiters++
	c.mu.Unlock()

	c.waits.Add(1)
	log.Warn("history cache is full, waiting for synchronizers to free space",
		"used", c.arena.Counters().UsedSize,
		"values", c.nValues.Load())

	start := time.Now()
	timer := time.NewTimer(c.cfg.FullWaitBackoff)
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
	timer.Stop()
	c.waitNanos.Add(int64(time.Since(start)))

	c.mu.Lock()
	c.waiters--
	return ctx.Err()
}

// link appends the record at ref to the list of item id.
func (c *Cache) link(id types.ItemID, ref shmem.Ref, data []byte) {
	e, ok := c.items[id]
	if !ok {
		e = &Entry{
			ItemID: id,
			head:   ref,
			tail:   ref,
			count:  1,
			tailTS: nodeTimestamp(data),
			index:  -1,
		}
		c.items[id] = e
		heap.Push(&c.queue, e)
		c.nItems.Add(1)
	} else {
		setNodeNext(c.arena.Bytes(e.head), ref)
		e.head = ref
		e.count++
	}

	c.nValues.Add(1)
	c.ingested[nodeVariant(data)].Add(1)
}

// PopBatch removes up to limit entries from the queue, oldest tail value
// first, and marks them busy.
func (c *Cache) PopBatch(limit int) []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := min(limit, c.queue.Len())
	if n <= 0 {
		return nil
	}
	out := make([]*Entry, 0, n)
	for len(out) < n {
		e := heap.Pop(&c.queue).(*Entry)
		e.status = statusBusy
		out = append(out, e)
	}
	return out
}

// ExtractValues copies the oldest value of every busy entry out of the
// arena. It runs without the cache lock: the tail record of a busy entry is
// only released by the worker owning it.
func (c *Cache) ExtractValues(entries []*Entry) ([]types.Value, error) {
	values := make([]types.Value, len(entries))
	for i, e := range entries {
		v, err := decodeNode(e.ItemID, c.arena.Bytes(e.tail))
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// ReturnBatch hands busy entries back. The oldest value of every entry with
// consumed[i] set is released; entries left without values are removed and
// the others are queued again.
func (c *Cache) ReturnBatch(entries []*Entry, consumed []bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	freed := false
	for i, e := range entries {
		if consumed[i] {
			old := e.tail
			next := nodeNext(c.arena.Bytes(old))
			c.arena.Free(old)
			freed = true
			e.count--
			c.nValues.Add(-1)

			if next == 0 {
				delete(c.items, e.ItemID)
				c.nItems.Add(-1)
				continue
			}
			e.tail = next
			e.tailTS = nodeTimestamp(c.arena.Bytes(next))
		}
		e.status = statusNormal
		heap.Push(&c.queue, e)
	}

	if freed && c.waiters > 0 {
		close(c.space)
		c.space = make(chan struct{})
	}
}

// PrepareFullSync switches to a queue holding every idle item, so a drain
// reaches all pending values.
func (c *Cache) PrepareFullSync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fullSync.Store(true)
	c.rebuildQueue()
	log.Info("full history sync prepared", "items", len(c.items), "values", c.nValues.Load())
}

// FinishFullSync restores the regular queue from the live index.
func (c *Cache) FinishFullSync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fullSync.Store(false)
	c.rebuildQueue()
}

func (c *Cache) rebuildQueue() {
	q := make(entryQueue, 0, len(c.items))
	for _, e := range c.items {
		e.index = -1
		if e.status == statusNormal {
			e.index = len(q)
			q = append(q, e)
		}
	}
	heap.Init(&q)
	c.queue = q
}

// Stats is a snapshot of value cache counters.
type Stats struct {
	Items    int64
	Values   int64
	Ingested map[types.VariantType]uint64
	Waits    uint64
	WaitTime time.Duration
	Oversize uint64
	Arena    shmem.Stats
	FullSync bool
}

// FillRatio returns the used share of the value arena.
func (s Stats) FillRatio() float64 {
	return s.Arena.FillRatio()
}

// Stats returns counters read without taking the cache lock.
func (c *Cache) Stats() Stats {
	s := Stats{
		Items:    c.nItems.Load(),
		Values:   c.nValues.Load(),
		Ingested: make(map[types.VariantType]uint64, len(c.ingested)),
		Waits:    c.waits.Load(),
		WaitTime: time.Duration(c.waitNanos.Load()),
		Oversize: c.oversize.Load(),
		Arena:    c.arena.Counters(),
		FullSync: c.fullSync.Load(),
	}
	for t := range c.ingested {
		s.Ingested[types.VariantType(t)] = c.ingested[t].Load()
	}
	return s
}

// DumpStats logs arena details; it takes the cache lock.
func (c *Cache) DumpStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arena.DumpStats()
}

// =============================================================================
// Queue
// =============================================================================

// entryQueue is a min-heap of entries keyed by their oldest value.
type entryQueue []*Entry

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool {
	a, b := q[i], q[j]
	if a.tailTS != b.tailTS {
		return a.tailTS.Before(b.tailTS)
	}
	return a.ItemID < b.ItemID
}

func (q entryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *entryQueue) Push(x any) {
	e := x.(*Entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *entryQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
