// Package idcache hands out row IDs for tables whose IDs are generated by
// the server rather than the database.
//
// The first request for a table seeds the counter from the largest ID
// already stored; later requests are served from the cache. Counters live
// in their own small arena, guarded by their own lock.
package idcache

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/shmem"
)

// MaxIDSource reports the largest ID stored in a table column.
type MaxIDSource interface {
	MaxID(ctx context.Context, table, field string) (uint64, error)
}

// Counter record layout: lastid (8 bytes), table name length (1 byte),
// field name length (1 byte), table name, field name.
const counterHeader = 10

// Cache is the ID generation table.
type Cache struct {
	mu       sync.Mutex
	arena    *shmem.Arena
	counters map[string]shmem.Ref
}

// New creates an ID cache over arena.
func New(arena *shmem.Arena) *Cache {
	return &Cache{
		arena:    arena,
		counters: make(map[string]shmem.Ref),
	}
}

// NextID reserves n consecutive IDs for table.field and returns the first.
// The counter is seeded from src the first time the column is requested.
func (c *Cache) NextID(ctx context.Context, src MaxIDSource, table, field string, n uint64) (uint64, error) {
	if n == 0 {
		return 0, errors.NewInvalidValue("id count", n, "must be positive")
	}
	if len(table) > 255 || len(field) > 255 {
		return 0, errors.NewInvalidValue("column", table+"."+field, "name too long")
	}
	key := table + "." + field

	c.mu.Lock()
	defer c.mu.Unlock()

	ref, ok := c.counters[key]
	if !ok {
		maxID, err := src.MaxID(ctx, table, field)
		if err != nil {
			return 0, errors.Wrapf(err, "seed %s", key)
		}
		ref = c.arena.Alloc(uint64(counterHeader + len(table) + len(field)))
		if ref == 0 {
			return 0, fmt.Errorf("id counter %s: %w", key, errors.ErrArenaExhausted)
		}
		rec := c.arena.Bytes(ref)
		binary.LittleEndian.PutUint64(rec, maxID)
		rec[8] = byte(len(table))
		rec[9] = byte(len(field))
		copy(rec[counterHeader:], table)
		copy(rec[counterHeader+len(table):], field)
		c.counters[key] = ref
	}

	rec := c.arena.Bytes(ref)
	last := binary.LittleEndian.Uint64(rec)
	binary.LittleEndian.PutUint64(rec, last+n)
	return last + 1, nil
}

// Reset forgets every counter, forcing the next request to reseed from
// storage.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, ref := range c.counters {
		c.arena.Free(ref)
		delete(c.counters, key)
	}
}

// Counters returns the last reserved ID per table.field.
func (c *Cache) Counters() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]uint64, len(c.counters))
	for _, ref := range c.counters {
		rec := c.arena.Bytes(ref)
		tl, fl := int(rec[8]), int(rec[9])
		name := rec[counterHeader : counterHeader+tl+fl]
		out[string(name[:tl])+"."+string(name[tl:])] = binary.LittleEndian.Uint64(rec)
	}
	return out
}

// DumpStats logs ID arena details under the cache lock.
func (c *Cache) DumpStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arena.DumpStats()
}
