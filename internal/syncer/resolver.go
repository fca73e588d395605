package syncer

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/histcache/config"
	"github.com/xtxerr/histcache/internal/storage/types"
)

type cachedItem struct {
	meta     types.ItemMeta
	found    bool
	loadedAt time.Time
}

// CachedResolver caches item metadata in front of another resolver.
//
// Unknown items are cached too, so values of deleted items are drained
// without a storage round trip per pass. Concurrent misses for the same
// set of items share one lookup.
//
// CachedResolver is safe for concurrent use.
type CachedResolver struct {
	src ItemResolver
	ttl time.Duration

	mu    sync.RWMutex
	items map[types.ItemID]cachedItem

	group singleflight.Group
}

// NewCachedResolver wraps src. A non-positive ttl uses the default.
func NewCachedResolver(src ItemResolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = config.DefaultItemCacheTTL
	}
	return &CachedResolver{
		src:   src,
		ttl:   ttl,
		items: make(map[types.ItemID]cachedItem),
	}
}

// ResolveItems returns the metadata of the known items among ids.
func (r *CachedResolver) ResolveItems(ctx context.Context, ids []types.ItemID) (map[types.ItemID]types.ItemMeta, error) {
	out := make(map[types.ItemID]types.ItemMeta, len(ids))
	now := time.Now()

	var missing []types.ItemID
	r.mu.RLock()
	for _, id := range ids {
		c, ok := r.items[id]
		if !ok || now.Sub(c.loadedAt) >= r.ttl {
			missing = append(missing, id)
			continue
		}
		if c.found {
			out[id] = c.meta
		}
	}
	r.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}

	slices.Sort(missing)
	missing = slices.Compact(missing)

	res, err, _ := r.group.Do(flightKey(missing), func() (interface{}, error) {
		return r.load(ctx, missing)
	})
	if err != nil {
		return nil, err
	}

	loaded := res.(map[types.ItemID]types.ItemMeta)
	for _, id := range missing {
		if m, ok := loaded[id]; ok {
			out[id] = m
		}
	}
	return out, nil
}

// load fetches ids from the source and caches the result.
func (r *CachedResolver) load(ctx context.Context, ids []types.ItemID) (map[types.ItemID]types.ItemMeta, error) {
	loaded, err := r.src.ResolveItems(ctx, ids)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	r.mu.Lock()
	for _, id := range ids {
		m, ok := loaded[id]
		r.items[id] = cachedItem{meta: m, found: ok, loadedAt: now}
	}
	r.mu.Unlock()

	return loaded, nil
}

// Invalidate drops cached metadata of ids, or of every item when ids is
// empty.
func (r *CachedResolver) Invalidate(ids ...types.ItemID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(ids) == 0 {
		clear(r.items)
		return
	}
	for _, id := range ids {
		delete(r.items, id)
	}
}

// Len returns the number of cached items.
func (r *CachedResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func flightKey(ids []types.ItemID) string {
	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	}
	return b.String()
}
