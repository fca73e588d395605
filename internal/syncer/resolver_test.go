package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/xtxerr/histcache/internal/storage/types"
	testutil "github.com/xtxerr/histcache/internal/testing"
)

func TestCachedResolverCachesHitsAndMisses(t *testing.T) {
	src := &fakeResolver{items: map[types.ItemID]types.ItemMeta{1: floatItem(1)}}
	r := NewCachedResolver(src, time.Hour)
	ctx := context.Background()

	for range 3 {
		got, err := r.ResolveItems(ctx, []types.ItemID{1, 2, 1})
		if err != nil {
			t.Fatalf("ResolveItems: %v", err)
		}
		if _, ok := got[1]; !ok || len(got) != 1 {
			t.Fatalf("ResolveItems = %+v, want item 1 only", got)
		}
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1", src.calls)
	}
	if r.Len() != 2 {
		t.Errorf("cached items = %d, want 2", r.Len())
	}

	r.Invalidate(2)
	if _, err := r.ResolveItems(ctx, []types.ItemID{1, 2}); err != nil {
		t.Fatalf("ResolveItems: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("source calls after Invalidate = %d, want 2", src.calls)
	}

	r.Invalidate()
	if r.Len() != 0 {
		t.Errorf("cached items after full Invalidate = %d", r.Len())
	}
}

func TestCachedResolverExpires(t *testing.T) {
	src := &fakeResolver{items: map[types.ItemID]types.ItemMeta{1: floatItem(1)}}
	r := NewCachedResolver(src, time.Nanosecond)

	for range 2 {
		time.Sleep(time.Millisecond)
		if _, err := r.ResolveItems(context.Background(), []types.ItemID{1}); err != nil {
			t.Fatalf("ResolveItems: %v", err)
		}
	}
	if src.calls != 2 {
		t.Errorf("source calls = %d, want 2", src.calls)
	}
}

func TestCachedResolverConcurrent(t *testing.T) {
	src := &fakeResolver{items: map[types.ItemID]types.ItemMeta{}}
	for id := types.ItemID(1); id <= 100; id++ {
		src.items[id] = floatItem(id)
	}
	r := NewCachedResolver(src, time.Hour)

	gt := testutil.NewGoroutineTestWithTimeout(t, 10*time.Second)
	for w := range 8 {
		gt.GoWithContext(func(ctx context.Context) error {
			for i := range 100 {
				id := types.ItemID((i+w)%100 + 1)
				got, err := r.ResolveItems(ctx, []types.ItemID{id})
				if err != nil {
					return err
				}
				if got[id].ItemID != id {
					t.Errorf("item %d resolved as %+v", id, got[id])
				}
			}
			return nil
		})
	}
	gt.Wait()

	if r.Len() != 100 {
		t.Errorf("cached items = %d, want 100", r.Len())
	}
}

func TestSyncInvalidatesChangedItems(t *testing.T) {
	h := newHarness(t, floatItem(1))
	cached := NewCachedResolver(h.resolver, time.Hour)
	h.sync.d.Items = cached

	h.commit(t, val(1, hour, types.ErrVariant("unsupported")))
	if _, err := h.sync.Sync(context.Background(), ModeNormal); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if cached.Len() != 0 {
		t.Errorf("item with a state change still cached")
	}
}

func TestTriggerLocks(t *testing.T) {
	l := NewTriggerLocks()

	if !l.TryLock(1, []uint64{10, 11}) {
		t.Fatal("first lock failed")
	}
	if !l.TryLock(1, []uint64{11, 12}) {
		t.Error("worker could not re-lock its own trigger")
	}
	if l.TryLock(2, []uint64{12, 13}) {
		t.Error("worker 2 locked a trigger held by worker 1")
	}
	if l.Held() != 3 {
		t.Errorf("held = %d, want 3 (failed lock must not hold 13)", l.Held())
	}
	if !l.TryLock(2, nil) {
		t.Error("empty trigger list must always lock")
	}

	l.UnlockAll(1)
	if !l.TryLock(2, []uint64{12, 13}) {
		t.Error("lock failed after release")
	}
	if l.Held() != 2 {
		t.Errorf("held = %d, want 2", l.Held())
	}
}
