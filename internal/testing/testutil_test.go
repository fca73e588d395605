package testing

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/histcache/internal/shmem"
)

func TestGoroutineTestCollectsNoErrors(t *testing.T) {
	gt := NewGoroutineTestWithTimeout(t, 5*time.Second)
	var n atomic.Int32
	for i := 0; i < 8; i++ {
		gt.Go(func() error {
			n.Add(1)
			return nil
		})
	}
	gt.GoWithContext(func(ctx context.Context) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	})
	gt.Wait()

	if n.Load() != 8 {
		t.Errorf("ran %d goroutines, want 8", n.Load())
	}
}

func TestEventually(t *testing.T) {
	start := time.Now()
	err := Eventually(time.Second, time.Millisecond, func() bool {
		return time.Since(start) > 5*time.Millisecond
	})
	if err != nil {
		t.Fatalf("Eventually: %v", err)
	}
	if err := Eventually(10*time.Millisecond, time.Millisecond, func() bool { return false }); err == nil {
		t.Fatal("Eventually returned nil for a condition that never holds")
	}
}

func TestCheckArena(t *testing.T) {
	a := NewArena(t, "check", 1<<12)
	refs := make([]shmem.Ref, 0, 8)
	for i := 0; i < 8; i++ {
		ref := a.Alloc(uint64(16 + i*8))
		if ref == 0 {
			t.Fatalf("Alloc %d failed", i)
		}
		refs = append(refs, ref)
	}
	CheckArena(t, a)

	for i := 0; i < len(refs); i += 2 {
		a.Free(refs[i])
	}
	CheckArena(t, a)
}
