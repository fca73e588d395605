package testing

import (
	"testing"

	"github.com/xtxerr/histcache/internal/shmem"
)

// NewArena creates an arena that allows OOM and panics instead of exiting
// on a fatal error, so corruption fails the test with a stack trace.
func NewArena(t testing.TB, name string, capacity uint64) *shmem.Arena {
	t.Helper()
	a, err := shmem.New(name, capacity, true, shmem.WithFatal(func(msg string) { panic(msg) }))
	if err != nil {
		t.Fatalf("shmem.New(%s, %d): %v", name, capacity, err)
	}
	return a
}

// CheckArena walks a quiescent arena and fails t unless the chunks agree
// with the arena counters and no two free chunks are adjacent.
func CheckArena(t testing.TB, a *shmem.Arena) {
	t.Helper()

	s := a.Stats()
	if s.FreeSize+s.UsedSize+s.Overhead != s.TotalSize {
		t.Fatalf("arena %s: free %d + used %d + overhead %d != total %d",
			a.Name(), s.FreeSize, s.UsedSize, s.Overhead, s.TotalSize)
	}

	var free, used, chunks uint64
	prevFree := false
	err := a.Walk(func(c shmem.ChunkInfo) bool {
		chunks++
		if c.Used {
			used += c.Size
			prevFree = false
			return true
		}
		if prevFree {
			t.Errorf("arena %s: adjacent free chunks at ref %d", a.Name(), c.Ref)
		}
		prevFree = true
		free += c.Size
		return true
	})
	if err != nil {
		t.Fatalf("arena %s: %v", a.Name(), err)
	}
	if free != s.FreeSize || used != s.UsedSize || chunks != s.Chunks {
		t.Errorf("arena %s: walk free/used/chunks = %d/%d/%d, stats = %d/%d/%d",
			a.Name(), free, used, chunks, s.FreeSize, s.UsedSize, s.Chunks)
	}
}
