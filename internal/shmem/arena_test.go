package shmem

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/xtxerr/histcache/internal/errors"
)

type fatalError string

func newTestArena(t *testing.T, capacity uint64, allowOOM bool) *Arena {
	t.Helper()
	a, err := New("test", capacity, allowOOM, WithFatal(func(msg string) { panic(fatalError(msg)) }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func expectFatal(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		if _, ok := r.(fatalError); !ok {
			t.Fatalf("%s: expected fatal, got %v", name, r)
		}
	}()
	fn()
}

// checkArena verifies accounting and tiling.
func checkArena(t *testing.T, a *Arena) {
	t.Helper()

	s := a.Stats()
	if s.FreeSize+s.UsedSize+s.Overhead != s.TotalSize {
		t.Fatalf("free %d + used %d + overhead %d != total %d",
			s.FreeSize, s.UsedSize, s.Overhead, s.TotalSize)
	}

	var (
		tiled, free, used uint64
		chunks, freeCnt   uint64
		prevFree          bool
	)
	err := a.Walk(func(c ChunkInfo) bool {
		tiled += c.Size + chunkOverhead
		chunks++
		if c.Used {
			used += c.Size
			prevFree = false
			return true
		}
		if prevFree {
			t.Errorf("adjacent free chunks at ref %d", c.Ref)
		}
		prevFree = true
		free += c.Size
		freeCnt++
		return true
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if tiled != s.TotalSize {
		t.Errorf("chunks tile %d bytes, want %d", tiled, s.TotalSize)
	}
	if free != s.FreeSize || used != s.UsedSize {
		t.Errorf("walk free/used = %d/%d, stats = %d/%d", free, used, s.FreeSize, s.UsedSize)
	}
	if chunks != s.Chunks || freeCnt != s.FreeChunks {
		t.Errorf("walk chunks/free = %d/%d, stats = %d/%d", chunks, freeCnt, s.Chunks, s.FreeChunks)
	}
}

func TestNewCapacityBounds(t *testing.T) {
	tests := []struct {
		capacity uint64
		wantErr  bool
	}{
		{MinCapacity - 1, true},
		{MinCapacity, false},
		{1 << 20, false},
		{MaxCapacity + 1, true},
	}
	for _, tt := range tests {
		_, err := New("bounds", tt.capacity, false)
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%d) error = %v, wantErr %v", tt.capacity, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, errors.ErrInvalidCapacity) {
			t.Errorf("New(%d) error = %v, want ErrInvalidCapacity", tt.capacity, err)
		}
	}
}

func TestNewIsOneFreeChunk(t *testing.T) {
	a := newTestArena(t, 4096, false)
	s := a.Stats()
	if s.FreeSize != 4096-chunkOverhead || s.FreeChunks != 1 || s.UsedSize != 0 {
		t.Fatalf("fresh arena stats = %+v", s)
	}
	checkArena(t, a)
}

func TestAllocSmallAndFree(t *testing.T) {
	a := newTestArena(t, 1<<20, false)

	ref := a.Alloc(40)
	if ref == 0 || uint64(ref)%8 != 0 {
		t.Fatalf("Alloc(40) = %d, want non-nil 8-byte aligned ref", ref)
	}
	if got := a.Size(ref); got < 40 {
		t.Fatalf("Size = %d, want >= 40", got)
	}

	s := a.Stats()
	if s.BucketChunks[bucketCount-1] != 1 {
		t.Errorf("remainder not in the large bucket: %v", s.BucketChunks)
	}
	checkArena(t, a)

	a.Free(ref)
	s = a.Stats()
	if s.FreeChunks != 1 || s.FreeSize != a.MaxAlloc() {
		t.Errorf("after free: free chunks %d size %d, want 1 and %d", s.FreeChunks, s.FreeSize, a.MaxAlloc())
	}
	checkArena(t, a)
}

func TestAllocRoundsToMinimum(t *testing.T) {
	a := newTestArena(t, 4096, false)
	for _, size := range []uint64{1, 7, 23, 24} {
		ref := a.Alloc(size)
		if got := a.Size(ref); got != MinAlloc {
			t.Errorf("Size(Alloc(%d)) = %d, want %d", size, got, MinAlloc)
		}
	}
	if got := a.Size(a.Alloc(25)); got != 32 {
		t.Errorf("Size(Alloc(25)) = %d, want 32", got)
	}
	checkArena(t, a)
}

func TestSmallBucketReuse(t *testing.T) {
	a := newTestArena(t, 8192, false)

	x := a.Alloc(64)
	guard := a.Alloc(24)
	a.Free(x)

	s := a.Stats()
	if s.BucketChunks[bucketIndex(64)] != 1 {
		t.Fatalf("freed 64-byte chunk not in its bucket: %v", s.BucketChunks)
	}

	// A smaller request is served from the first non-empty bucket at or above
	// its class.
	y := a.Alloc(48)
	if y != x {
		t.Errorf("Alloc(48) = %d, want reuse of %d", y, x)
	}
	if a.Size(y) != 64 {
		t.Errorf("unsplittable remainder not absorbed: size %d", a.Size(y))
	}
	a.Free(guard)
	checkArena(t, a)
}

func TestCoalesceBothNeighbors(t *testing.T) {
	a := newTestArena(t, 1<<16, false)

	first := a.Alloc(64)
	middle := a.Alloc(200)
	last := a.Alloc(96)
	guard := a.Alloc(24)

	a.Free(first)
	a.Free(last)
	checkArena(t, a)

	usedMiddle := a.Size(middle)
	a.Free(middle)

	var merged ChunkInfo
	if err := a.Walk(func(c ChunkInfo) bool { merged = c; return false }); err != nil {
		t.Fatalf("Walk: %v", err)
	}
	want := uint64(64) + 96 + usedMiddle + 2*chunkOverhead
	if merged.Ref != first || merged.Used || merged.Size != want {
		t.Errorf("merged chunk = %+v, want free chunk at %d of size %d", merged, first, want)
	}
	checkArena(t, a)

	a.Free(guard)
	if s := a.Stats(); s.FreeChunks != 1 {
		t.Errorf("free chunks = %d, want 1", s.FreeChunks)
	}
	checkArena(t, a)
}

func TestMergeSymmetry(t *testing.T) {
	orders := [][3]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, order := range orders {
		a := newTestArena(t, 1<<14, false)
		refs := [3]Ref{a.Alloc(40), a.Alloc(120), a.Alloc(300)}
		guard := a.Alloc(24)
		for _, i := range order {
			a.Free(refs[i])
			checkArena(t, a)
		}
		var head ChunkInfo
		_ = a.Walk(func(c ChunkInfo) bool { head = c; return false })
		if head.Ref != refs[0] || head.Size != 40+120+304+2*chunkOverhead {
			t.Errorf("order %v: head chunk %+v", order, head)
		}
		a.Free(guard)
	}
}

func TestOutOfMemory(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		a := newTestArena(t, 256, true)
		if ref := a.Alloc(1024); ref != 0 {
			t.Fatalf("Alloc beyond capacity = %d, want 0", ref)
		}
		ref := a.Alloc(a.MaxAlloc())
		if ref == 0 {
			t.Fatal("Alloc(MaxAlloc) failed on empty arena")
		}
		if again := a.Alloc(24); again != 0 {
			t.Fatalf("Alloc on full arena = %d, want 0", again)
		}
		if a.Stats().Failed != 2 {
			t.Errorf("Failed = %d, want 2", a.Stats().Failed)
		}
		checkArena(t, a)
	})

	t.Run("fatal", func(t *testing.T) {
		a := newTestArena(t, 256, false)
		if ref := a.Alloc(a.MaxAlloc()); ref == 0 {
			t.Fatal("Alloc(MaxAlloc) failed on empty arena")
		}
		expectFatal(t, "exhausted", func() { a.Alloc(24) })
	})
}

func TestInvalidUseIsFatal(t *testing.T) {
	a := newTestArena(t, 4096, true)
	ref := a.Alloc(32)
	a.Free(ref)

	expectFatal(t, "double free", func() { a.Free(ref) })
	expectFatal(t, "nil free", func() { a.Free(0) })
	expectFatal(t, "zero alloc", func() { a.Alloc(0) })
	expectFatal(t, "out of bounds", func() { a.Free(Ref(1 << 20)) })
}

func TestReallocShrinkInPlace(t *testing.T) {
	a := newTestArena(t, 4096, false)
	ref := a.Alloc(200)
	copy(a.Bytes(ref), "history")

	got := a.Realloc(ref, 40)
	if got != ref {
		t.Fatalf("shrink moved the record: %d -> %d", ref, got)
	}
	if a.Size(got) != 40 {
		t.Errorf("Size after shrink = %d, want 40", a.Size(got))
	}
	if !bytes.HasPrefix(a.Bytes(got), []byte("history")) {
		t.Errorf("payload lost on shrink")
	}
	checkArena(t, a)
}

func TestReallocGrowInPlace(t *testing.T) {
	a := newTestArena(t, 4096, false)
	ref := a.Alloc(32)
	copy(a.Bytes(ref), "trend")

	got := a.Realloc(ref, 512)
	if got != ref {
		t.Fatalf("grow into free neighbor moved the record: %d -> %d", ref, got)
	}
	if a.Size(got) < 512 || !bytes.HasPrefix(a.Bytes(got), []byte("trend")) {
		t.Errorf("grow in place: size %d payload %q", a.Size(got), a.Bytes(got)[:5])
	}
	checkArena(t, a)
}

func TestReallocMoves(t *testing.T) {
	a := newTestArena(t, 4096, false)
	ref := a.Alloc(32)
	guard := a.Alloc(24)
	copy(a.Bytes(ref), "moved")

	got := a.Realloc(ref, 256)
	if got == ref {
		t.Fatal("realloc did not move a record boxed in by a used neighbor")
	}
	if !bytes.HasPrefix(a.Bytes(got), []byte("moved")) {
		t.Errorf("payload lost on move")
	}
	a.Free(guard)
	a.Free(got)
	checkArena(t, a)
}

func TestReallocSpillsThroughHeap(t *testing.T) {
	a := newTestArena(t, 512, true)

	prev := a.Alloc(64)
	rec := a.Alloc(64)
	next := a.Alloc(64)
	fill := a.Alloc(256)
	if fill == 0 {
		t.Fatal("fill allocation failed")
	}
	a.Free(prev)
	a.Free(next)
	for i := range a.Bytes(rec) {
		a.Bytes(rec)[i] = byte(i)
	}

	got := a.Realloc(rec, 180)
	if got == 0 {
		t.Fatal("Realloc failed although merged neighbors fit")
	}
	if got != prev {
		t.Errorf("Realloc = %d, want merged chunk at %d", got, prev)
	}
	for i, b := range a.Bytes(got)[:64] {
		if b != byte(i) {
			t.Fatalf("payload byte %d = %d after spill", i, b)
		}
	}
	if a.Stats().Spills != 1 {
		t.Errorf("Spills = %d, want 1", a.Stats().Spills)
	}
	checkArena(t, a)
}

func TestReallocFailureKeepsRecord(t *testing.T) {
	a := newTestArena(t, 512, true)
	rec := a.Alloc(64)
	guard := a.Alloc(a.Stats().MaxFreeChunk)
	copy(a.Bytes(rec), "keep")

	if got := a.Realloc(rec, 400); got != 0 {
		t.Fatalf("Realloc = %d, want 0", got)
	}
	if !bytes.HasPrefix(a.Bytes(rec), []byte("keep")) || a.Size(rec) != 64 {
		t.Errorf("original record damaged")
	}
	a.Free(guard)
	checkArena(t, a)
}

func TestRandomWorkloadKeepsInvariants(t *testing.T) {
	a := newTestArena(t, 64*1024, true)
	rng := rand.New(rand.NewSource(7))

	type live struct {
		ref  Ref
		fill byte
		n    int
	}
	var refs []live

	verify := func(l live) {
		for _, b := range a.Bytes(l.ref)[:l.n] {
			if b != l.fill {
				t.Fatalf("record %d corrupted", l.ref)
			}
		}
	}

	for i := 0; i < 5000; i++ {
		switch op := rng.Intn(10); {
		case op < 5 || len(refs) == 0:
			n := 1 + rng.Intn(600)
			ref := a.Alloc(uint64(n))
			if ref == 0 {
				continue
			}
			fill := byte(rng.Intn(255) + 1)
			for j := range a.Bytes(ref)[:n] {
				a.Bytes(ref)[j] = fill
			}
			refs = append(refs, live{ref, fill, n})
		case op < 8:
			k := rng.Intn(len(refs))
			verify(refs[k])
			a.Free(refs[k].ref)
			refs = append(refs[:k], refs[k+1:]...)
		default:
			k := rng.Intn(len(refs))
			n := 1 + rng.Intn(900)
			ref := a.Realloc(refs[k].ref, uint64(n))
			if ref == 0 {
				verify(refs[k])
				continue
			}
			keep := min(n, refs[k].n)
			refs[k].ref, refs[k].n = ref, keep
			verify(refs[k])
		}
		if i%100 == 0 {
			checkArena(t, a)
		}
	}

	for _, l := range refs {
		verify(l)
		a.Free(l.ref)
	}
	checkArena(t, a)
	if s := a.Stats(); s.FreeChunks != 1 || s.UsedSize != 0 {
		t.Errorf("arena not empty after freeing everything: %+v", s)
	}
}
