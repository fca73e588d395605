// Package shmem implements a fixed-capacity arena allocator with boundary
// tags and size-class free lists.
//
// An Arena owns one contiguous byte slice. Every chunk is laid out as
//
//	[tag][payload][tag]
//
// where tag is an 8-byte little-endian word holding the payload size with
// the lowest bit as the used flag. Free chunks keep prev/next links to other
// free chunks in the first 16 bytes of their payload. Adjacent free chunks
// are always coalesced, so two free chunks are never neighbors.
//
// Records are addressed by Ref, the offset of the payload in the backing
// slice. Zero is the nil Ref.
//
// An Arena is not safe for concurrent use. Every mutation happens under the
// lock of the cache that owns it; Stats may be read without that lock.
package shmem

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/xtxerr/histcache/internal/errors"
	"github.com/xtxerr/histcache/internal/logging"
)

// Ref addresses a record payload inside an arena. Zero is nil.
type Ref uint64

const (
	tagSize       = 8
	chunkOverhead = 2 * tagSize
	alignment     = 8
	usedBit       = 1

	// MinAlloc is the smallest payload handed out. A free chunk needs room
	// for its prev/next links.
	MinAlloc = 24

	// MinCapacity and MaxCapacity bound the arena size.
	MinCapacity = 128
	MaxCapacity = 64 << 30

	maxSmallSize = 256
	bucketCount  = (maxSmallSize-MinAlloc)/alignment + 1

	noChunk = ^uint64(0)
)

var log = logging.Component("shmem")

// Arena is a fixed-capacity region of boundary-tagged chunks.
type Arena struct {
	name     string
	param    string
	allowOOM bool
	onFatal  func(msg string)

	buf []byte
	lo  uint64
	hi  uint64

	buckets [bucketCount]uint64

	freeSize  atomic.Uint64
	usedSize  atomic.Uint64
	chunks    atomic.Uint64
	allocs    atomic.Uint64
	frees     atomic.Uint64
	reallocs  atomic.Uint64
	failed    atomic.Uint64
	spills    atomic.Uint64
	highWater atomic.Uint64
}

// Option configures an Arena.
type Option func(*Arena)

// WithFatal replaces the handler invoked on unrecoverable conditions.
// The default dumps statistics and exits the process with status 1.
// If the handler returns, the arena panics with the same message.
func WithFatal(fn func(msg string)) Option {
	return func(a *Arena) { a.onFatal = fn }
}

// WithConfigParam names the configuration parameter sizing this arena.
// It is quoted in out-of-memory fatal messages.
func WithConfigParam(param string) Option {
	return func(a *Arena) { a.param = param }
}

// New creates an arena of capacity bytes. When allowOOM is set, allocation
// failures return a nil Ref instead of being fatal.
func New(name string, capacity uint64, allowOOM bool, opts ...Option) (*Arena, error) {
	if capacity < MinCapacity || capacity > MaxCapacity {
		return nil, fmt.Errorf("arena %s: %d bytes not in [%d, %d]: %w",
			name, capacity, MinCapacity, uint64(MaxCapacity), errors.ErrInvalidCapacity)
	}
	capacity &^= alignment - 1

	a := &Arena{
		name:     name,
		allowOOM: allowOOM,
		buf:      make([]byte, capacity),
		lo:       0,
		hi:       capacity,
	}
	a.onFatal = a.exitFatal
	for _, opt := range opts {
		opt(a)
	}
	for i := range a.buckets {
		a.buckets[i] = noChunk
	}

	a.chunks.Store(1)
	a.addFree(a.lo, capacity-chunkOverhead)

	return a, nil
}

// Name returns the arena name given to New.
func (a *Arena) Name() string { return a.name }

// Capacity returns the total size of the arena in bytes.
func (a *Arena) Capacity() uint64 { return a.hi - a.lo }

// MaxAlloc returns the largest payload a single empty arena could satisfy.
func (a *Arena) MaxAlloc() uint64 { return a.Capacity() - chunkOverhead }

// Alloc reserves a record of at least size bytes and returns its Ref.
// When nothing fits it returns 0 if the arena allows OOM, otherwise it is fatal.
func (a *Arena) Alloc(size uint64) Ref {
	if size == 0 {
		a.fatal("allocation of zero bytes")
	}
	ref := a.alloc(size)
	if ref == 0 {
		return a.outOfMemory("allocate", size)
	}
	return ref
}

// Realloc resizes the record at ref, moving it when it cannot be resized in
// place. The returned Ref replaces ref. A nil ref behaves like Alloc.
// On failure the original record is left intact and 0 is returned when the
// arena allows OOM.
func (a *Arena) Realloc(ref Ref, size uint64) Ref {
	if ref == 0 {
		return a.Alloc(size)
	}
	if size == 0 {
		a.fatal("reallocation to zero bytes")
	}
	a.reallocs.Add(1)

	chunk := a.usedChunk(ref)
	if size > a.MaxAlloc() {
		return a.outOfMemory("reallocate", size)
	}
	cur := a.chunkSize(chunk)
	want := roundSize(size)

	if want <= cur {
		a.shrink(chunk, cur, want)
		return ref
	}

	if a.growInPlace(chunk, cur, want) {
		return ref
	}

	if moved := a.alloc(want); moved != 0 {
		copy(a.buf[moved:uint64(moved)+cur], a.buf[ref:uint64(ref)+cur])
		a.release(chunk)
		return moved
	}

	// Last resort: the record would fit once it is merged with its free
	// neighbors. Park the payload outside the arena while it is freed.
	if a.mergedSize(chunk, cur) >= want {
		a.spills.Add(1)
		tmp := make([]byte, cur)
		copy(tmp, a.buf[ref:uint64(ref)+cur])
		a.release(chunk)
		moved := a.alloc(want)
		if moved == 0 {
			a.fatal(fmt.Sprintf("reallocation of %d bytes failed after merging neighbors", want))
		}
		copy(a.buf[moved:], tmp)
		return moved
	}

	return a.outOfMemory("reallocate", size)
}

// Free returns the record at ref to the arena and coalesces it with free
// neighbors. Freeing nil, an unused record or a corrupt chunk is fatal.
func (a *Arena) Free(ref Ref) {
	if ref == 0 {
		a.fatal("freeing nil reference")
	}
	a.release(a.usedChunk(ref))
}

// Bytes returns the payload of the record at ref. The slice aliases the
// arena and is valid until the record is freed or moved.
func (a *Arena) Bytes(ref Ref) []byte {
	chunk := uint64(ref) - tagSize
	return a.buf[ref : uint64(ref)+a.chunkSize(chunk) : uint64(ref)+a.chunkSize(chunk)]
}

// Size returns the usable payload size of the record at ref, which may be
// larger than the size requested.
func (a *Arena) Size(ref Ref) uint64 {
	return a.chunkSize(uint64(ref) - tagSize)
}

// ChunkInfo describes one chunk visited by Walk.
type ChunkInfo struct {
	Ref  Ref
	Size uint64
	Used bool
}

// Walk visits every chunk from the low bound in address order until fn
// returns false. It fails on a chunk whose tags disagree.
func (a *Arena) Walk(fn func(ChunkInfo) bool) error {
	for off := a.lo; off < a.hi; {
		head := a.tag(off)
		size := head &^ usedBit
		end := off + tagSize + size
		if size < MinAlloc || end+tagSize > a.hi {
			return fmt.Errorf("arena %s: chunk at %d has size %d: %w", a.name, off, size, errors.ErrCorruptRecord)
		}
		if a.tag(end) != head {
			return fmt.Errorf("arena %s: chunk at %d has mismatched tags: %w", a.name, off, errors.ErrCorruptRecord)
		}
		if !fn(ChunkInfo{Ref: Ref(off + tagSize), Size: size, Used: head&usedBit != 0}) {
			return nil
		}
		off = end + tagSize
	}
	return nil
}

// =============================================================================
// Chunk primitives
// =============================================================================

func roundSize(size uint64) uint64 {
	if size < MinAlloc {
		return MinAlloc
	}
	return (size + alignment - 1) &^ (alignment - 1)
}

func bucketIndex(size uint64) int {
	if size >= maxSmallSize {
		return bucketCount - 1
	}
	return int((size - MinAlloc) / alignment)
}

func (a *Arena) tag(off uint64) uint64 {
	return binary.LittleEndian.Uint64(a.buf[off : off+tagSize])
}

func (a *Arena) chunkSize(chunk uint64) uint64 {
	return a.tag(chunk) &^ usedBit
}

func (a *Arena) chunkUsed(chunk uint64) bool {
	return a.tag(chunk)&usedBit != 0
}

func (a *Arena) setTags(chunk, size uint64, used bool) {
	v := size
	if used {
		v |= usedBit
	}
	binary.LittleEndian.PutUint64(a.buf[chunk:], v)
	binary.LittleEndian.PutUint64(a.buf[chunk+tagSize+size:], v)
}

func (a *Arena) prevLink(chunk uint64) uint64 {
	return binary.LittleEndian.Uint64(a.buf[chunk+tagSize:])
}

func (a *Arena) nextLink(chunk uint64) uint64 {
	return binary.LittleEndian.Uint64(a.buf[chunk+2*tagSize:])
}

func (a *Arena) setPrevLink(chunk, v uint64) {
	binary.LittleEndian.PutUint64(a.buf[chunk+tagSize:], v)
}

func (a *Arena) setNextLink(chunk, v uint64) {
	binary.LittleEndian.PutUint64(a.buf[chunk+2*tagSize:], v)
}

// usedChunk validates ref and returns the offset of its chunk.
func (a *Arena) usedChunk(ref Ref) uint64 {
	off := uint64(ref)
	if off < a.lo+tagSize || off >= a.hi || off%alignment != 0 {
		a.fatal(fmt.Sprintf("reference %d outside arena bounds", off))
	}
	chunk := off - tagSize
	head := a.tag(chunk)
	if head&usedBit == 0 {
		a.fatal(fmt.Sprintf("double free or stale reference %d", off))
	}
	size := head &^ usedBit
	if chunk+chunkOverhead+size > a.hi || a.tag(chunk+tagSize+size) != head {
		a.fatal(fmt.Sprintf("corrupt boundary tags at %d", off))
	}
	return chunk
}

// addFree turns chunk into a free chunk of size bytes and links it into its
// bucket.
func (a *Arena) addFree(chunk, size uint64) {
	a.setTags(chunk, size, false)
	idx := bucketIndex(size)
	head := a.buckets[idx]
	a.setPrevLink(chunk, noChunk)
	a.setNextLink(chunk, head)
	if head != noChunk {
		a.setPrevLink(head, chunk)
	}
	a.buckets[idx] = chunk
	a.freeSize.Add(size)
}

// takeFree unlinks a free chunk from its bucket and returns its size.
func (a *Arena) takeFree(chunk uint64) uint64 {
	size := a.chunkSize(chunk)
	prev, next := a.prevLink(chunk), a.nextLink(chunk)
	if prev == noChunk {
		a.buckets[bucketIndex(size)] = next
	} else {
		a.setNextLink(prev, next)
	}
	if next != noChunk {
		a.setPrevLink(next, prev)
	}
	a.freeSize.Add(^(size - 1))
	return size
}

func (a *Arena) setUsed(chunk, size uint64) {
	a.setTags(chunk, size, true)
	used := a.usedSize.Add(size)
	for {
		hw := a.highWater.Load()
		if used <= hw || a.highWater.CompareAndSwap(hw, used) {
			break
		}
	}
}

func (a *Arena) dropUsed(size uint64) {
	a.usedSize.Add(^(size - 1))
}

// findChunk returns a free chunk with at least size bytes or noChunk.
func (a *Arena) findChunk(size uint64) uint64 {
	idx := bucketIndex(size)
	for i := idx; i < bucketCount-1; i++ {
		if a.buckets[i] != noChunk {
			return a.buckets[i]
		}
	}
	for c := a.buckets[bucketCount-1]; c != noChunk; c = a.nextLink(c) {
		if a.chunkSize(c) >= size {
			return c
		}
	}
	return noChunk
}

// alloc is Alloc without the out-of-memory policy.
func (a *Arena) alloc(size uint64) Ref {
	if size > a.MaxAlloc() {
		return 0
	}
	size = roundSize(size)
	chunk := a.findChunk(size)
	if chunk == noChunk {
		return 0
	}

	have := a.takeFree(chunk)
	if have >= size+chunkOverhead+MinAlloc {
		a.setUsed(chunk, size)
		a.chunks.Add(1)
		a.addFree(chunk+chunkOverhead+size, have-size-chunkOverhead)
	} else {
		a.setUsed(chunk, have)
	}
	a.allocs.Add(1)
	return Ref(chunk + tagSize)
}

// release frees a validated used chunk and merges it with free neighbors.
func (a *Arena) release(chunk uint64) {
	size := a.chunkSize(chunk)
	a.dropUsed(size)
	a.frees.Add(1)

	if chunk > a.lo {
		prevTag := a.tag(chunk - tagSize)
		if prevTag&usedBit == 0 {
			prev := chunk - chunkOverhead - prevTag
			size += a.takeFree(prev) + chunkOverhead
			chunk = prev
			a.chunks.Add(^uint64(0))
		}
	}

	if next := chunk + chunkOverhead + size; next < a.hi && !a.chunkUsed(next) {
		size += a.takeFree(next) + chunkOverhead
		a.chunks.Add(^uint64(0))
	}

	a.addFree(chunk, size)
}

// shrink splits the tail off a used chunk when it can form a chunk of its own.
func (a *Arena) shrink(chunk, cur, want uint64) {
	if cur-want < chunkOverhead+MinAlloc {
		return
	}
	a.dropUsed(cur)
	a.setUsed(chunk, want)

	rest := chunk + chunkOverhead + want
	restSize := cur - want - chunkOverhead
	a.chunks.Add(1)

	if next := rest + chunkOverhead + restSize; next < a.hi && !a.chunkUsed(next) {
		restSize += a.takeFree(next) + chunkOverhead
		a.chunks.Add(^uint64(0))
	}
	a.addFree(rest, restSize)
}

// growInPlace extends a used chunk into its free right neighbor.
func (a *Arena) growInPlace(chunk, cur, want uint64) bool {
	next := chunk + chunkOverhead + cur
	if next >= a.hi || a.chunkUsed(next) {
		return false
	}
	combined := cur + chunkOverhead + a.chunkSize(next)
	if combined < want {
		return false
	}

	a.takeFree(next)
	a.chunks.Add(^uint64(0))
	a.dropUsed(cur)

	if combined >= want+chunkOverhead+MinAlloc {
		a.setUsed(chunk, want)
		a.chunks.Add(1)
		a.addFree(chunk+chunkOverhead+want, combined-want-chunkOverhead)
	} else {
		a.setUsed(chunk, combined)
	}
	return true
}

// mergedSize is the payload size chunk would have after being freed and
// merged with its free neighbors.
func (a *Arena) mergedSize(chunk, cur uint64) uint64 {
	size := cur
	if chunk > a.lo {
		if prevTag := a.tag(chunk - tagSize); prevTag&usedBit == 0 {
			size += prevTag + chunkOverhead
		}
	}
	if next := chunk + chunkOverhead + cur; next < a.hi && !a.chunkUsed(next) {
		size += a.chunkSize(next) + chunkOverhead
	}
	return size
}

// =============================================================================
// Failure policy
// =============================================================================

func (a *Arena) outOfMemory(op string, size uint64) Ref {
	a.failed.Add(1)
	if a.allowOOM {
		return 0
	}
	msg := fmt.Sprintf("arena %s: cannot %s %d bytes: %v", a.name, op, size, errors.ErrArenaExhausted)
	if a.param != "" {
		msg += fmt.Sprintf("; increase the %s configuration parameter", a.param)
	}
	a.fatal(msg)
	return 0
}

func (a *Arena) fatal(msg string) {
	log.Error("arena fatal error", "arena", a.name, "error", msg)
	a.DumpStats()
	a.onFatal(msg)
	panic(msg)
}

func (a *Arena) exitFatal(string) {
	os.Exit(1)
}

// DumpStats logs the arena statistics at error level.
func (a *Arena) DumpStats() {
	s := a.Stats()
	attrs := []any{
		"arena", a.name,
		slog.Uint64("total", s.TotalSize),
		slog.Uint64("free", s.FreeSize),
		slog.Uint64("used", s.UsedSize),
		slog.Uint64("overhead", s.Overhead),
		slog.Uint64("chunks", s.Chunks),
		slog.Uint64("free_chunks", s.FreeChunks),
		slog.Uint64("min_free_chunk", s.MinFreeChunk),
		slog.Uint64("max_free_chunk", s.MaxFreeChunk),
		slog.Uint64("allocs", s.Allocs),
		slog.Uint64("frees", s.Frees),
		slog.Uint64("failed", s.Failed),
	}
	log.Error("arena statistics", attrs...)
	for i, n := range s.BucketChunks {
		if n == 0 {
			continue
		}
		log.Error("arena bucket", "arena", a.name, "bucket", bucketLabel(i), "free_chunks", n)
	}
}

func bucketLabel(i int) string {
	if i == bucketCount-1 {
		return fmt.Sprintf(">=%d", maxSmallSize)
	}
	return fmt.Sprintf("%d", MinAlloc+uint64(i)*alignment)
}
