package shmem

// Stats is a snapshot of arena usage.
//
// FreeSize + UsedSize + Overhead == TotalSize holds for every snapshot taken
// while the owning lock is held.
type Stats struct {
	TotalSize uint64
	FreeSize  uint64
	UsedSize  uint64
	Overhead  uint64
	HighWater uint64

	Chunks     uint64
	FreeChunks uint64
	UsedChunks uint64

	MinFreeChunk uint64
	MaxFreeChunk uint64
	BucketChunks [bucketCount]uint64

	Allocs   uint64
	Frees    uint64
	Reallocs uint64
	Failed   uint64
	Spills   uint64
}

// FillRatio returns the used share of the usable arena space.
func (s Stats) FillRatio() float64 {
	usable := s.TotalSize - s.Overhead
	if usable == 0 {
		return 0
	}
	return float64(s.UsedSize) / float64(usable)
}

// Stats returns usage counters. Counters are read from atomics; bucket
// details walk the free lists and are only consistent under the owning lock.
func (a *Arena) Stats() Stats {
	s := a.Counters()

	s.MinFreeChunk = ^uint64(0)
	for i, head := range a.buckets {
		for c := head; c != noChunk; c = a.nextLink(c) {
			size := a.chunkSize(c)
			s.BucketChunks[i]++
			s.FreeChunks++
			s.MinFreeChunk = min(s.MinFreeChunk, size)
			s.MaxFreeChunk = max(s.MaxFreeChunk, size)
		}
	}
	if s.FreeChunks == 0 {
		s.MinFreeChunk = 0
	}
	if s.Chunks >= s.FreeChunks {
		s.UsedChunks = s.Chunks - s.FreeChunks
	}
	return s
}

// Counters returns the lock-free part of Stats.
func (a *Arena) Counters() Stats {
	chunks := a.chunks.Load()
	return Stats{
		TotalSize: a.Capacity(),
		FreeSize:  a.freeSize.Load(),
		UsedSize:  a.usedSize.Load(),
		Overhead:  chunks * chunkOverhead,
		HighWater: a.highWater.Load(),
		Chunks:    chunks,
		Allocs:    a.allocs.Load(),
		Frees:     a.frees.Load(),
		Reallocs:  a.reallocs.Load(),
		Failed:    a.failed.Load(),
		Spills:    a.spills.Load(),
	}
}
