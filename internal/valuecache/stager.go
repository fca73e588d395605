package valuecache

import (
	"context"
	"unicode/utf8"

	"github.com/xtxerr/histcache/config"
	"github.com/xtxerr/histcache/internal/storage/types"
)

// stagedRecord locates one encoded node in a batch slab.
type stagedRecord struct {
	itemID types.ItemID
	off    int
	n      int
}

// batch is a bump region of encoded nodes. It is reset, not freed, after
// every commit.
type batch struct {
	slab []byte
	recs []stagedRecord
}

func (b *batch) add(v types.Value) {
	clampValue(&v)
	off := len(b.slab)
	b.slab = appendNode(b.slab, &v)
	b.recs = append(b.recs, stagedRecord{itemID: v.ItemID, off: off, n: len(b.slab) - off})
}

func (b *batch) reset() {
	b.slab = b.slab[:0]
	b.recs = b.recs[:0]
}

// dropFront forgets the first n records after a partial commit.
func (b *batch) dropFront(n int) {
	if n >= len(b.recs) {
		b.reset()
		return
	}
	b.recs = append(b.recs[:0], b.recs[n:]...)
}

// StagerConfig bounds a Stager.
type StagerConfig struct {
	MaxValues int
	SlabSize  int
}

// DefaultStagerConfig returns the default staging bounds.
func DefaultStagerConfig() StagerConfig {
	return StagerConfig{
		MaxValues: config.DefaultStagerMaxValues,
		SlabSize:  config.DefaultStagerSlabSize,
	}
}

// Stager buffers the values of one producer and commits them to the cache
// in batches, taking the cache lock once per batch.
//
// A Stager is not safe for concurrent use; every producer owns one.
type Stager struct {
	cache *Cache
	cfg   StagerConfig
	b     batch
}

// NewStager creates a producer buffer committing into c.
func (c *Cache) NewStager(cfg StagerConfig) *Stager {
	if cfg.MaxValues <= 0 {
		cfg.MaxValues = config.DefaultStagerMaxValues
	}
	if cfg.SlabSize <= 0 {
		cfg.SlabSize = config.DefaultStagerSlabSize
	}
	return &Stager{
		cache: c,
		cfg:   cfg,
		b: batch{
			slab: make([]byte, 0, cfg.SlabSize),
			recs: make([]stagedRecord, 0, cfg.MaxValues),
		},
	}
}

// Submit stages a value of item id. An error variant marks the item not
// supported.
func (s *Stager) Submit(ctx context.Context, id types.ItemID, ts types.Timestamp, v types.Variant, flags types.Flags) error {
	return s.SubmitValue(ctx, types.Value{ItemID: id, Timestamp: ts, Variant: v, Flags: flags})
}

// SubmitMeta stages a value carrying log file position metadata.
func (s *Stager) SubmitMeta(ctx context.Context, id types.ItemID, ts types.Timestamp, v types.Variant, flags types.Flags, lastLogSize uint64, mtime int32) error {
	return s.SubmitValue(ctx, types.Value{
		ItemID:      id,
		Timestamp:   ts,
		Variant:     v,
		Flags:       flags | types.FlagMeta,
		LastLogSize: lastLogSize,
		MTime:       mtime,
	})
}

// SubmitValue stages v, committing the buffer when it is full.
func (s *Stager) SubmitValue(ctx context.Context, v types.Value) error {
	if v.Variant.Type == types.VariantErr {
		v.State = types.StateNotSupported
	}
	s.b.add(v)
	if len(s.b.recs) >= s.cfg.MaxValues || len(s.b.slab) >= s.cfg.SlabSize {
		return s.Flush(ctx)
	}
	return nil
}

// Pending returns the number of staged values.
func (s *Stager) Pending() int {
	return len(s.b.recs)
}

// Flush commits every staged value. If ctx ends while the cache is full,
// the values not yet committed stay staged. Values too large for the cache
// are dropped and reported with ErrInvalidValue.
func (s *Stager) Flush(ctx context.Context) error {
	n, err := s.cache.commit(ctx, &s.b)
	s.b.dropFront(n)
	return err
}

// clampValue truncates payloads to the column limits.
func clampValue(v *types.Value) {
	switch v.Variant.Type {
	case types.VariantStr:
		v.Variant.Str = truncateRunes(v.Variant.Str, config.MaxStrValueLen)
	case types.VariantText:
		v.Variant.Str = truncateBytes(v.Variant.Str, config.MaxTextValueLen)
	case types.VariantErr:
		v.Variant.Str = truncateBytes(v.Variant.Str, config.MaxErrorLen)
	case types.VariantLog:
		if l := v.Variant.Log; l != nil {
			if len(l.Value) > config.MaxTextValueLen || utf8.RuneCountInString(l.Source) > config.MaxLogSourceLen {
				c := *l
				c.Value = truncateBytes(c.Value, config.MaxTextValueLen)
				c.Source = truncateRunes(c.Source, config.MaxLogSourceLen)
				v.Variant.Log = &c
			}
		}
	}
}

// truncateRunes keeps at most n characters of s.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// truncateBytes keeps at most n bytes of s without splitting a character.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
