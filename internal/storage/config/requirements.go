package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Requirements estimates what the configured caches can hold.
type Requirements struct {
	// Arena memory
	HistoryCacheBytes uint64
	TrendCacheBytes   uint64
	IDCacheBytes      uint64
	TotalArenaBytes   uint64

	// Capacity estimates
	NumericValues uint64
	TextValues    uint64
	TrendItems    uint64

	// StagerBytes is the slab memory of one producer.
	StagerBytes uint64
}

// Per-record sizes including boundary tags.
const (
	// 24 byte node header, up to 10 byte payload, rounded, 16 byte tags
	bytesPerNumericValue = 56

	// assumes 128 characters of payload
	bytesPerTextValue = 176

	// 72 byte trend record, 16 byte tags
	bytesPerTrendItem = 88
)

// CalculateRequirements computes capacity estimates from the configuration.
func (c *Config) CalculateRequirements() Requirements {
	r := Requirements{
		HistoryCacheBytes: uint64(c.Cache.HistorySize),
		TrendCacheBytes:   uint64(c.Cache.TrendSize),
		IDCacheBytes:      uint64(c.Cache.IDSize),
		StagerBytes:       uint64(c.Stager.SlabSize),
	}
	r.TotalArenaBytes = r.HistoryCacheBytes + r.TrendCacheBytes + r.IDCacheBytes

	r.NumericValues = r.HistoryCacheBytes / bytesPerNumericValue
	r.TextValues = r.HistoryCacheBytes / bytesPerTextValue
	r.TrendItems = r.TrendCacheBytes / bytesPerTrendItem

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Cache Requirements
==================

Memory:
  History Cache:     %s
  Trend Cache:       %s
  ID Cache:          %s
  Total Arenas:      %s
  Stager Slab:       %s (per producer)

Capacity:
  Numeric Values:    %s
  Text Values:       %s (128 characters)
  Trend Items:       %s
`,
		humanize.IBytes(r.HistoryCacheBytes),
		humanize.IBytes(r.TrendCacheBytes),
		humanize.IBytes(r.IDCacheBytes),
		humanize.IBytes(r.TotalArenaBytes),
		humanize.IBytes(r.StagerBytes),
		humanize.Comma(int64(r.NumericValues)),
		humanize.Comma(int64(r.TextValues)),
		humanize.Comma(int64(r.TrendItems)),
	)
}
