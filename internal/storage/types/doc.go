// Package types defines the core data types shared by the history cache,
// the synchronizer and the storage adapters.
//
// Key types:
//   - Value: A single time-stamped sample submitted by a producer
//   - Variant: The tagged value payload (float, uint, str, text, log, error)
//   - ItemMeta: Item configuration resolved at sync time
//   - HistoryRow, TrendRow, ItemDiff: What a sync pass persists
package types
