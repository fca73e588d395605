// Package storage wires the history cache into a running service.
//
// Architecture:
//
//	┌─────────────┐     ┌─────────────┐     ┌─────────────┐
//	│  Producers  │────▶│ Value Cache │────▶│ Synchronizer│──▶ DuckDB
//	│  (Stagers)  │     │   (arena)   │     │   workers   │──▶ Parquet export
//	└─────────────┘     └─────────────┘     └─────────────┘
//	                                               │
//	                                               ▼
//	                                        ┌─────────────┐
//	                                        │ Trend Cache │
//	                                        │   (arena)   │
//	                                        └─────────────┘
//
// The service owns three arenas (history values, trends, ID table), the
// caches built on them, the DuckDB store, the item metadata cache, the
// optional Parquet export and the fill monitor. Producers obtain a Stager
// with NewStager; Start runs the synchronizer workers and Stop drains every
// cached value into storage before closing it.
package storage
