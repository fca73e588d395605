// Package export writes persisted history and trends to Parquet files.
//
// The export runs after a storage transaction has committed and is best
// effort: a failed write is reported but never undoes the commit. Files
// rotate after a configured number of rows so downstream readers can pick
// up finished files.
package export
