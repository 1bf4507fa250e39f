// Package storage orchestrates the aggregation and persistence
// pipeline: samples flow into the windowed engine (and optionally a
// raw ring buffer), closed windows are journaled to the WAL, folded
// into Parquet snapshots on a checkpoint interval, and served back
// through the DuckDB-backed query service until retention expires
// them.
package storage
