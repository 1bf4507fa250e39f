// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Sample: A single measurement pushed by a client
//   - MetricKey: Canonical identity of one aggregation series
//   - WindowAggregate: Aggregated statistics for a time window
package types
