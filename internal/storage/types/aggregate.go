package types

import "time"

// WindowAggregate represents aggregated statistics for one series over one
// time window. It is produced by the aggregation engine when a window
// closes and is immutable from that point on.
type WindowAggregate struct {
	// Key identifies the series.
	Key MetricKey

	// Window bounds in Unix milliseconds: [WindowStart, WindowEnd).
	WindowStart int64
	WindowEnd   int64

	// Basic statistics (always present)
	Count int64
	Sum   float64
	Min   float64
	Max   float64
	Avg   float64

	// Quantile estimates (nil when percentile tracking is disabled)
	P50 *float64
	P90 *float64
	P95 *float64
	P99 *float64

	// Timestamps of the actual first and last sample in the window.
	FirstTs int64
	LastTs  int64
}

// WindowStartTime returns the window start as a time.Time.
func (a *WindowAggregate) WindowStartTime() time.Time {
	return time.UnixMilli(a.WindowStart)
}

// WindowEndTime returns the window end as a time.Time.
func (a *WindowAggregate) WindowEndTime() time.Time {
	return time.UnixMilli(a.WindowEnd)
}

// Duration returns the window duration.
func (a *WindowAggregate) Duration() time.Duration {
	return time.Duration(a.WindowEnd-a.WindowStart) * time.Millisecond
}

// IsEmpty returns true if no samples were aggregated.
func (a *WindowAggregate) IsEmpty() bool {
	return a.Count == 0
}

// HasPercentiles returns true if quantile estimates are available.
func (a *WindowAggregate) HasPercentiles() bool {
	return a.P50 != nil
}

// SetPercentiles sets all quantile estimates.
func (a *WindowAggregate) SetPercentiles(p50, p90, p95, p99 float64) {
	a.P50 = &p50
	a.P90 = &p90
	a.P95 = &p95
	a.P99 = &p99
}

// AggregateBatch represents a collection of window aggregates.
type AggregateBatch struct {
	Results []WindowAggregate
}

// NewAggregateBatch creates a new batch with the given capacity.
func NewAggregateBatch(capacity int) *AggregateBatch {
	return &AggregateBatch{
		Results: make([]WindowAggregate, 0, capacity),
	}
}

// Add appends a window aggregate to the batch.
func (b *AggregateBatch) Add(r WindowAggregate) {
	b.Results = append(b.Results, r)
}

// Len returns the number of results in the batch.
func (b *AggregateBatch) Len() int {
	return len(b.Results)
}

// Clear resets the batch for reuse.
func (b *AggregateBatch) Clear() {
	b.Results = b.Results[:0]
}

// SnapshotInfo describes one durable checkpoint file. Snapshot files are
// immutable once written; retention deletes whole files only.
type SnapshotInfo struct {
	// Path is the snapshot file path.
	Path string

	// CreatedAtMs is the checkpoint wall-clock time in Unix milliseconds.
	CreatedAtMs int64

	// Windows is the number of window aggregates in the file.
	Windows int64

	// MinWindowStart / MaxWindowEnd bound the windows covered.
	MinWindowStart int64
	MaxWindowEnd   int64
}
