package types

import (
	"sort"
	"strings"
	"time"
)

// Sample represents a single measurement pushed by a client.
// This is the primary data unit flowing through the storage system.
// A sample is immutable once received.
type Sample struct {
	// Name is the metric name (e.g., "cpu", "http_request_ms").
	Name string

	// Value is the measured value.
	Value float64

	// TimestampMs is the sample timestamp in Unix milliseconds.
	TimestampMs int64

	// Tags are optional key/value dimensions (e.g., host=web-01).
	Tags map[string]string
}

// TimestampTime returns the timestamp as a time.Time.
func (s *Sample) TimestampTime() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// Key returns the canonical series key for this sample.
func (s *Sample) Key() MetricKey {
	return NewMetricKey(s.Name, s.Tags)
}

// MetricKey uniquely identifies one aggregation series. It is derived
// deterministically from the metric name and the tags sorted by tag key,
// so two samples with the same name and tag set always map to the same
// series regardless of map iteration order.
type MetricKey string

// NewMetricKey builds a MetricKey from a name and tag set.
// Format: name{k1=v1,k2=v2} with tag keys sorted; a tagless metric is
// just the bare name.
func NewMetricKey(name string, tags map[string]string) MetricKey {
	if len(tags) == 0 {
		return MetricKey(name)
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.Grow(len(name) + 2 + len(tags)*16)
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	b.WriteByte('}')
	return MetricKey(b.String())
}

// Name returns the metric name portion of the key.
func (k MetricKey) Name() string {
	if i := strings.IndexByte(string(k), '{'); i >= 0 {
		return string(k)[:i]
	}
	return string(k)
}

// String returns the key as a string.
func (k MetricKey) String() string {
	return string(k)
}

// TimeRange is a half-open time interval [Start, End) in Unix
// milliseconds, matching the wire envelope and window timestamps.
type TimeRange struct {
	Start int64
	End   int64
}

// Contains reports whether the window starting at startMs (Unix
// milliseconds) lies inside the range.
func (r TimeRange) Contains(startMs int64) bool {
	return startMs >= r.Start && startMs < r.End
}

// IsZero reports whether the range is unset.
func (r TimeRange) IsZero() bool {
	return r.Start == 0 && r.End == 0
}

// SampleBatch represents a collection of samples for batch processing.
type SampleBatch struct {
	Samples []Sample
}

// NewSampleBatch creates a new batch with the given capacity.
func NewSampleBatch(capacity int) *SampleBatch {
	return &SampleBatch{
		Samples: make([]Sample, 0, capacity),
	}
}

// Add appends a sample to the batch.
func (b *SampleBatch) Add(s Sample) {
	b.Samples = append(b.Samples, s)
}

// Len returns the number of samples in the batch.
func (b *SampleBatch) Len() int {
	return len(b.Samples)
}

// Clear resets the batch for reuse.
func (b *SampleBatch) Clear() {
	b.Samples = b.Samples[:0]
}
