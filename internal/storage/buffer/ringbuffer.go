// Package buffer provides a bounded in-memory buffer of recent raw
// samples. The buffer is a debugging/inspection aid: aggregation never
// depends on it, and samples are evicted by age.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/nashlabs/nash-stats/internal/storage/types"
)

// RingBuffer is a thread-safe circular buffer for samples.
// It uses a simple mutex-based approach for correctness.
type RingBuffer struct {
	mu       sync.RWMutex
	data     []types.Sample
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	capacity int64

	// Statistics
	pushCount atomic.Int64
	dropCount atomic.Int64
}

// New creates a new RingBuffer with the given capacity.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingBuffer{
		data:     make([]types.Sample, capacity),
		capacity: int64(capacity),
	}
}

// Push adds a sample to the buffer, overwriting the oldest if full.
func (rb *RingBuffer) Push(sample types.Sample) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count >= rb.capacity {
		rb.tail++
		rb.count--
		rb.dropCount.Add(1)
	}

	idx := rb.head % rb.capacity
	rb.data[idx] = sample
	rb.head++
	rb.count++
	rb.pushCount.Add(1)
}

// EvictOlderThan removes samples with a timestamp below cutoffMs.
// Samples are stored in arrival order, which usually tracks timestamp
// order; eviction stops at the first sample that is new enough.
func (rb *RingBuffer) EvictOlderThan(cutoffMs int64) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	evicted := 0
	for rb.count > 0 {
		idx := rb.tail % rb.capacity
		if rb.data[idx].TimestampMs >= cutoffMs {
			break
		}
		rb.data[idx] = types.Sample{}
		rb.tail++
		rb.count--
		evicted++
	}
	return evicted
}

// Filter defines criteria for selecting samples.
type Filter struct {
	Key   types.MetricKey // empty = no key filter
	Since int64           // Unix milliseconds, 0 = no filter
	Until int64           // Unix milliseconds, 0 = no filter
}

// Matches returns true if the sample matches the filter.
func (f *Filter) Matches(s *types.Sample) bool {
	if f.Key != "" && s.Key() != f.Key {
		return false
	}
	if f.Since > 0 && s.TimestampMs < f.Since {
		return false
	}
	if f.Until > 0 && s.TimestampMs > f.Until {
		return false
	}
	return true
}

// Query returns samples matching the filter, oldest to newest, up to
// limit (0 = no limit).
func (rb *RingBuffer) Query(f Filter, limit int) []types.Sample {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []types.Sample
	for i := int64(0); i < rb.count; i++ {
		idx := (rb.tail + i) % rb.capacity
		if f.Matches(&rb.data[idx]) {
			out = append(out, rb.data[idx])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Len returns the current number of samples in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(rb.count)
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return int(rb.capacity)
}

// Clear removes all samples from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for i := range rb.data {
		rb.data[i] = types.Sample{}
	}
	rb.head = 0
	rb.tail = 0
	rb.count = 0
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() Stats {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return Stats{
		Capacity:   int(rb.capacity),
		Count:      int(rb.count),
		UsageRatio: float64(rb.count) / float64(rb.capacity),
		PushCount:  rb.pushCount.Load(),
		DropCount:  rb.dropCount.Load(),
	}
}

// Stats holds buffer statistics.
type Stats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	DropCount  int64
}
