package aggregate

import (
	"math"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/nashlabs/nash-stats/internal/storage/types"
)

// Window maintains running statistics for a single series over one time
// window. It supports optional quantile estimation using DDSketch.
//
// A Window is owned by exactly one engine shard; all mutation happens under
// that shard's lock, so the Window itself carries no synchronization.
type Window struct {
	// Identity
	key types.MetricKey

	// Window bounds in Unix milliseconds
	start int64
	end   int64

	// Running statistics
	count   int64
	sum     float64
	min     float64
	max     float64
	firstTs int64
	lastTs  int64

	// DDSketch for quantiles (nil if disabled)
	sketch *ddsketch.DDSketch
}

// NewWindow creates a new Window for the given bounds. If accuracy > 0, a
// DDSketch with that relative accuracy is attached for quantile estimation.
func NewWindow(key types.MetricKey, start, end int64, accuracy float64) *Window {
	w := &Window{
		key:   key,
		start: start,
		end:   end,
		min:   math.MaxFloat64,
		max:   -math.MaxFloat64,
	}

	if accuracy > 0 {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			w.sketch = sketch
		}
	}

	return w
}

// Add adds a value to the window.
func (w *Window) Add(value float64, timestampMs int64) {
	w.count++
	w.sum += value

	if value < w.min {
		w.min = value
	}
	if value > w.max {
		w.max = value
	}

	if w.firstTs == 0 || timestampMs < w.firstTs {
		w.firstTs = timestampMs
	}
	if timestampMs > w.lastTs {
		w.lastTs = timestampMs
	}

	if w.sketch != nil {
		w.sketch.Add(value)
	}
}

// Count returns the number of samples added.
func (w *Window) Count() int64 {
	return w.count
}

// IsEmpty returns true if no samples have been added.
func (w *Window) IsEmpty() bool {
	return w.count == 0
}

// Result returns the aggregation result.
func (w *Window) Result() types.WindowAggregate {
	result := types.WindowAggregate{
		Key:         w.key,
		WindowStart: w.start,
		WindowEnd:   w.end,
		Count:       w.count,
		Sum:         w.sum,
		FirstTs:     w.firstTs,
		LastTs:      w.lastTs,
	}

	if w.count > 0 {
		result.Avg = w.sum / float64(w.count)
		result.Min = w.min
		result.Max = w.max
	}

	if w.sketch != nil && w.count > 0 {
		p50, _ := w.sketch.GetValueAtQuantile(0.50)
		p90, _ := w.sketch.GetValueAtQuantile(0.90)
		p95, _ := w.sketch.GetValueAtQuantile(0.95)
		p99, _ := w.sketch.GetValueAtQuantile(0.99)
		result.SetPercentiles(p50, p90, p95, p99)
	}

	return result
}

// Key returns the series key for this window.
func (w *Window) Key() types.MetricKey {
	return w.key
}

// Start returns the window start timestamp in Unix milliseconds.
func (w *Window) Start() int64 {
	return w.start
}

// End returns the window end timestamp in Unix milliseconds.
func (w *Window) End() int64 {
	return w.end
}

// WindowDuration returns the window duration.
func (w *Window) WindowDuration() time.Duration {
	return time.Duration(w.end-w.start) * time.Millisecond
}
