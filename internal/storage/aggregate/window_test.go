package aggregate

import (
	"math"
	"testing"
	"time"
)

func TestWindow_Basic(t *testing.T) {
	now := time.Now().UnixMilli()
	w := NewWindow("cpu{host=web-01}", now, now+60_000, 0)

	if !w.IsEmpty() {
		t.Error("new window should be empty")
	}

	w.Add(10.0, now)
	w.Add(20.0, now+1000)
	w.Add(30.0, now+2000)

	if w.IsEmpty() {
		t.Error("window should not be empty")
	}
	if w.Count() != 3 {
		t.Errorf("expected count=3, got %d", w.Count())
	}

	result := w.Result()

	if result.Count != 3 {
		t.Errorf("expected count=3, got %d", result.Count)
	}
	if result.Sum != 60.0 {
		t.Errorf("expected sum=60, got %f", result.Sum)
	}
	if result.Min != 10.0 {
		t.Errorf("expected min=10, got %f", result.Min)
	}
	if result.Max != 30.0 {
		t.Errorf("expected max=30, got %f", result.Max)
	}
	if math.Abs(result.Avg-20.0) > 0.001 {
		t.Errorf("expected avg=20, got %f", result.Avg)
	}
	if result.HasPercentiles() {
		t.Error("should not have percentiles")
	}
	if result.FirstTs != now || result.LastTs != now+2000 {
		t.Errorf("unexpected first/last ts: %d/%d", result.FirstTs, result.LastTs)
	}
}

func TestWindow_WithPercentiles(t *testing.T) {
	now := time.Now().UnixMilli()
	w := NewWindow("latency", now, now+60_000, 0.01)

	// Add 100 values: 1, 2, 3, ..., 100
	for i := 1; i <= 100; i++ {
		w.Add(float64(i), now+int64(i)*100)
	}

	result := w.Result()

	if !result.HasPercentiles() {
		t.Fatal("should have percentiles")
	}
	if math.Abs(*result.P50-50.0) > 2.0 {
		t.Errorf("expected P50 near 50, got %f", *result.P50)
	}
	if math.Abs(*result.P95-95.0) > 2.0 {
		t.Errorf("expected P95 near 95, got %f", *result.P95)
	}
	if math.Abs(*result.P99-99.0) > 2.0 {
		t.Errorf("expected P99 near 99, got %f", *result.P99)
	}
}

func TestWindow_SingleValue(t *testing.T) {
	w := NewWindow("cpu", 0, 60_000, 0)
	w.Add(42.0, 100)

	result := w.Result()
	if result.Min != 42.0 || result.Max != 42.0 || result.Avg != 42.0 {
		t.Errorf("single value stats wrong: min=%f max=%f avg=%f",
			result.Min, result.Max, result.Avg)
	}
}

func TestWindow_NegativeValues(t *testing.T) {
	w := NewWindow("delta", 0, 60_000, 0)
	w.Add(-5.0, 100)
	w.Add(3.0, 200)

	result := w.Result()
	if result.Min != -5.0 {
		t.Errorf("expected min=-5, got %f", result.Min)
	}
	if result.Max != 3.0 {
		t.Errorf("expected max=3, got %f", result.Max)
	}
	if result.Sum != -2.0 {
		t.Errorf("expected sum=-2, got %f", result.Sum)
	}
}
