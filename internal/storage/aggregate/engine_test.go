package aggregate

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nashlabs/nash-stats/internal/errors"
	"github.com/nashlabs/nash-stats/internal/storage/types"
)

func testEngine(window, grace time.Duration) *Engine {
	return NewEngine(Config{
		WindowDuration:     window,
		Grace:              grace,
		Shards:             8,
		PercentileAccuracy: 0.01,
	})
}

func TestEngine_IngestAndFlush(t *testing.T) {
	// The example from the wire contract: two samples in one 10s window.
	e := testEngine(10*time.Second, 0)

	if err := e.Ingest(types.Sample{Name: "cpu", Value: 10, TimestampMs: 0}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := e.Ingest(types.Sample{Name: "cpu", Value: 20, TimestampMs: 5000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	agg, ok := e.Flush("cpu", 0)
	if !ok {
		t.Fatal("expected window to exist")
	}
	if agg.Count != 2 {
		t.Errorf("expected count=2, got %d", agg.Count)
	}
	if agg.Sum != 30 {
		t.Errorf("expected sum=30, got %f", agg.Sum)
	}
	if agg.Min != 10 || agg.Max != 20 {
		t.Errorf("expected min=10 max=20, got min=%f max=%f", agg.Min, agg.Max)
	}
}

func TestEngine_StatsMatchDirectComputation(t *testing.T) {
	e := testEngine(time.Minute, 0)

	values := []float64{3.2, -1.5, 42.0, 0.0, 7.7, 9.1}
	var sum, min, max float64
	min = math.MaxFloat64
	max = -math.MaxFloat64

	base := int64(120_000) // window [120000, 180000)
	for i, v := range values {
		if err := e.Ingest(types.Sample{Name: "m", Value: v, TimestampMs: base + int64(i)*1000}); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	agg, ok := e.Flush("m", base)
	if !ok {
		t.Fatal("window missing")
	}
	if agg.Count != int64(len(values)) {
		t.Errorf("count=%d, want %d", agg.Count, len(values))
	}
	if math.Abs(agg.Sum-sum) > 1e-9 {
		t.Errorf("sum=%f, want %f", agg.Sum, sum)
	}
	if agg.Min != min || agg.Max != max {
		t.Errorf("min/max=%f/%f, want %f/%f", agg.Min, agg.Max, min, max)
	}
}

func TestEngine_TooLate(t *testing.T) {
	e := testEngine(10*time.Second, 5*time.Second)

	// Open a window at t=60s.
	if err := e.Ingest(types.Sample{Name: "cpu", Value: 1, TimestampMs: 60_000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Within grace of the open window start: accepted.
	if err := e.Ingest(types.Sample{Name: "cpu", Value: 1, TimestampMs: 56_000}); err != nil {
		t.Errorf("sample within grace rejected: %v", err)
	}

	// Older than newest window start minus grace: always rejected.
	err := e.Ingest(types.Sample{Name: "cpu", Value: 1, TimestampMs: 54_000})
	if !errors.Is(err, errors.ErrTooLate) {
		t.Errorf("expected ErrTooLate, got %v", err)
	}
}

func TestEngine_ClosedWindowRejectsSamples(t *testing.T) {
	e := testEngine(10*time.Second, 0)

	if err := e.Ingest(types.Sample{Name: "cpu", Value: 1, TimestampMs: 5000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Close the [0, 10s) window by wall clock.
	e.CloseDue(time.UnixMilli(10_000))

	err := e.Ingest(types.Sample{Name: "cpu", Value: 2, TimestampMs: 6000})
	if !errors.Is(err, errors.ErrTooLate) {
		t.Errorf("sample for closed window: expected ErrTooLate, got %v", err)
	}
}

func TestEngine_Malformed(t *testing.T) {
	e := testEngine(time.Minute, 0)

	cases := []types.Sample{
		{Name: "", Value: 1, TimestampMs: 1000},
		{Name: "cpu", Value: math.NaN(), TimestampMs: 1000},
		{Name: "cpu", Value: math.Inf(1), TimestampMs: 1000},
	}

	for i, s := range cases {
		err := e.Ingest(s)
		if !errors.Is(err, errors.ErrMalformed) {
			t.Errorf("case %d: expected ErrMalformed, got %v", i, err)
		}
	}
}

func TestEngine_CloseDueRespectsGrace(t *testing.T) {
	e := testEngine(10*time.Second, 5*time.Second)

	if err := e.Ingest(types.Sample{Name: "cpu", Value: 1, TimestampMs: 5000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Window [0,10s) ends at 10s but stays open until 15s.
	if n := e.CloseDue(time.UnixMilli(12_000)); n != 0 {
		t.Errorf("window closed during grace: %d", n)
	}
	if n := e.CloseDue(time.UnixMilli(15_000)); n != 1 {
		t.Errorf("expected 1 window closed, got %d", n)
	}
}

func TestEngine_DrainExactlyOnce(t *testing.T) {
	e := testEngine(10*time.Second, 0)

	for i := 0; i < 3; i++ {
		s := types.Sample{Name: fmt.Sprintf("m%d", i), Value: 1, TimestampMs: 5000}
		if err := e.Ingest(s); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	e.CloseDue(time.UnixMilli(10_000))

	first := e.Drain()
	if len(first) != 3 {
		t.Fatalf("expected 3 drained windows, got %d", len(first))
	}

	second := e.Drain()
	if len(second) != 0 {
		t.Errorf("windows drained twice: %d", len(second))
	}
}

func TestEngine_FlushIdempotent(t *testing.T) {
	e := testEngine(10*time.Second, 0)

	if err := e.Ingest(types.Sample{Name: "cpu", Value: 7, TimestampMs: 5000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	a, ok := e.Flush("cpu", 0)
	if !ok {
		t.Fatal("window missing")
	}
	b, ok := e.Flush("cpu", 0)
	if !ok {
		t.Fatal("closed window disappeared")
	}

	if a.Count != b.Count || a.Sum != b.Sum || a.Min != b.Min || a.Max != b.Max {
		t.Errorf("repeated flush returned different values: %+v vs %+v", a, b)
	}
}

func TestEngine_QueryClosedOnly(t *testing.T) {
	e := testEngine(10*time.Second, 0)

	// One closed window, one still open.
	if err := e.Ingest(types.Sample{Name: "cpu", Value: 1, TimestampMs: 5000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := e.Ingest(types.Sample{Name: "cpu", Value: 2, TimestampMs: 15_000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	e.CloseDue(time.UnixMilli(10_000))

	r := types.TimeRange{Start: 0, End: 100_000}
	got := e.Query("cpu", r)

	if len(got) != 1 {
		t.Fatalf("expected only the closed window, got %d", len(got))
	}
	if got[0].WindowStart != 0 {
		t.Errorf("unexpected window start %d", got[0].WindowStart)
	}
}

func TestEngine_RestoreReproducesQueries(t *testing.T) {
	e := testEngine(10*time.Second, 0)

	for i := 0; i < 5; i++ {
		s := types.Sample{Name: "cpu", Value: float64(i + 1), TimestampMs: int64(i) * 1000}
		if err := e.Ingest(s); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	e.CloseDue(time.UnixMilli(10_000))

	r := types.TimeRange{Start: 0, End: 100_000}
	before := e.Query("cpu", r)
	if len(before) != 1 {
		t.Fatalf("expected 1 closed window, got %d", len(before))
	}

	restored := NewEngine(Config{WindowDuration: 10 * time.Second, Shards: 8})
	restored.Restore(before)

	after := restored.Query("cpu", r)
	if len(after) != 1 {
		t.Fatalf("restored engine returned %d windows", len(after))
	}
	if after[0].Count != before[0].Count || after[0].Sum != before[0].Sum ||
		after[0].Min != before[0].Min || after[0].Max != before[0].Max {
		t.Errorf("restored window differs: %+v vs %+v", after[0], before[0])
	}

	// The restored window is immutable.
	err := restored.Ingest(types.Sample{Name: "cpu", Value: 1, TimestampMs: 5000})
	if !errors.Is(err, errors.ErrTooLate) {
		t.Errorf("ingest into restored window: expected ErrTooLate, got %v", err)
	}
}

func TestEngine_EvictClosedBefore(t *testing.T) {
	e := testEngine(10*time.Second, 0)

	if err := e.Ingest(types.Sample{Name: "cpu", Value: 1, TimestampMs: 5000}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	e.CloseDue(time.UnixMilli(10_000))

	if n := e.EvictClosedBefore(10_000); n != 1 {
		t.Errorf("expected 1 evicted, got %d", n)
	}
	if got := e.Query("cpu", types.TimeRange{}); len(got) != 0 {
		t.Errorf("evicted window still queryable: %d", len(got))
	}
}

func TestEngine_ConcurrentKeysIndependent(t *testing.T) {
	e := testEngine(time.Minute, 0)

	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			name := fmt.Sprintf("metric-%d", id)
			for j := 0; j < perWorker; j++ {
				s := types.Sample{Name: name, Value: float64(j), TimestampMs: int64(j)}
				if err := e.Ingest(s); err != nil {
					t.Errorf("worker %d ingest: %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	ingested, _, _, _ := e.Stats()
	if ingested != workers*perWorker {
		t.Errorf("expected %d ingested, got %d", workers*perWorker, ingested)
	}

	e.CloseAll()
	drained := e.Drain()
	if len(drained) != workers {
		t.Errorf("expected %d windows, got %d", workers, len(drained))
	}
	for _, a := range drained {
		if a.Count != perWorker {
			t.Errorf("window %s count=%d, want %d", a.Key, a.Count, perWorker)
		}
	}
}
