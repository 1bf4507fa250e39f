package query

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nashlabs/nash-stats/internal/errors"
	"github.com/nashlabs/nash-stats/internal/storage/snapshot"
	"github.com/nashlabs/nash-stats/internal/storage/types"
)

type fakeSource struct {
	aggs []types.WindowAggregate
}

func (f *fakeSource) Query(key types.MetricKey, r types.TimeRange) []types.WindowAggregate {
	var out []types.WindowAggregate
	for _, a := range f.aggs {
		if a.Key != key {
			continue
		}
		if !r.IsZero() && !r.Contains(a.WindowStart) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (f *fakeSource) Keys() []types.MetricKey {
	seen := make(map[types.MetricKey]struct{})
	var keys []types.MetricKey
	for _, a := range f.aggs {
		if _, ok := seen[a.Key]; !ok {
			seen[a.Key] = struct{}{}
			keys = append(keys, a.Key)
		}
	}
	return keys
}

func agg(key string, start, end int64, count int64, sum float64) types.WindowAggregate {
	return types.WindowAggregate{
		Key:         types.MetricKey(key),
		WindowStart: start,
		WindowEnd:   end,
		Count:       count,
		Sum:         sum,
		Min:         sum / float64(count),
		Max:         sum / float64(count),
		Avg:         sum / float64(count),
		FirstTs:     start,
		LastTs:      end - 1,
	}
}

func writeSnapshot(t *testing.T, dir string, createdAtMs int64, aggs []types.WindowAggregate) {
	t.Helper()
	w, err := snapshot.NewWriter(filepath.Join(dir, snapshot.FileName(createdAtMs)), snapshot.DefaultOptions())
	if err != nil {
		t.Fatalf("new snapshot writer: %v", err)
	}
	if err := w.Write(aggs); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close snapshot: %v", err)
	}
}

func TestQuery_FromSnapshots(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, 1, []types.WindowAggregate{
		agg("cpu{host=a}", 0, 60_000, 5, 50),
		agg("cpu{host=a}", 60_000, 120_000, 3, 30),
		agg("mem", 0, 60_000, 2, 20),
	})

	svc, err := New(dir, nil, "")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	got, err := svc.Query(context.Background(), Request{Key: "cpu{host=a}"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(got))
	}
	if got[0].WindowStart != 0 || got[1].WindowStart != 60_000 {
		t.Errorf("windows out of order: %+v", got)
	}
	if got[0].Count != 5 || got[0].Sum != 50 {
		t.Errorf("unexpected window: %+v", got[0])
	}
}

func TestQuery_ZeroPercentilesPreserved(t *testing.T) {
	dir := t.TempDir()

	// All-zero percentiles are real data for a window of zero values
	// and must not be read back as absent.
	zeroed := agg("errors", 0, 60_000, 4, 0)
	zeroed.SetPercentiles(0, 0, 0, 0)
	plain := agg("errors", 60_000, 120_000, 2, 2)
	writeSnapshot(t, dir, 1, []types.WindowAggregate{zeroed, plain})

	svc, err := New(dir, nil, "")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	got, err := svc.Query(context.Background(), Request{Key: "errors"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(got))
	}
	if !got[0].HasPercentiles() || *got[0].P50 != 0 {
		t.Errorf("zero-valued percentiles lost in scan: %+v", got[0])
	}
	if got[1].HasPercentiles() {
		t.Errorf("window without a sketch gained percentiles: %+v", got[1])
	}
}

func TestQuery_RangeFilter(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, 1, []types.WindowAggregate{
		agg("cpu", 0, 60_000, 1, 1),
		agg("cpu", 60_000, 120_000, 1, 1),
		agg("cpu", 120_000, 180_000, 1, 1),
	})

	svc, err := New(dir, nil, "")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	got, err := svc.Query(context.Background(), Request{
		Key:   "cpu",
		Range: types.TimeRange{Start: 60_000, End: 120_000},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].WindowStart != 60_000 {
		t.Errorf("range filter failed: %+v", got)
	}
}

func TestQuery_MergesMemoryOverDisk(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, 1, []types.WindowAggregate{
		agg("cpu", 0, 60_000, 5, 50),
	})

	src := &fakeSource{aggs: []types.WindowAggregate{
		// Same window also retained in memory, plus a newer one not
		// yet checkpointed.
		agg("cpu", 0, 60_000, 5, 50),
		agg("cpu", 60_000, 120_000, 2, 20),
	}}

	svc, err := New(dir, src, "")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	got, err := svc.Query(context.Background(), Request{Key: "cpu"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 deduplicated windows, got %d: %+v", len(got), got)
	}
	if got[0].WindowStart != 0 || got[1].WindowStart != 60_000 {
		t.Errorf("merged windows out of order: %+v", got)
	}
}

func TestQuery_MemoryOnlyBeforeFirstSnapshot(t *testing.T) {
	src := &fakeSource{aggs: []types.WindowAggregate{
		agg("cpu", 0, 60_000, 1, 10),
	}}

	svc, err := New(t.TempDir(), src, "")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	got, err := svc.Query(context.Background(), Request{Key: "cpu"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected memory-only result, got %d", len(got))
	}
}

func TestQuery_RangeUnavailable(t *testing.T) {
	svc, err := New(t.TempDir(), nil, "")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	svc.SetAvailableFrom(100_000)

	_, err = svc.Query(context.Background(), Request{
		Key:   "cpu",
		Range: types.TimeRange{Start: 0, End: 50_000},
	})
	if !errors.Is(err, errors.ErrRangeUnavailable) {
		t.Fatalf("expected range unavailable, got %v", err)
	}

	// A range reaching past the horizon is answered.
	if _, err := svc.Query(context.Background(), Request{
		Key:   "cpu",
		Range: types.TimeRange{Start: 50_000, End: 200_000},
	}); err != nil {
		t.Errorf("overlapping range should be served: %v", err)
	}

	if svc.Stats().Rejected != 1 {
		t.Errorf("expected 1 rejected query, got %d", svc.Stats().Rejected)
	}
}

func TestQuery_MissingKey(t *testing.T) {
	svc, err := New(t.TempDir(), nil, "")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	if _, err := svc.Query(context.Background(), Request{}); !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing field error, got %v", err)
	}
}

func TestKeys_UnionOfSources(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, 1, []types.WindowAggregate{
		agg("disk", 0, 60_000, 1, 1),
	})

	src := &fakeSource{aggs: []types.WindowAggregate{
		agg("cpu", 0, 60_000, 1, 1),
		agg("disk", 60_000, 120_000, 1, 1),
	}}

	svc, err := New(dir, src, "")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()

	keys, err := svc.Keys(context.Background())
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "cpu" || keys[1] != "disk" {
		t.Errorf("unexpected keys: %v", keys)
	}
}
