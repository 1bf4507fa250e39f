package buffer

import (
	"testing"

	"github.com/nashlabs/nash-stats/internal/storage/types"
)

func sample(name string, ts int64) types.Sample {
	return types.Sample{Name: name, Value: 1, TimestampMs: ts}
}

func TestRingBuffer_PushOverwrite(t *testing.T) {
	rb := New(3)

	for i := int64(1); i <= 5; i++ {
		rb.Push(sample("m", i))
	}

	if rb.Len() != 3 {
		t.Fatalf("expected len=3, got %d", rb.Len())
	}

	got := rb.Query(Filter{}, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0].TimestampMs != 3 || got[2].TimestampMs != 5 {
		t.Errorf("unexpected order: first=%d last=%d", got[0].TimestampMs, got[2].TimestampMs)
	}

	stats := rb.Stats()
	if stats.DropCount != 2 {
		t.Errorf("expected 2 dropped, got %d", stats.DropCount)
	}
}

func TestRingBuffer_EvictOlderThan(t *testing.T) {
	rb := New(10)
	for i := int64(1); i <= 5; i++ {
		rb.Push(sample("m", i*1000))
	}

	if n := rb.EvictOlderThan(3000); n != 2 {
		t.Errorf("expected 2 evicted, got %d", n)
	}
	if rb.Len() != 3 {
		t.Errorf("expected len=3, got %d", rb.Len())
	}
}

func TestRingBuffer_QueryFilter(t *testing.T) {
	rb := New(10)
	rb.Push(types.Sample{Name: "cpu", Value: 1, TimestampMs: 1000, Tags: map[string]string{"host": "a"}})
	rb.Push(types.Sample{Name: "cpu", Value: 2, TimestampMs: 2000, Tags: map[string]string{"host": "b"}})
	rb.Push(types.Sample{Name: "mem", Value: 3, TimestampMs: 3000})

	got := rb.Query(Filter{Key: types.NewMetricKey("cpu", map[string]string{"host": "a"})}, 0)
	if len(got) != 1 || got[0].Value != 1 {
		t.Errorf("key filter failed: %+v", got)
	}

	got = rb.Query(Filter{Since: 2000}, 0)
	if len(got) != 2 {
		t.Errorf("since filter: expected 2, got %d", len(got))
	}

	got = rb.Query(Filter{}, 2)
	if len(got) != 2 {
		t.Errorf("limit: expected 2, got %d", len(got))
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := New(4)
	rb.Push(sample("m", 1))
	rb.Clear()

	if rb.Len() != 0 {
		t.Errorf("expected empty after clear, got %d", rb.Len())
	}
}
