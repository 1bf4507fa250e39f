package types

import (
	"testing"
	"time"
)

func TestNewMetricKey_Deterministic(t *testing.T) {
	a := NewMetricKey("cpu", map[string]string{"host": "web-01", "dc": "eu"})
	b := NewMetricKey("cpu", map[string]string{"dc": "eu", "host": "web-01"})

	if a != b {
		t.Errorf("keys differ for the same tag set: %q vs %q", a, b)
	}

	if a.String() != "cpu{dc=eu,host=web-01}" {
		t.Errorf("unexpected canonical form: %q", a)
	}
}

func TestNewMetricKey_NoTags(t *testing.T) {
	k := NewMetricKey("cpu", nil)
	if k != "cpu" {
		t.Errorf("expected bare name, got %q", k)
	}
	if k.Name() != "cpu" {
		t.Errorf("expected name cpu, got %q", k.Name())
	}
}

func TestMetricKey_Name(t *testing.T) {
	k := NewMetricKey("http_request_ms", map[string]string{"method": "GET"})
	if k.Name() != "http_request_ms" {
		t.Errorf("expected http_request_ms, got %q", k.Name())
	}
}

func TestSample_Key(t *testing.T) {
	s := Sample{
		Name:        "cpu",
		Value:       1.5,
		TimestampMs: time.Now().UnixMilli(),
		Tags:        map[string]string{"host": "web-01"},
	}

	if s.Key() != "cpu{host=web-01}" {
		t.Errorf("unexpected key: %q", s.Key())
	}
}

func TestTimeRange_Contains(t *testing.T) {
	r := TimeRange{Start: 1000, End: 2000}

	cases := []struct {
		startMs int64
		want    bool
	}{
		{999, false},
		{1000, true},
		{1500, true},
		{1999, true},
		{2000, false},
	}

	for _, c := range cases {
		if got := r.Contains(c.startMs); got != c.want {
			t.Errorf("Contains(%d) = %v, want %v", c.startMs, got, c.want)
		}
	}
}

func TestWindowAggregate_Percentiles(t *testing.T) {
	var a WindowAggregate

	if a.HasPercentiles() {
		t.Error("fresh aggregate should not have percentiles")
	}

	a.SetPercentiles(50, 90, 95, 99)

	if !a.HasPercentiles() {
		t.Fatal("expected percentiles after SetPercentiles")
	}
	if *a.P50 != 50 || *a.P99 != 99 {
		t.Errorf("unexpected percentile values: p50=%f p99=%f", *a.P50, *a.P99)
	}
}

func TestWindowAggregate_Duration(t *testing.T) {
	a := WindowAggregate{WindowStart: 0, WindowEnd: 60_000}
	if a.Duration() != time.Minute {
		t.Errorf("expected 1m, got %s", a.Duration())
	}
}

func TestSampleBatch(t *testing.T) {
	b := NewSampleBatch(4)
	if b.Len() != 0 {
		t.Errorf("expected empty batch, got %d", b.Len())
	}

	b.Add(Sample{Name: "cpu", Value: 1})
	b.Add(Sample{Name: "cpu", Value: 2})
	if b.Len() != 2 {
		t.Errorf("expected 2, got %d", b.Len())
	}

	b.Clear()
	if b.Len() != 0 {
		t.Errorf("expected empty after clear, got %d", b.Len())
	}
}
