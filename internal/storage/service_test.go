package storage

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/nashlabs/nash-stats/config"
	"github.com/nashlabs/nash-stats/internal/errors"
	"github.com/nashlabs/nash-stats/internal/storage/buffer"
	"github.com/nashlabs/nash-stats/internal/storage/query"
	"github.com/nashlabs/nash-stats/internal/storage/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.TLS.Disabled = true
	cfg.Window.Duration = 100 * time.Millisecond
	cfg.Window.Grace = 50 * time.Millisecond
	cfg.Window.Shards = 4
	cfg.Checkpoint.Interval = 200 * time.Millisecond
	cfg.Checkpoint.RetryBackoff = 50 * time.Millisecond
	cfg.Retention.Period = time.Hour
	return cfg
}

func startService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	return svc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestService_IngestAndWindowClose(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg)
	defer svc.Stop()

	now := time.Now().UnixMilli()
	result, err := svc.Ingest([]types.Sample{
		{Name: "latency", Value: 10, TimestampMs: now},
		{Name: "latency", Value: 20, TimestampMs: now},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if result.Accepted != 2 || len(result.Rejected) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// The window closes once duration+grace has passed.
	if !waitFor(t, 2*time.Second, func() bool {
		return svc.Stats().WindowsClosed >= 1
	}) {
		t.Fatalf("window never closed: %+v", svc.Stats())
	}

	key := types.NewMetricKey("latency", nil)
	got, err := svc.Query(context.Background(), query.Request{Key: key})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 closed window, got %d", len(got))
	}
	if got[0].Count != 2 || got[0].Sum != 30 || got[0].Min != 10 || got[0].Max != 20 {
		t.Errorf("unexpected aggregate: %+v", got[0])
	}
}

func TestService_RejectsBadSamples(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg)
	defer svc.Stop()

	now := time.Now().UnixMilli()
	result, err := svc.Ingest([]types.Sample{
		{Name: "ok", Value: 1, TimestampMs: now},
		{Name: "", Value: 1, TimestampMs: now},
		{Name: "bad", Value: math.NaN(), TimestampMs: now},
		{Name: "late", Value: 1, TimestampMs: now - time.Hour.Milliseconds()},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if result.Accepted != 1 {
		t.Errorf("expected 1 accepted, got %d", result.Accepted)
	}
	if len(result.Rejected) != 3 {
		t.Fatalf("expected 3 rejections, got %+v", result.Rejected)
	}
	if result.Rejected[0].Index != 1 || !errors.Is(result.Rejected[0].Err, errors.ErrMalformed) {
		t.Errorf("empty name should be malformed: %+v", result.Rejected[0])
	}
	if !errors.Is(result.Rejected[2].Err, errors.ErrTooLate) {
		t.Errorf("hour-old sample should be too late: %+v", result.Rejected[2])
	}
}

func TestService_RecoversAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg)

	now := time.Now().UnixMilli()
	if _, err := svc.Ingest([]types.Sample{
		{Name: "orders", Value: 42, TimestampMs: now},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Stop closes the open window, journals, and checkpoints it.
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	svc2 := startService(t, cfg)
	defer svc2.Stop()

	key := types.NewMetricKey("orders", nil)
	got, err := svc2.Query(context.Background(), query.Request{Key: key})
	if err != nil {
		t.Fatalf("query after restart: %v", err)
	}
	if len(got) != 1 || got[0].Count != 1 || got[0].Sum != 42 {
		t.Fatalf("window not recovered: %+v", got)
	}
}

func TestService_FlushForcesClose(t *testing.T) {
	cfg := testConfig(t)
	cfg.Window.Duration = time.Hour // never closes on its own
	cfg.Window.Grace = time.Minute
	svc := startService(t, cfg)
	defer svc.Stop()

	now := time.Now().UnixMilli()
	windowStart := (now / time.Hour.Milliseconds()) * time.Hour.Milliseconds()

	if _, err := svc.Ingest([]types.Sample{
		{Name: "flushme", Value: 5, TimestampMs: now},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	key := types.NewMetricKey("flushme", nil)
	agg, ok, err := svc.Flush(key, windowStart)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !ok || agg.Count != 1 || agg.Sum != 5 {
		t.Fatalf("unexpected flush result: ok=%v agg=%+v", ok, agg)
	}

	// Flushing the same window again returns the same closed result.
	again, ok, err := svc.Flush(key, windowStart)
	if err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if !ok || again.Count != agg.Count || again.Sum != agg.Sum {
		t.Errorf("flush not idempotent: %+v vs %+v", again, agg)
	}
}

func TestService_ClosedAfterStop(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg)
	if err := svc.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if _, err := svc.Ingest([]types.Sample{{Name: "x", Value: 1, TimestampMs: 1}}); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
	if _, err := svc.Query(context.Background(), query.Request{Key: "x"}); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("expected closed error, got %v", err)
	}
}

func TestService_RecentSamples(t *testing.T) {
	cfg := testConfig(t)
	svc := startService(t, cfg)
	defer svc.Stop()

	now := time.Now().UnixMilli()
	if _, err := svc.Ingest([]types.Sample{
		{Name: "cpu", Value: 1, TimestampMs: now},
		{Name: "cpu", Value: 2, TimestampMs: now + 1},
	}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	samples := svc.RecentSamples(buffer.Filter{Since: now}, 0)
	if len(samples) != 2 {
		t.Errorf("expected 2 buffered samples, got %d", len(samples))
	}
}
