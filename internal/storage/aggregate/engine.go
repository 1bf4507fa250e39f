package aggregate

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nashlabs/nash-stats/internal/errors"
	"github.com/nashlabs/nash-stats/internal/storage/types"
)

// Config configures the aggregation engine.
type Config struct {
	// WindowDuration is the fixed aggregation window size.
	WindowDuration time.Duration

	// Grace is the allowed lateness for a sample before it is rejected
	// as too old. It also delays window closure: a window closes when
	// wall clock passes window end plus Grace.
	Grace time.Duration

	// Shards is the number of key partitions. Ingests for keys in
	// different shards never contend.
	Shards int

	// PercentileAccuracy is the DDSketch relative accuracy
	// (0.01 = 1% rank error). Zero disables quantile tracking.
	PercentileAccuracy float64
}

// Engine is the aggregation engine. It routes samples to per-series
// windows, closes windows as wall clock advances, and hands each closed
// window to the flush path exactly once.
//
// Keys are partitioned across shards by FNV hash; each shard has its own
// lock, so concurrent ingests for different keys proceed independently
// while ingests for the same key serialize through the shard.
type Engine struct {
	cfg    Config
	shards []*shard

	stats EngineStats
}

// EngineStats holds engine counters.
type EngineStats struct {
	SamplesIngested atomic.Int64
	SamplesTooLate  atomic.Int64
	SamplesBadInput atomic.Int64
	WindowsClosed   atomic.Int64
}

type shard struct {
	mu      sync.Mutex
	series  map[types.MetricKey]*series
	pending []types.WindowAggregate // closed, awaiting Drain
}

type series struct {
	// open maps window start (Unix ms) to the open window. Usually one
	// entry; two while the grace period keeps the previous window open.
	open map[int64]*Window

	// newestOpen is the start of the newest window ever opened for the
	// series. The too-late cutoff is newestOpen minus the grace period.
	newestOpen int64

	// closedThrough is the max end of any closed window. Samples below
	// it would mutate an immutable window and are rejected.
	closedThrough int64

	// closed holds closed windows retained for in-memory queries until
	// they are durably checkpointed and evicted. Ascending by start.
	closed []types.WindowAggregate
}

// NewEngine creates a new aggregation engine.
func NewEngine(cfg Config) *Engine {
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = time.Minute
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 64
	}

	e := &Engine{
		cfg:    cfg,
		shards: make([]*shard, cfg.Shards),
	}
	for i := range e.shards {
		e.shards[i] = &shard{series: make(map[types.MetricKey]*series)}
	}
	return e
}

// WindowDuration returns the configured window duration.
func (e *Engine) WindowDuration() time.Duration {
	return e.cfg.WindowDuration
}

func (e *Engine) shardFor(key types.MetricKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return e.shards[h.Sum32()%uint32(len(e.shards))]
}

func (e *Engine) windowStart(timestampMs int64) int64 {
	winMs := e.cfg.WindowDuration.Milliseconds()
	return (timestampMs / winMs) * winMs
}

// Ingest routes the sample to the window covering its timestamp, creating
// the window lazily if absent. Samples older than the newest open window
// start minus the grace period (or belonging to an already-closed window)
// are rejected with errors.ErrTooLate. Samples with an empty name or a
// non-finite value are rejected with errors.ErrMalformed.
func (e *Engine) Ingest(s types.Sample) error {
	if s.Name == "" {
		e.stats.SamplesBadInput.Add(1)
		return errors.NewMalformed("empty metric name")
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		e.stats.SamplesBadInput.Add(1)
		return errors.NewMalformed("non-finite value")
	}

	key := s.Key()
	ws := e.windowStart(s.TimestampMs)
	graceMs := e.cfg.Grace.Milliseconds()

	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sr, ok := sh.series[key]
	if !ok {
		sr = &series{open: make(map[int64]*Window, 2)}
		sh.series[key] = sr
	}

	if sr.newestOpen > 0 && s.TimestampMs < sr.newestOpen-graceMs {
		e.stats.SamplesTooLate.Add(1)
		return errors.ErrTooLate
	}
	if s.TimestampMs < sr.closedThrough {
		e.stats.SamplesTooLate.Add(1)
		return errors.ErrTooLate
	}

	w, ok := sr.open[ws]
	if !ok {
		w = NewWindow(key, ws, ws+e.cfg.WindowDuration.Milliseconds(), e.cfg.PercentileAccuracy)
		sr.open[ws] = w
		if ws > sr.newestOpen {
			sr.newestOpen = ws
		}
	}

	w.Add(s.Value, s.TimestampMs)
	e.stats.SamplesIngested.Add(1)
	return nil
}

// IngestBatch ingests multiple samples, returning the first error per
// sample index. A nil slice means every sample was accepted.
func (e *Engine) IngestBatch(samples []types.Sample) []error {
	var errs []error
	for i := range samples {
		if err := e.Ingest(samples[i]); err != nil {
			if errs == nil {
				errs = make([]error, len(samples))
			}
			errs[i] = err
		}
	}
	return errs
}

// CloseDue closes every open window whose end plus the grace period has
// passed. Closed windows become immutable and are queued for Drain
// exactly once. Returns the number of windows closed.
func (e *Engine) CloseDue(now time.Time) int {
	nowMs := now.UnixMilli()
	graceMs := e.cfg.Grace.Milliseconds()
	closed := 0

	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, sr := range sh.series {
			for ws, w := range sr.open {
				if w.End()+graceMs <= nowMs {
					sh.closeLocked(sr, ws, w)
					closed++
				}
			}
		}
		sh.mu.Unlock()
	}

	e.stats.WindowsClosed.Add(int64(closed))
	return closed
}

// CloseAll closes every open window regardless of wall clock. This is
// called during shutdown so no aggregate is lost.
func (e *Engine) CloseAll() int {
	closed := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, sr := range sh.series {
			for ws, w := range sr.open {
				sh.closeLocked(sr, ws, w)
				closed++
			}
		}
		sh.mu.Unlock()
	}
	e.stats.WindowsClosed.Add(int64(closed))
	return closed
}

// closeLocked moves an open window to the closed state. Caller holds the
// shard lock.
func (sh *shard) closeLocked(sr *series, ws int64, w *Window) {
	res := w.Result()
	delete(sr.open, ws)

	sh.pending = append(sh.pending, res)
	sr.insertClosed(res)

	if res.WindowEnd > sr.closedThrough {
		sr.closedThrough = res.WindowEnd
	}
}

// insertClosed keeps sr.closed sorted by window start.
func (sr *series) insertClosed(res types.WindowAggregate) {
	n := len(sr.closed)
	if n == 0 || sr.closed[n-1].WindowStart < res.WindowStart {
		sr.closed = append(sr.closed, res)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return sr.closed[i].WindowStart >= res.WindowStart
	})
	sr.closed = append(sr.closed, types.WindowAggregate{})
	copy(sr.closed[i+1:], sr.closed[i:])
	sr.closed[i] = res
}

// Drain returns and clears all closed windows not yet handed to the
// flush path. Each closed window is returned by Drain exactly once.
func (e *Engine) Drain() []types.WindowAggregate {
	var out []types.WindowAggregate
	for _, sh := range e.shards {
		sh.mu.Lock()
		if len(sh.pending) > 0 {
			out = append(out, sh.pending...)
			sh.pending = nil
		}
		sh.mu.Unlock()
	}
	return out
}

// Flush forces closure of the window starting at windowStart for the key
// (if still open) and returns the closed aggregate. Repeated calls for
// the same closed window return identical values. The second return is
// false if the window is unknown.
func (e *Engine) Flush(key types.MetricKey, windowStart int64) (types.WindowAggregate, bool) {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sr, ok := sh.series[key]
	if !ok {
		return types.WindowAggregate{}, false
	}

	if w, open := sr.open[windowStart]; open {
		sh.closeLocked(sr, windowStart, w)
		e.stats.WindowsClosed.Add(1)
	}

	for i := range sr.closed {
		if sr.closed[i].WindowStart == windowStart {
			return sr.closed[i], true
		}
	}
	return types.WindowAggregate{}, false
}

// Query returns the closed windows for a key whose start falls inside the
// range, ascending by window start. Open windows are never returned.
func (e *Engine) Query(key types.MetricKey, r types.TimeRange) []types.WindowAggregate {
	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sr, ok := sh.series[key]
	if !ok {
		return nil
	}

	var out []types.WindowAggregate
	for i := range sr.closed {
		if r.IsZero() || r.Contains(sr.closed[i].WindowStart) {
			out = append(out, sr.closed[i])
		}
	}
	return out
}

// Keys returns every series key currently known to the engine.
func (e *Engine) Keys() []types.MetricKey {
	var keys []types.MetricKey
	for _, sh := range e.shards {
		sh.mu.Lock()
		for k := range sh.series {
			keys = append(keys, k)
		}
		sh.mu.Unlock()
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// EvictClosedBefore drops retained closed windows ending at or before
// cutoffMs. The storage service calls this after those windows are
// durably checkpointed; later queries for them are served from snapshots.
func (e *Engine) EvictClosedBefore(cutoffMs int64) int {
	evicted := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for key, sr := range sh.series {
			kept := sr.closed[:0]
			for i := range sr.closed {
				if sr.closed[i].WindowEnd > cutoffMs {
					kept = append(kept, sr.closed[i])
				} else {
					evicted++
				}
			}
			sr.closed = kept
			if len(sr.closed) == 0 && len(sr.open) == 0 {
				delete(sh.series, key)
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Restore seeds the engine with closed windows from a checkpoint or WAL
// replay. Duplicate (key, window start) records keep the last occurrence.
// Restored windows are immutable: samples for them are rejected as too
// late, and queries return them until eviction.
func (e *Engine) Restore(aggs []types.WindowAggregate) {
	for i := range aggs {
		a := aggs[i]
		sh := e.shardFor(a.Key)
		sh.mu.Lock()
		sr, ok := sh.series[a.Key]
		if !ok {
			sr = &series{open: make(map[int64]*Window, 2)}
			sh.series[a.Key] = sr
		}

		replaced := false
		for j := range sr.closed {
			if sr.closed[j].WindowStart == a.WindowStart {
				sr.closed[j] = a
				replaced = true
				break
			}
		}
		if !replaced {
			sr.insertClosed(a)
		}
		if a.WindowEnd > sr.closedThrough {
			sr.closedThrough = a.WindowEnd
		}
		sh.mu.Unlock()
	}
}

// ActiveWindows returns the number of open windows across all shards.
func (e *Engine) ActiveWindows() int {
	n := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, sr := range sh.series {
			n += len(sr.open)
		}
		sh.mu.Unlock()
	}
	return n
}

// RetainedClosed returns the number of closed windows held for queries.
func (e *Engine) RetainedClosed() int {
	n := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for _, sr := range sh.series {
			n += len(sr.closed)
		}
		sh.mu.Unlock()
	}
	return n
}

// Stats returns a point-in-time copy of the engine counters.
func (e *Engine) Stats() (ingested, tooLate, badInput, closed int64) {
	return e.stats.SamplesIngested.Load(),
		e.stats.SamplesTooLate.Load(),
		e.stats.SamplesBadInput.Load(),
		e.stats.WindowsClosed.Load()
}
