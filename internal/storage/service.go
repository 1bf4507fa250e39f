package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nashlabs/nash-stats/config"
	"github.com/nashlabs/nash-stats/internal/errors"
	"github.com/nashlabs/nash-stats/internal/logging"
	"github.com/nashlabs/nash-stats/internal/storage/aggregate"
	"github.com/nashlabs/nash-stats/internal/storage/backpressure"
	"github.com/nashlabs/nash-stats/internal/storage/buffer"
	"github.com/nashlabs/nash-stats/internal/storage/query"
	"github.com/nashlabs/nash-stats/internal/storage/retention"
	"github.com/nashlabs/nash-stats/internal/storage/snapshot"
	"github.com/nashlabs/nash-stats/internal/storage/types"
	"github.com/nashlabs/nash-stats/internal/storage/wal"
)

// Service is the main storage service that orchestrates all components.
type Service struct {
	config *config.Config
	log    *slog.Logger

	engine       *aggregate.Engine
	buffer       *buffer.RingBuffer
	wal          *wal.Writer
	checkpointer *snapshot.Checkpointer
	retention    *retention.Manager
	query        *query.Service
	pressure     *backpressure.Controller

	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time
}

// IngestResult reports the outcome of an ingest batch.
type IngestResult struct {
	Accepted int
	Rejected []Rejection
}

// Rejection identifies a rejected sample and why it was refused.
type Rejection struct {
	Index int
	Err   error
}

// New creates a new storage service.
func New(cfg *config.Config) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, err.Error())
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	engine := aggregate.NewEngine(aggregate.Config{
		WindowDuration:     cfg.Window.Duration,
		Grace:              cfg.Window.Grace,
		Shards:             cfg.Window.Shards,
		PercentileAccuracy: cfg.Window.PercentileAccuracy,
	})

	var buf *buffer.RingBuffer
	if cfg.Buffer.Enabled {
		buf = buffer.New(cfg.Buffer.Capacity)
	}

	walWriter, err := wal.NewWriter(cfg.WALDir(), wal.Options{
		MaxSegmentSize: cfg.WAL.MaxSegmentSize,
		SyncMode:       cfg.WAL.SyncMode,
	})
	if err != nil {
		return nil, fmt.Errorf("create wal: %w", err)
	}

	cpCfg := snapshot.DefaultConfig(cfg.SnapshotDir())
	cpCfg.Interval = cfg.Checkpoint.Interval
	cpCfg.WriteTimeout = cfg.Checkpoint.Timeout
	cpCfg.RetryBackoff = cfg.Checkpoint.RetryBackoff
	cpCfg.Parquet.Compression = snapshot.ParseCompressionType(cfg.Checkpoint.Compression)
	cpCfg.Parquet.CompressionLevel = cfg.Checkpoint.CompressionLevel

	cp, err := snapshot.NewCheckpointer(cpCfg, walWriter)
	if err != nil {
		walWriter.Close()
		return nil, fmt.Errorf("create checkpointer: %w", err)
	}

	qry, err := query.New(cfg.SnapshotDir(), engine, cfg.Query.MemoryLimit)
	if err != nil {
		walWriter.Close()
		return nil, fmt.Errorf("create query: %w", err)
	}

	ret := retention.New(retention.Config{
		Dir:           cfg.SnapshotDir(),
		Period:        cfg.Retention.Period,
		SweepInterval: cfg.Retention.SweepInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		config:       cfg,
		log:          logging.Component("storage"),
		engine:       engine,
		buffer:       buf,
		wal:          walWriter,
		checkpointer: cp,
		retention:    ret,
		query:        qry,
		ctx:          ctx,
		cancel:       cancel,
	}

	// Pressure follows the checkpoint backlog: windows journaled but not
	// yet folded into a snapshot. A stuck checkpointer drives the level
	// up until ingest is rejected.
	s.pressure = backpressure.New(backpressure.DefaultConfig(), func() float64 {
		return float64(cp.Stats().Pending) / float64(config.DefaultMaxPendingWindows)
	})
	s.pressure.SetOnLevelChange(func(old, new backpressure.Level) {
		s.log.Warn("backpressure level changed", "from", old.String(), "to", new.String())
	})

	// Closed windows that reached a snapshot no longer need to be held
	// in memory; the query service reads them from Parquet.
	cp.OnDurable = func(throughMs int64) {
		evicted := s.engine.EvictClosedBefore(throughMs)
		if evicted > 0 {
			s.log.Debug("evicted checkpointed windows", "count", evicted, "through_ms", throughMs)
		}
	}

	return s, nil
}

// Start recovers persisted state and starts the background workers.
func (s *Service) Start() error {
	if s.running.Swap(true) {
		return fmt.Errorf("service already running")
	}
	s.startTime = time.Now()

	recovered, err := snapshot.Restore(s.config.SnapshotDir(), s.config.WALDir())
	if err != nil {
		s.running.Store(false)
		return fmt.Errorf("restore: %w", err)
	}
	if len(recovered) > 0 {
		s.engine.Restore(recovered)
		s.log.Info("restored closed windows", "count", len(recovered))
	}

	s.wg.Add(1)
	go s.closeWorker()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.checkpointer.Run(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.retention.Run(s.ctx)
	}()

	s.log.Info("storage service started",
		"data_dir", s.config.DataDir,
		"window", s.config.Window.Duration,
		"grace", s.config.Window.Grace)

	return nil
}

// Stop closes every open window, journals and checkpoints the result,
// and shuts the workers down.
func (s *Service) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()

	// The workers are stopped; close out the remaining open windows
	// and give them one final journal + checkpoint.
	closed := s.engine.CloseAll()
	if drained := s.engine.Drain(); len(drained) > 0 {
		if err := s.checkpointer.Journal(drained); err != nil {
			s.log.Error("final journal failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Checkpoint.Timeout)
	defer cancel()
	if err := s.checkpointer.Checkpoint(ctx); err != nil {
		s.log.Error("final checkpoint failed, windows remain in WAL", "error", err)
	}

	var errs []error
	if err := s.wal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wal: %w", err))
	}
	if err := s.query.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close query: %w", err))
	}

	s.log.Info("storage service stopped", "windows_closed_on_shutdown", closed)

	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	return nil
}

// Ingest feeds samples into the engine and the raw buffer. Rejected
// samples are reported per index; the rest of the batch is accepted.
func (s *Service) Ingest(samples []types.Sample) (IngestResult, error) {
	if !s.running.Load() {
		return IngestResult{}, errors.ErrClosed
	}
	if s.pressure.ShouldReject() {
		s.pressure.RecordRejection()
		return IngestResult{}, errors.Wrap(errors.ErrOverloaded, "checkpoint backlog full")
	}

	result := IngestResult{}
	errs := s.engine.IngestBatch(samples)

	for i := range samples {
		if errs != nil && errs[i] != nil {
			result.Rejected = append(result.Rejected, Rejection{Index: i, Err: errs[i]})
			continue
		}
		result.Accepted++
		if s.buffer != nil {
			s.buffer.Push(samples[i])
		}
	}

	return result, nil
}

// Query returns closed windows for a key and range.
func (s *Service) Query(ctx context.Context, req query.Request) ([]types.WindowAggregate, error) {
	if !s.running.Load() {
		return nil, errors.ErrClosed
	}
	return s.query.Query(ctx, req)
}

// Keys returns every metric key with data.
func (s *Service) Keys(ctx context.Context) ([]types.MetricKey, error) {
	if !s.running.Load() {
		return nil, errors.ErrClosed
	}
	return s.query.Keys(ctx)
}

// Flush forces a window closed and journals it immediately. The
// returned aggregate is the closed window; ok is false when the window
// never had data.
func (s *Service) Flush(key types.MetricKey, windowStart int64) (types.WindowAggregate, bool, error) {
	if !s.running.Load() {
		return types.WindowAggregate{}, false, errors.ErrClosed
	}

	agg, ok := s.engine.Flush(key, windowStart)
	if !ok {
		return types.WindowAggregate{}, false, nil
	}

	// Flush may have closed the window just now, in which case Drain
	// picks it up; journal the whole drained batch to keep the WAL
	// ordering consistent.
	if drained := s.engine.Drain(); len(drained) > 0 {
		if err := s.checkpointer.Journal(drained); err != nil {
			return agg, true, err
		}
	}

	return agg, true, nil
}

// RecentSamples returns raw samples from the ring buffer, newest last.
func (s *Service) RecentSamples(f buffer.Filter, limit int) []types.Sample {
	if s.buffer == nil {
		return nil
	}
	return s.buffer.Query(f, limit)
}

// closeWorker periodically closes due windows and journals them. It
// also advances the query availability horizon and evicts buffered
// samples past retention.
func (s *Service) closeWorker() {
	defer s.wg.Done()

	interval := s.config.Window.Grace / 2
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			if n := s.engine.CloseDue(now); n > 0 {
				s.log.Debug("closed due windows", "count", n)
			}
			if drained := s.engine.Drain(); len(drained) > 0 {
				if err := s.checkpointer.Journal(drained); err != nil {
					s.log.Error("journal failed, windows stay in memory", "error", err)
				}
			}

			s.pressure.Check()

			horizon := now.Add(-s.config.Retention.Period).UnixMilli()
			s.query.SetAvailableFrom(horizon)
			if s.buffer != nil {
				s.buffer.EvictOlderThan(horizon)
			}
		}
	}
}

// Stats returns combined statistics.
func (s *Service) Stats() ServiceStats {
	ingested, tooLate, badInput, closed := s.engine.Stats()

	stats := ServiceStats{
		Running:         s.running.Load(),
		SamplesIngested: ingested,
		SamplesTooLate:  tooLate,
		SamplesBad:      badInput,
		WindowsClosed:   closed,
		ActiveWindows:   s.engine.ActiveWindows(),
		RetainedClosed:  s.engine.RetainedClosed(),
		Checkpoint:      s.checkpointer.Stats(),
		Retention:       s.retention.Stats(),
		Query:           s.query.Stats(),
		Backpressure:    s.pressure.Stats(),
	}
	if !s.startTime.IsZero() {
		stats.Uptime = time.Since(s.startTime)
	}
	if s.buffer != nil {
		stats.Buffer = s.buffer.Stats()
	}
	return stats
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running         bool
	Uptime          time.Duration
	SamplesIngested int64
	SamplesTooLate  int64
	SamplesBad      int64
	WindowsClosed   int64
	ActiveWindows   int
	RetainedClosed  int
	Buffer          buffer.Stats
	Checkpoint      snapshot.Stats
	Retention       retention.Stats
	Query           query.Stats
	Backpressure    backpressure.Stats
}

// Config returns the current configuration.
func (s *Service) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}
