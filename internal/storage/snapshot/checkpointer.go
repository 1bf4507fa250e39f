// Package snapshot persists closed windows as Parquet files.
//
// Closed windows reach durability in two stages: they are journaled to
// the WAL as soon as they close, then folded into a Parquet snapshot on
// a fixed checkpoint interval. Once a snapshot write succeeds, the WAL
// segments it covers are deleted. A stalled snapshot write is abandoned
// via context timeout and retried with backoff; a closed window is kept
// pending until it has been durably checkpointed at least once.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nashlabs/nash-stats/internal/errors"
	"github.com/nashlabs/nash-stats/internal/logging"
	"github.com/nashlabs/nash-stats/internal/storage/types"
	"github.com/nashlabs/nash-stats/internal/storage/wal"
)

// Config configures the checkpointer.
type Config struct {
	// Dir is the directory for snapshot files.
	Dir string

	// Interval between checkpoint attempts. Default: 1m
	Interval time.Duration

	// WriteTimeout bounds a single snapshot write. Default: 30s
	WriteTimeout time.Duration

	// RetryBackoff is the initial delay after a failed checkpoint; it
	// doubles per consecutive failure, capped at Interval. Default: 5s
	RetryBackoff time.Duration

	// Parquet holds encoding options for snapshot files.
	Parquet Options
}

// DefaultConfig returns default checkpointer configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:          dir,
		Interval:     time.Minute,
		WriteTimeout: 30 * time.Second,
		RetryBackoff: 5 * time.Second,
		Parquet:      DefaultOptions(),
	}
}

// Stats holds checkpointer statistics.
type Stats struct {
	CheckpointsCompleted int64
	CheckpointsFailed    int64
	WindowsCheckpointed  int64
	Pending              int
	DurableThroughMs     int64
}

// Checkpointer journals closed windows and periodically folds them
// into Parquet snapshots.
//
// It owns the WAL handoff: Journal writes the windows to the WAL and
// holds them pending; a successful checkpoint truncates the covered
// segments. On failure the batch stays pending and the segments stay
// on disk, so a crash at any point can recover every closed window
// from either a snapshot or the WAL.
type Checkpointer struct {
	cfg Config
	wal *wal.Writer
	log *slog.Logger

	// OnDurable, if set, is called after each successful checkpoint
	// with the largest window end it made durable.
	OnDurable func(throughMs int64)

	mu             sync.Mutex
	pending        []types.WindowAggregate
	durableThrough int64
	completed      int64
	failed         int64
	checkpointed   int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer over an open WAL writer.
func NewCheckpointer(cfg Config, w *wal.Writer) (*Checkpointer, error) {
	if cfg.Dir == "" {
		return nil, errors.NewMissingField("snapshot dir")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig(cfg.Dir).Interval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig(cfg.Dir).WriteTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig(cfg.Dir).RetryBackoff
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	if n := RemoveStaleTemp(cfg.Dir); n > 0 {
		logging.Component("checkpoint").Warn("removed stale temp snapshots", "count", n)
	}

	return &Checkpointer{
		cfg:    cfg,
		wal:    w,
		log:    logging.Component("checkpoint"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Journal writes closed windows to the WAL and queues them for the
// next checkpoint. The windows are recoverable from the WAL as soon as
// this returns.
func (c *Checkpointer) Journal(aggs []types.WindowAggregate) error {
	if len(aggs) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.wal.Write(aggs); err != nil {
		return errors.Wrap(errors.ErrWriteFailed, err.Error())
	}

	c.pending = append(c.pending, aggs...)
	return nil
}

// Run executes the checkpoint loop until Stop is called or the context
// is cancelled. A final checkpoint attempt is made on shutdown.
func (c *Checkpointer) Run(ctx context.Context) {
	defer close(c.doneCh)

	delay := c.cfg.Interval
	backoff := c.cfg.RetryBackoff

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.finalCheckpoint()
			return
		case <-c.stopCh:
			c.finalCheckpoint()
			return
		case <-timer.C:
		}

		if err := c.Checkpoint(ctx); err != nil {
			c.log.Warn("checkpoint failed, will retry", "error", err, "backoff", backoff)
			delay = backoff
			backoff *= 2
			if backoff > c.cfg.Interval {
				backoff = c.cfg.Interval
			}
		} else {
			delay = c.cfg.Interval
			backoff = c.cfg.RetryBackoff
		}

		timer.Reset(delay)
	}
}

// Stop signals the loop to perform a final checkpoint and exit.
func (c *Checkpointer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
}

func (c *Checkpointer) finalCheckpoint() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.Checkpoint(ctx); err != nil {
		c.log.Error("final checkpoint failed, windows remain in WAL", "error", err)
	}
}

// Checkpoint writes all pending windows to a new snapshot file. On
// success the WAL segments covering them are deleted; on failure the
// batch stays pending for the next attempt.
func (c *Checkpointer) Checkpoint(ctx context.Context) error {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}

	batch := c.pending
	c.pending = nil

	// Rotate so every journaled copy of this batch sits in a segment
	// below the boundary; those segments are deleted once the snapshot
	// is durable.
	if err := c.wal.Rotate(); err != nil {
		c.pending = batch
		c.mu.Unlock()
		return errors.Wrap(errors.ErrWriteFailed, err.Error())
	}
	boundary := c.wal.CurrentSeq()
	c.mu.Unlock()

	path, err := c.writeSnapshot(ctx, batch)
	if err != nil {
		c.mu.Lock()
		c.pending = append(batch, c.pending...)
		c.failed++
		c.mu.Unlock()
		return err
	}

	deleted, delErr := c.wal.DeleteSegmentsBefore(boundary)
	if delErr != nil {
		c.log.Warn("wal truncation failed", "error", delErr)
	}

	through := int64(0)
	for i := range batch {
		if batch[i].WindowEnd > through {
			through = batch[i].WindowEnd
		}
	}

	c.mu.Lock()
	c.completed++
	c.checkpointed += int64(len(batch))
	if through > c.durableThrough {
		c.durableThrough = through
	}
	c.mu.Unlock()

	c.log.Info("checkpoint complete",
		"path", filepath.Base(path),
		"windows", len(batch),
		"wal_segments_deleted", deleted)

	if c.OnDurable != nil {
		c.OnDurable(through)
	}

	return nil
}

// writeSnapshot writes the batch to a temp file and renames it into
// place. If the context expires mid-write the attempt is abandoned and
// the temp file cleaned up by the writing goroutine.
func (c *Checkpointer) writeSnapshot(ctx context.Context, batch []types.WindowAggregate) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()

	final := c.snapshotPath(time.Now().UnixMilli())
	tmp := final + tmpSuffix

	done := make(chan error, 1)
	go func() {
		done <- func() error {
			w, err := NewWriter(tmp, c.cfg.Parquet)
			if err != nil {
				return err
			}
			if err := w.Write(batch); err != nil {
				w.Close()
				return err
			}
			return w.Close()
		}()
	}()

	select {
	case err := <-done:
		if err != nil {
			os.Remove(tmp)
			return "", errors.Wrap(errors.ErrWriteFailed, err.Error())
		}
	case <-ctx.Done():
		// Abandon the write; the goroutine finishes on its own and the
		// orphaned temp file is swept on the next startup.
		go func() {
			<-done
			os.Remove(tmp)
		}()
		return "", errors.Wrap(errors.ErrTimeout, "snapshot write timed out")
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", errors.Wrap(errors.ErrWriteFailed, err.Error())
	}

	return final, nil
}

// snapshotPath returns a non-colliding path for a checkpoint time.
func (c *Checkpointer) snapshotPath(createdAtMs int64) string {
	for {
		path := filepath.Join(c.cfg.Dir, FileName(createdAtMs))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		createdAtMs++
	}
}

// DurableThrough returns the largest window end that has been durably
// checkpointed.
func (c *Checkpointer) DurableThrough() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.durableThrough
}

// Stats returns checkpointer statistics.
func (c *Checkpointer) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		CheckpointsCompleted: c.completed,
		CheckpointsFailed:    c.failed,
		WindowsCheckpointed:  c.checkpointed,
		Pending:              len(c.pending),
		DurableThroughMs:     c.durableThrough,
	}
}

// Restore reads every snapshot in dir and replays any WAL segments
// that survived, returning the union of recovered windows. A window
// present in both a snapshot and the WAL (crash between snapshot write
// and truncation) is returned once.
func Restore(snapshotDir, walDir string) ([]types.WindowAggregate, error) {
	infos, err := List(snapshotDir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	type windowID struct {
		key   types.MetricKey
		start int64
	}

	seen := make(map[windowID]struct{})
	var all []types.WindowAggregate

	for _, info := range infos {
		r, err := NewReader(info.Path)
		if err != nil {
			logging.Component("checkpoint").Warn("skipping unreadable snapshot", "path", info.Path, "error", err)
			continue
		}
		aggs, err := r.ReadAll()
		r.Close()
		if err != nil {
			logging.Component("checkpoint").Warn("skipping corrupt snapshot", "path", info.Path, "error", err)
			continue
		}
		for _, a := range aggs {
			id := windowID{a.Key, a.WindowStart}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			all = append(all, a)
		}
	}

	journaled, err := wal.ReplayDir(walDir)
	if err != nil {
		return nil, fmt.Errorf("replay wal: %w", err)
	}
	for _, a := range journaled {
		id := windowID{a.Key, a.WindowStart}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		all = append(all, a)
	}

	return all, nil
}
