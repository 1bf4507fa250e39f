// Package retention deletes snapshot files older than the configured
// retention period. Queries for ranges older than the oldest surviving
// snapshot are answered with a range-unavailable error rather than
// silently empty results.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nashlabs/nash-stats/internal/logging"
	"github.com/nashlabs/nash-stats/internal/storage/snapshot"
)

// Config configures the retention manager.
type Config struct {
	// Dir is the snapshot directory to sweep.
	Dir string

	// Period is how long snapshots are kept. Default: 7d
	Period time.Duration

	// SweepInterval is how often the sweep runs. Default: 10m
	SweepInterval time.Duration
}

// DefaultConfig returns default retention configuration.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:           dir,
		Period:        7 * 24 * time.Hour,
		SweepInterval: 10 * time.Minute,
	}
}

// Manager sweeps expired snapshot files on an interval.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu    sync.RWMutex
	stats Stats

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime  time.Time
	FilesDeleted int64
	FilesSkipped int64
	Errors       int64

	// HorizonMs is the creation time of the oldest surviving snapshot,
	// or zero when none exist.
	HorizonMs int64
}

// SweepResult holds the result of a single sweep.
type SweepResult struct {
	FilesDeleted int
	FilesSkipped int
	Errors       []error
}

// New creates a new retention manager.
func New(cfg Config) *Manager {
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig(cfg.Dir).Period
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig(cfg.Dir).SweepInterval
	}

	return &Manager{
		cfg:    cfg,
		log:    logging.Component("retention"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run executes the sweep loop until Stop is called or the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			result := m.Sweep()
			if result.FilesDeleted > 0 || len(result.Errors) > 0 {
				m.log.Info("retention sweep",
					"deleted", result.FilesDeleted,
					"errors", len(result.Errors))
			}
		}
	}
}

// Stop signals the sweep loop to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// Sweep deletes snapshots created before the retention cutoff.
func (m *Manager) Sweep() SweepResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRunTime = time.Now()
	cutoffMs := time.Now().Add(-m.cfg.Period).UnixMilli()

	var result SweepResult

	infos, err := snapshot.List(m.cfg.Dir)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list snapshots: %w", err))
		m.stats.Errors++
		return result
	}

	horizon := int64(0)
	for _, info := range infos {
		if info.CreatedAtMs >= cutoffMs {
			if horizon == 0 || info.CreatedAtMs < horizon {
				horizon = info.CreatedAtMs
			}
			result.FilesSkipped++
			continue
		}

		if err := os.Remove(info.Path); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("delete %s: %w", info.Path, err))
			continue
		}
		result.FilesDeleted++
	}

	m.stats.FilesDeleted += int64(result.FilesDeleted)
	m.stats.FilesSkipped += int64(result.FilesSkipped)
	m.stats.Errors += int64(len(result.Errors))
	m.stats.HorizonMs = horizon

	return result
}

// Horizon returns the creation time of the oldest surviving snapshot
// as observed by the last sweep, or zero when no sweep has run or no
// snapshots survive.
func (m *Manager) Horizon() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats.HorizonMs
}

// Stats returns current statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
