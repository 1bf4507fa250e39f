// Package backpressure tracks persistence backlog and escalates through
// pressure levels. Ingest is rejected at the emergency level so a stuck
// checkpointer cannot grow the journal without bound.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated backlog.
	LevelWarning

	// LevelCritical - high backlog, shed optional work.
	LevelCritical

	// LevelEmergency - overload, reject ingest until the backlog drains.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Config holds controller thresholds. Thresholds apply to the
// utilization ratio reported by the source, in [0, 1].
type Config struct {
	Warning   float64
	Critical  float64
	Emergency float64

	// Hysteresis is subtracted from a threshold before stepping back
	// down a level, so the level does not flap around a boundary.
	Hysteresis float64

	// Cooldown is the minimum time between level re-evaluations.
	Cooldown time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		Warning:    0.50,
		Critical:   0.75,
		Emergency:  0.90,
		Hysteresis: 0.05,
		Cooldown:   time.Second,
	}
}

// Controller derives a pressure level from a utilization source.
type Controller struct {
	cfg    Config
	source func() float64

	mu        sync.Mutex
	lastCheck time.Time
	lastLevel Level
	level     atomic.Int32

	levelChanges   atomic.Int64
	rejectedCount  atomic.Int64
	emergencyCount atomic.Int64

	onLevelChange func(old, new Level)
}

// Stats holds controller statistics.
type Stats struct {
	CurrentLevel   Level
	Utilization    float64
	LevelChanges   int64
	Rejected       int64
	EmergencyCount int64
}

// New creates a controller. The source must return the current
// utilization ratio and be safe to call concurrently.
func New(cfg Config, source func() float64) *Controller {
	return &Controller{
		cfg:    cfg,
		source: source,
	}
}

// SetOnLevelChange sets the callback fired on level transitions.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check re-evaluates the level. Call it periodically; calls within the
// cooldown return the current level unchanged.
func (c *Controller) Check() Level {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastCheck) < c.cfg.Cooldown {
		return c.lastLevel
	}
	c.lastCheck = now

	newLevel := c.determineLevel(c.source())
	if newLevel != c.lastLevel {
		old := c.lastLevel
		c.lastLevel = newLevel
		c.level.Store(int32(newLevel))
		c.levelChanges.Add(1)
		if newLevel == LevelEmergency {
			c.emergencyCount.Add(1)
		}
		if c.onLevelChange != nil {
			c.onLevelChange(old, newLevel)
		}
	}
	return newLevel
}

func (c *Controller) determineLevel(usage float64) Level {
	if usage >= c.cfg.Emergency {
		return LevelEmergency
	}
	if usage >= c.cfg.Critical {
		return LevelCritical
	}
	if usage >= c.cfg.Warning {
		return LevelWarning
	}

	// Stepping down requires clearing the threshold by the hysteresis
	// margin, one level at a time.
	switch c.lastLevel {
	case LevelEmergency:
		if usage < c.cfg.Emergency-c.cfg.Hysteresis {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < c.cfg.Critical-c.cfg.Hysteresis {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < c.cfg.Warning-c.cfg.Hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// CurrentLevel returns the level from the most recent Check.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldReject returns true when ingest should be rejected outright.
func (c *Controller) ShouldReject() bool {
	return c.CurrentLevel() == LevelEmergency
}

// RecordRejection counts a rejected ingest batch.
func (c *Controller) RecordRejection() {
	c.rejectedCount.Add(1)
}

// Stats returns current statistics.
func (c *Controller) Stats() Stats {
	return Stats{
		CurrentLevel:   c.CurrentLevel(),
		Utilization:    c.source(),
		LevelChanges:   c.levelChanges.Load(),
		Rejected:       c.rejectedCount.Load(),
		EmergencyCount: c.emergencyCount.Load(),
	}
}
