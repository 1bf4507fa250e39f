// Package config provides configuration loading, validation, and
// documented defaults for nash-stats.
//
// Users can override these values via config.yaml or command-line
// flags; secrets can also come from environment variables.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default server listen address.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:9440"

	// DefaultMaxMessageSize limits wire message size to prevent OOM.
	// Override via config: limits.max_message_size
	DefaultMaxMessageSize = 16 * 1024 * 1024

	// DefaultIdleTimeout disconnects clients with no traffic.
	// Override via config: limits.idle_timeout
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultAuthTimeout is the time allowed for authentication after
	// connect. Clients must authenticate within this window or be
	// disconnected.
	// Override via config: limits.auth_timeout
	DefaultAuthTimeout = 30 * time.Second

	// DefaultMalformedThreshold is the number of malformed messages a
	// connection may send before it is closed for protocol abuse.
	// Override via config: limits.malformed_threshold
	DefaultMalformedThreshold = 5
)

// =============================================================================
// Aggregation Defaults
// =============================================================================

const (
	// DefaultWindowDuration is the aggregation window length.
	// Override via config: window.duration
	DefaultWindowDuration = time.Minute

	// DefaultWindowGrace is how long after a window ends that late
	// samples are still accepted into it.
	// Override via config: window.grace
	DefaultWindowGrace = 10 * time.Second

	// DefaultPercentileAccuracy is the DDSketch relative accuracy
	// (0.01 = 1% rank error).
	// Override via config: window.percentile_accuracy
	DefaultPercentileAccuracy = 0.01

	// DefaultShards is the number of engine shards. Each metric key is
	// owned by exactly one shard.
	// Override via config: window.shards
	DefaultShards = 16
)

// =============================================================================
// Persistence Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for WAL segments, snapshot
	// files, and the orders database.
	// Override via config: data_dir
	DefaultDataDir = "/var/lib/nash-stats"

	// DefaultCheckpointInterval is how often closed windows are folded
	// into a Parquet snapshot.
	// Override via config: checkpoint.interval
	DefaultCheckpointInterval = time.Minute

	// DefaultCheckpointTimeout bounds a single snapshot write; a
	// stalled write is abandoned and retried.
	// Override via config: checkpoint.timeout
	DefaultCheckpointTimeout = 30 * time.Second

	// DefaultCheckpointRetryBackoff is the initial delay after a
	// failed checkpoint.
	// Override via config: checkpoint.retry_backoff
	DefaultCheckpointRetryBackoff = 5 * time.Second

	// DefaultRetentionPeriod is how long snapshots are kept.
	// Override via config: retention.period
	DefaultRetentionPeriod = 7 * 24 * time.Hour

	// DefaultRetentionSweepInterval is how often expired snapshots are
	// deleted.
	// Override via config: retention.sweep_interval
	DefaultRetentionSweepInterval = 10 * time.Minute

	// DefaultWALMaxSegmentSize is the maximum WAL segment size before
	// rotation.
	// Override via config: wal.max_segment_size
	DefaultWALMaxSegmentSize = 64 * 1024 * 1024

	// DefaultWALSyncMode is the WAL sync mode: async, sync, fsync.
	// Override via config: wal.sync_mode
	DefaultWALSyncMode = "fsync"

	// DefaultMaxPendingWindows caps closed windows journaled but not yet
	// folded into a snapshot. Backpressure escalates as the backlog
	// approaches this cap and ingest is rejected at the emergency level.
	DefaultMaxPendingWindows = 500000
)

// =============================================================================
// Buffer Defaults
// =============================================================================

const (
	// DefaultBufferCapacity is the raw sample ring buffer capacity.
	// Override via config: buffer.capacity
	DefaultBufferCapacity = 100000
)

// =============================================================================
// Query Defaults
// =============================================================================

const (
	// DefaultQueryMemoryLimit is the DuckDB memory limit.
	// Override via config: query.memory_limit
	DefaultQueryMemoryLimit = "1GB"
)

// =============================================================================
// Rate Limiting Defaults
// =============================================================================

const (
	// DefaultAuthRateLimitPerMinute is the max FAILED auth attempts per
	// IP per minute. Only failed attempts are counted; a successful
	// authentication resets the counter. After reaching this limit the
	// IP is temporarily blocked until the window expires.
	// Override via config: auth.rate_limit_per_minute
	DefaultAuthRateLimitPerMinute = 5
)

// =============================================================================
// Order Fetch Defaults
// =============================================================================

const (
	// DefaultFetchURL is the completed-orders endpoint.
	// Override via config: fetch.url
	DefaultFetchURL = "https://app.nash.io/api/cash/latest_completed_orders"

	// DefaultFetchInterval is how often completed orders are polled.
	// Override via config: fetch.interval
	DefaultFetchInterval = 2 * time.Second

	// DefaultFetchTimeout bounds a single fetch request.
	// Override via config: fetch.timeout
	DefaultFetchTimeout = 10 * time.Second
)
