package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete nash-stats configuration.
type Config struct {
	// Listen is the server listen address.
	Listen string `yaml:"listen"`

	// DataDir is the root directory for all persistent files.
	DataDir string `yaml:"data_dir"`

	// TLS configures transport security.
	TLS TLSConfig `yaml:"tls"`

	// Auth configures client authentication.
	Auth AuthConfig `yaml:"auth"`

	// Window configures the aggregation engine.
	Window WindowConfig `yaml:"window"`

	// Checkpoint configures snapshot persistence.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Retention configures snapshot expiry.
	Retention RetentionConfig `yaml:"retention"`

	// WAL configures the write-ahead log.
	WAL WALConfig `yaml:"wal"`

	// Buffer configures the raw sample ring buffer.
	Buffer BufferConfig `yaml:"buffer"`

	// Query configures the query service.
	Query QueryConfig `yaml:"query"`

	// Limits configures connection protection.
	Limits LimitsConfig `yaml:"limits"`

	// Fetch configures the completed-order poller.
	Fetch FetchConfig `yaml:"fetch"`
}

// TLSConfig configures transport security.
type TLSConfig struct {
	// Disabled turns TLS off. Intended for tests and local runs only.
	Disabled bool `yaml:"disabled"`

	// CertPath is the path to the PEM server certificate.
	CertPath string `yaml:"cert_path"`

	// KeyPath is the path to the PEM private key.
	KeyPath string `yaml:"key_path"`
}

// AuthConfig configures client authentication.
type AuthConfig struct {
	// Tokens is the set of accepted bearer tokens.
	Tokens []string `yaml:"tokens"`

	// RateLimitPerMinute is the max failed auth attempts per IP per
	// minute before the IP is temporarily blocked.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// WindowConfig configures the aggregation engine.
type WindowConfig struct {
	// Duration is the aggregation window length.
	Duration time.Duration `yaml:"duration"`

	// Grace is how long after a window ends that late samples are
	// still accepted into it.
	Grace time.Duration `yaml:"grace"`

	// PercentileAccuracy is the DDSketch relative accuracy. Zero
	// disables percentile tracking.
	PercentileAccuracy float64 `yaml:"percentile_accuracy"`

	// Shards is the number of engine shards.
	Shards int `yaml:"shards"`
}

// CheckpointConfig configures snapshot persistence.
type CheckpointConfig struct {
	// Interval between checkpoint attempts.
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds a single snapshot write.
	Timeout time.Duration `yaml:"timeout"`

	// RetryBackoff is the initial delay after a failed checkpoint.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// Compression is the Parquet compression algorithm: snappy, zstd,
	// lz4, gzip, none.
	Compression string `yaml:"compression"`

	// CompressionLevel for algorithms that support it (zstd: 1-22).
	CompressionLevel int `yaml:"compression_level"`
}

// RetentionConfig configures snapshot expiry.
type RetentionConfig struct {
	// Period is how long snapshots are kept.
	Period time.Duration `yaml:"period"`

	// SweepInterval is how often expired snapshots are deleted.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// BufferConfig configures the raw sample ring buffer.
type BufferConfig struct {
	// Enabled enables the buffer.
	Enabled bool `yaml:"enabled"`

	// Capacity is the buffer capacity in samples.
	Capacity int `yaml:"capacity"`
}

// QueryConfig configures the query service.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`
}

// LimitsConfig configures connection protection.
type LimitsConfig struct {
	// MaxMessageSize is the maximum wire message size in bytes.
	MaxMessageSize int `yaml:"max_message_size"`

	// MalformedThreshold is the number of malformed messages a
	// connection may send before being closed.
	MalformedThreshold int `yaml:"malformed_threshold"`

	// IdleTimeout disconnects clients with no traffic.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// AuthTimeout is the time allowed for authentication.
	AuthTimeout time.Duration `yaml:"auth_timeout"`
}

// FetchConfig configures the completed-order poller.
type FetchConfig struct {
	// Enabled enables the poller.
	Enabled bool `yaml:"enabled"`

	// URL is the endpoint returning recently completed orders.
	URL string `yaml:"url"`

	// Market restricts polling to a single market pair, e.g. eth_usdc.
	Market string `yaml:"market"`

	// Interval between polls.
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds a single request.
	Timeout time.Duration `yaml:"timeout"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:  DefaultListenAddress,
		DataDir: DefaultDataDir,
		Auth: AuthConfig{
			RateLimitPerMinute: DefaultAuthRateLimitPerMinute,
		},
		Window: WindowConfig{
			Duration:           DefaultWindowDuration,
			Grace:              DefaultWindowGrace,
			PercentileAccuracy: DefaultPercentileAccuracy,
			Shards:             DefaultShards,
		},
		Checkpoint: CheckpointConfig{
			Interval:         DefaultCheckpointInterval,
			Timeout:          DefaultCheckpointTimeout,
			RetryBackoff:     DefaultCheckpointRetryBackoff,
			Compression:      "zstd",
			CompressionLevel: 3,
		},
		Retention: RetentionConfig{
			Period:        DefaultRetentionPeriod,
			SweepInterval: DefaultRetentionSweepInterval,
		},
		WAL: WALConfig{
			SyncMode:       DefaultWALSyncMode,
			MaxSegmentSize: DefaultWALMaxSegmentSize,
		},
		Buffer: BufferConfig{
			Enabled:  true,
			Capacity: DefaultBufferCapacity,
		},
		Query: QueryConfig{
			MemoryLimit: DefaultQueryMemoryLimit,
		},
		Limits: LimitsConfig{
			MaxMessageSize:     DefaultMaxMessageSize,
			MalformedThreshold: DefaultMalformedThreshold,
			IdleTimeout:        DefaultIdleTimeout,
			AuthTimeout:        DefaultAuthTimeout,
		},
		Fetch: FetchConfig{
			URL:      DefaultFetchURL,
			Interval: DefaultFetchInterval,
			Timeout:  DefaultFetchTimeout,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if !c.TLS.Disabled {
		if c.TLS.CertPath == "" || c.TLS.KeyPath == "" {
			return fmt.Errorf("tls.cert_path and tls.key_path are required unless tls.disabled is set")
		}
	}

	if c.Window.Duration <= 0 {
		return fmt.Errorf("window.duration must be positive")
	}
	if c.Window.Grace < 0 {
		return fmt.Errorf("window.grace must not be negative")
	}
	if c.Window.PercentileAccuracy < 0 || c.Window.PercentileAccuracy >= 1 {
		return fmt.Errorf("window.percentile_accuracy must be in [0, 1)")
	}
	if c.Window.Shards <= 0 {
		return fmt.Errorf("window.shards must be positive")
	}

	if c.Checkpoint.Interval <= 0 {
		return fmt.Errorf("checkpoint.interval must be positive")
	}
	if c.Checkpoint.Timeout <= 0 {
		return fmt.Errorf("checkpoint.timeout must be positive")
	}

	if c.Retention.Period <= c.Checkpoint.Interval {
		return fmt.Errorf("retention.period must exceed checkpoint.interval")
	}

	switch c.WAL.SyncMode {
	case "async", "sync", "fsync":
	default:
		return fmt.Errorf("wal.sync_mode must be async, sync, or fsync")
	}

	if c.Limits.MaxMessageSize <= 0 {
		return fmt.Errorf("limits.max_message_size must be positive")
	}
	if c.Limits.MalformedThreshold <= 0 {
		return fmt.Errorf("limits.malformed_threshold must be positive")
	}

	if c.Fetch.Enabled {
		if c.Fetch.URL == "" {
			return fmt.Errorf("fetch.url is required when fetch is enabled")
		}
		if c.Fetch.Interval <= 0 {
			return fmt.Errorf("fetch.interval must be positive")
		}
	}

	return nil
}

// WALDir returns the WAL segment directory.
func (c *Config) WALDir() string {
	return filepath.Join(c.DataDir, "wal")
}

// SnapshotDir returns the Parquet snapshot directory.
func (c *Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// OrdersDBPath returns the path to the completed-orders database.
func (c *Config) OrdersDBPath() string {
	return filepath.Join(c.DataDir, "orders.duckdb")
}

// EnsureDirectories creates the data directories if missing.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.WALDir(), c.SnapshotDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
