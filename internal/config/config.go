// Package config loads and validates fixwarden configuration. Values come
// from defaults, overlaid by an optional yaml file, overlaid by FIXWARDEN_*
// environment variables. Durations are expressed in the file as seconds
// (matching the operator-facing key names); accessors convert to
// time.Duration for callers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all fixwarden configuration.
type Config struct {
	Daemon     DaemonConfig     `yaml:"daemon"`
	Pools      PoolsConfig      `yaml:"pools"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Batching   BatchingConfig   `yaml:"batching"`
	Routing    RoutingConfig    `yaml:"routing"`
	Index      IndexConfig      `yaml:"index"`
	Heavy      HeavyConfig      `yaml:"heavy"`
	Escalation EscalationConfig `yaml:"escalation"`
	Queue      QueueConfig      `yaml:"queue"`
	Bus        BusConfig        `yaml:"bus"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DaemonConfig controls the main poll loop.
type DaemonConfig struct {
	PollIntervalS        float64 `yaml:"poll_interval_s"`
	ClaimBatchSize       int     `yaml:"claim_batch_size"`
	MaxTaskAttempts      int     `yaml:"max_task_attempts"`
	HealthSweepIntervalS float64 `yaml:"health_sweep_interval_s"`
	Workspace            string  `yaml:"workspace"`
}

// PoolsConfig bounds the two worker pools.
type PoolsConfig struct {
	FastPoolSize  int `yaml:"fast_pool_size"`
	HeavyPoolSize int `yaml:"heavy_pool_size"`
}

// TimeoutsConfig holds per-kind deadlines and grace periods, in seconds.
type TimeoutsConfig struct {
	FastTimeoutS     float64 `yaml:"fast_timeout_s"`
	HeavyTimeoutS    float64 `yaml:"heavy_timeout_s"`
	QueuePollS       float64 `yaml:"queue_poll_s"`
	HeartbeatStaleS  float64 `yaml:"heartbeat_stale_s"`
	SoftStopGraceS   float64 `yaml:"soft_stop_grace_s"`
	LeaseDurationS   float64 `yaml:"lease_duration_s"`
	ShutdownGraceS   float64 `yaml:"shutdown_grace_s"`
}

// BatchingConfig caps batch construction.
type BatchingConfig struct {
	MaxViolations int `yaml:"batch_max_violations"`
	MaxFiles      int `yaml:"batch_max_files"`
}

// RoutingConfig holds the decision-engine thresholds. Thresholds are
// configuration, not code: operators tune them without recompilation.
type RoutingConfig struct {
	HighComplexityThreshold   float64 `yaml:"routing_high_complexity_threshold"`
	LowConfidenceThreshold    float64 `yaml:"routing_low_confidence_threshold"`
	MediumComplexityThreshold float64 `yaml:"routing_medium_complexity_threshold"`
	SecurityKindThreshold     float64 `yaml:"routing_security_kind_threshold"`
}

// IndexConfig locates the read-only pattern corpus.
type IndexConfig struct {
	Path string `yaml:"pattern_index_path"`
	TopK int    `yaml:"top_k"`
}

// HeavyConfig configures spawned heavyweight workers.
type HeavyConfig struct {
	StartupScript string `yaml:"heavy_worker_startup_script"`
	HeartbeatDir  string `yaml:"heartbeat_dir"`
}

// EscalationConfig selects the case store backend.
type EscalationConfig struct {
	Backend string `yaml:"backend"` // memory (default) or sqlite
	DBPath  string `yaml:"db_path"`
}

// QueueConfig selects the task queue adapter.
type QueueConfig struct {
	Backend string `yaml:"backend"` // sqlite (default) or memory
	DBPath  string `yaml:"db_path"`
}

// BusConfig selects the event bus transport.
type BusConfig struct {
	Backend string `yaml:"backend"` // file (default) or memory
	Path    string `yaml:"path"`
}

// LoggingConfig configures categorized file logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration. Defaults mirror the
// documented operational defaults of the daemon.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PollIntervalS:        5.0,
			ClaimBatchSize:       8,
			MaxTaskAttempts:      3,
			HealthSweepIntervalS: 5.0,
			Workspace:            ".",
		},
		Pools: PoolsConfig{
			FastPoolSize:  3,
			HeavyPoolSize: 2,
		},
		Timeouts: TimeoutsConfig{
			FastTimeoutS:    60,
			HeavyTimeoutS:   300,
			QueuePollS:      10,
			HeartbeatStaleS: 60,
			SoftStopGraceS:  10,
			LeaseDurationS:  120,
			ShutdownGraceS:  15,
		},
		Batching: BatchingConfig{
			MaxViolations: 20,
			MaxFiles:      10,
		},
		Routing: RoutingConfig{
			HighComplexityThreshold:   0.70,
			LowConfidenceThreshold:    0.30,
			MediumComplexityThreshold: 0.40,
			SecurityKindThreshold:     0.80,
		},
		Index: IndexConfig{
			Path: "",
			TopK: 5,
		},
		Heavy: HeavyConfig{
			StartupScript: "",
			HeartbeatDir:  "",
		},
		Escalation: EscalationConfig{
			Backend: "memory",
		},
		Queue: QueueConfig{
			Backend: "sqlite",
			DBPath:  ".fixwarden/queue.db",
		},
		Bus: BusConfig{
			Backend: "file",
			Path:    ".fixwarden/events.ndjson",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads the yaml file at path and overlays it onto the defaults.
// A missing file is not an error; the defaults apply unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, nil
			}
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays FIXWARDEN_* environment variables. Only the
// keys operators commonly tune per-deployment are honored.
func (c *Config) ApplyEnvOverrides() {
	envFloat("FIXWARDEN_POLL_INTERVAL_S", &c.Daemon.PollIntervalS)
	envInt("FIXWARDEN_CLAIM_BATCH_SIZE", &c.Daemon.ClaimBatchSize)
	envInt("FIXWARDEN_FAST_POOL_SIZE", &c.Pools.FastPoolSize)
	envInt("FIXWARDEN_HEAVY_POOL_SIZE", &c.Pools.HeavyPoolSize)
	envFloat("FIXWARDEN_FAST_TIMEOUT_S", &c.Timeouts.FastTimeoutS)
	envFloat("FIXWARDEN_HEAVY_TIMEOUT_S", &c.Timeouts.HeavyTimeoutS)
	envString("FIXWARDEN_PATTERN_INDEX_PATH", &c.Index.Path)
	envString("FIXWARDEN_HEAVY_WORKER_STARTUP_SCRIPT", &c.Heavy.StartupScript)
	envString("FIXWARDEN_QUEUE_DB_PATH", &c.Queue.DBPath)
	envString("FIXWARDEN_BUS_PATH", &c.Bus.Path)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Daemon.PollIntervalS <= 0 {
		return fmt.Errorf("config: poll_interval_s must be positive, got %v", c.Daemon.PollIntervalS)
	}
	if c.Daemon.ClaimBatchSize <= 0 {
		return fmt.Errorf("config: claim_batch_size must be positive, got %d", c.Daemon.ClaimBatchSize)
	}
	if c.Pools.FastPoolSize <= 0 {
		return fmt.Errorf("config: fast_pool_size must be positive, got %d", c.Pools.FastPoolSize)
	}
	if c.Pools.HeavyPoolSize <= 0 {
		return fmt.Errorf("config: heavy_pool_size must be positive, got %d", c.Pools.HeavyPoolSize)
	}
	if c.Batching.MaxViolations <= 0 || c.Batching.MaxFiles <= 0 {
		return fmt.Errorf("config: batch caps must be positive (violations=%d files=%d)",
			c.Batching.MaxViolations, c.Batching.MaxFiles)
	}
	for name, v := range map[string]float64{
		"routing_high_complexity_threshold":   c.Routing.HighComplexityThreshold,
		"routing_low_confidence_threshold":    c.Routing.LowConfidenceThreshold,
		"routing_medium_complexity_threshold": c.Routing.MediumComplexityThreshold,
		"routing_security_kind_threshold":     c.Routing.SecurityKindThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config: %s must be in [0,1], got %v", name, v)
		}
	}
	return nil
}

// Duration accessors. Config stores seconds; callers want time.Duration.

func (c *Config) PollInterval() time.Duration        { return secs(c.Daemon.PollIntervalS) }
func (c *Config) HealthSweepInterval() time.Duration { return secs(c.Daemon.HealthSweepIntervalS) }
func (c *Config) FastTimeout() time.Duration         { return secs(c.Timeouts.FastTimeoutS) }
func (c *Config) HeavyTimeout() time.Duration        { return secs(c.Timeouts.HeavyTimeoutS) }
func (c *Config) QueuePollTimeout() time.Duration    { return secs(c.Timeouts.QueuePollS) }
func (c *Config) HeartbeatStale() time.Duration      { return secs(c.Timeouts.HeartbeatStaleS) }
func (c *Config) SoftStopGrace() time.Duration       { return secs(c.Timeouts.SoftStopGraceS) }
func (c *Config) LeaseDuration() time.Duration       { return secs(c.Timeouts.LeaseDurationS) }
func (c *Config) ShutdownGrace() time.Duration       { return secs(c.Timeouts.ShutdownGraceS) }

func secs(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
