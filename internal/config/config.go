// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crashtriage/internal/triage"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Claim     ClaimConfig     `mapstructure:"claim"`
	History   HistoryConfig   `mapstructure:"history"`
	Retest    RetestConfig    `mapstructure:"retest"`
	Events    EventsConfig    `mapstructure:"events"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig points at the shared Postgres record store. An empty DSN
// selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	Migrate         bool          `mapstructure:"migrate"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// StorageConfig selects the raw result archive backend.
type StorageConfig struct {
	Backend     string             `mapstructure:"backend"`
	Archive     bool               `mapstructure:"archive"`
	Bucket      string             `mapstructure:"bucket"`
	Prefix      string             `mapstructure:"prefix"`
	ContentType string             `mapstructure:"content_type"`
	Local       LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem archive.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds the notification topics. Empty project disables Pub/Sub.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	SignatureTopic string `mapstructure:"signature_topic"`
	RetestTopic    string `mapstructure:"retest_topic"`
}

// ClaimConfig bounds the claim retry loop.
type ClaimConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// HistoryConfig bounds compare-and-swap retries on history records. Lost
// updates back off from Backoff, doubling up to MaxBackoff, with jitter.
type HistoryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// RetestConfig lists the product major versions to retest and per-CPU caps.
type RetestConfig struct {
	Versions []int `mapstructure:"versions"`
	// CPUMaxVersion keys are lower-cased CPU names.
	CPUMaxVersion map[string]int `mapstructure:"cpu_max_version"`
}

// EventsConfig controls the dispatch event hub.
type EventsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// RateLimitConfig throttles per-worker claim requests at the API.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// MonitorConfig drives the heartbeat reaper.
type MonitorConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Interval         time.Duration `mapstructure:"interval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// WorkerConfig configures the local worker pool used in worker mode.
type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	IDPrefix          string        `mapstructure:"id_prefix"`
	Hostname          string        `mapstructure:"hostname"`
	OSName            string        `mapstructure:"os_name"`
	OSVersion         string        `mapstructure:"os_version"`
	CPUName           string        `mapstructure:"cpu_name"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	Command           string        `mapstructure:"command"`
	Args              []string      `mapstructure:"args"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	MaxOutputBytes    int           `mapstructure:"max_output_bytes"`
}

// Capability returns the tuple the local workers advertise.
func (w WorkerConfig) Capability() triage.Capability {
	return triage.Capability{OSName: w.OSName, OSVersion: w.OSVersion, CPUName: w.CPUName}
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRASHTRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Retest.CPUMaxVersion = lowerKeys(cfg.Retest.CPUMaxVersion)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.schema", "public")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.archive", false)
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("storage.local.base_dir", "./data")
	v.SetDefault("claim.max_attempts", 10)
	v.SetDefault("claim.timeout", "10s")
	v.SetDefault("claim.backoff", "25ms")
	v.SetDefault("history.max_attempts", 64)
	v.SetDefault("history.backoff", "5ms")
	v.SetDefault("history.max_backoff", "250ms")
	v.SetDefault("retest.versions", []int{2, 3})
	v.SetDefault("events.enabled", true)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait", "250ms")
	v.SetDefault("events.sink_timeout", "10s")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 2.0)
	v.SetDefault("rate_limit.burst", 4)
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", "1m")
	v.SetDefault("monitor.heartbeat_timeout", "10m")
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.id_prefix", "worker")
	v.SetDefault("worker.poll_interval", "30s")
	v.SetDefault("worker.heartbeat_interval", "1m")
	v.SetDefault("worker.run_timeout", "20m")
	v.SetDefault("worker.max_output_bytes", 32<<20)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "crashtriage")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	if c.Claim.MaxAttempts <= 0 {
		return fmt.Errorf("claim.max_attempts must be > 0")
	}
	if c.Claim.Timeout <= 0 {
		return fmt.Errorf("claim.timeout must be > 0")
	}
	if c.History.MaxAttempts <= 0 {
		return fmt.Errorf("history.max_attempts must be > 0")
	}
	if c.History.Backoff < 0 || c.History.MaxBackoff < 0 {
		return fmt.Errorf("history.backoff and history.max_backoff must be >= 0")
	}
	for _, v := range c.Retest.Versions {
		if v < 0 {
			return fmt.Errorf("retest.versions must be >= 0, got %d", v)
		}
	}
	if c.Monitor.Enabled && (c.Monitor.Interval <= 0 || c.Monitor.HeartbeatTimeout <= 0) {
		return fmt.Errorf("monitor.interval and monitor.heartbeat_timeout must be > 0 when enabled")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	return nil
}

// ValidateWorker checks the settings only worker mode needs.
func (c Config) ValidateWorker() error {
	if err := c.Worker.Capability().Validate(); err != nil {
		return fmt.Errorf("worker capability: %w", err)
	}
	if c.Worker.Command == "" {
		return fmt.Errorf("worker.command must be set in worker mode")
	}
	return nil
}

func lowerKeys(in map[string]int) map[string]int {
	if len(in) == 0 {
		return map[string]int{}
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}
