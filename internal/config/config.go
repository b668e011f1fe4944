package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreConfig holds task record store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // sqlite file; defaults to <home>/taskmill.db
}

// BrokerConfig holds broker adapter settings.
type BrokerConfig struct {
	// MaxDeliveries is the redelivery ceiling before a message is
	// dead-lettered instead of requeued.
	MaxDeliveries int `yaml:"max_deliveries"`
	// QueueDepth bounds the ready queue; Publish fails beyond it.
	QueueDepth int `yaml:"queue_depth"`
}

// LeaseConfig holds lease manager settings.
type LeaseConfig struct {
	TTLSeconds           int `yaml:"ttl_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// SchedulerConfig holds scheduler and reconciliation settings.
type SchedulerConfig struct {
	DefaultMaxAttempts        int `yaml:"default_max_attempts"`
	RetryBaseDelayMs          int `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs           int `yaml:"retry_max_delay_ms"`
	ReconcileIntervalSeconds  int `yaml:"reconcile_interval_seconds"`
	PendingStalenessSeconds   int `yaml:"pending_staleness_seconds"`
	QueuedStalenessSeconds    int `yaml:"queued_staleness_seconds"`
	StatusCacheSize           int `yaml:"status_cache_size"`
	StatusCacheTTLMs          int `yaml:"status_cache_ttl_ms"`
	ScheduleTickSeconds       int `yaml:"schedule_tick_seconds"`
	// PayloadSchemaPath optionally points at a JSON schema each submitted
	// payload must satisfy.
	PayloadSchemaPath string `yaml:"payload_schema_path"`
}

// ExecutorConfig holds executor pool settings.
type ExecutorConfig struct {
	WorkerCount          int `yaml:"worker_count"`
	CancelPollIntervalMs int `yaml:"cancel_poll_interval_ms"`
}

// ToolProxyConfig holds tool proxy gateway settings.
type ToolProxyConfig struct {
	CallTimeoutSeconds int    `yaml:"call_timeout_seconds"`
	PolicyPath         string `yaml:"policy_path"` // defaults to <home>/policy.yaml
}

// OtelConfig mirrors the telemetry provider settings.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Config is the root daemon configuration, read from <home>/config.yaml.
type Config struct {
	HomeDir   string          `yaml:"-"`
	LogLevel  string          `yaml:"log_level"`
	Store     StoreConfig     `yaml:"store"`
	Broker    BrokerConfig    `yaml:"broker"`
	Lease     LeaseConfig     `yaml:"lease"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	ToolProxy ToolProxyConfig `yaml:"tool_proxy"`
	Otel      OtelConfig      `yaml:"otel"`
}

func DefaultHomeDir() string {
	if env := os.Getenv("TASKMILL_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskmill")
}

// Load reads <homeDir>/config.yaml, applies defaults, and validates.
// A missing file is not an error; defaults apply.
func Load(homeDir string) (Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := Config{HomeDir: homeDir}

	data, err := os.ReadFile(filepath.Join(homeDir, "config.yaml"))
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.HomeDir, "taskmill.db")
	}
	if c.Broker.MaxDeliveries == 0 {
		c.Broker.MaxDeliveries = 5
	}
	if c.Broker.QueueDepth == 0 {
		c.Broker.QueueDepth = 1024
	}
	if c.Lease.TTLSeconds == 0 {
		c.Lease.TTLSeconds = 30
	}
	if c.Lease.SweepIntervalSeconds == 0 {
		c.Lease.SweepIntervalSeconds = 5
	}
	if c.Scheduler.DefaultMaxAttempts == 0 {
		c.Scheduler.DefaultMaxAttempts = 3
	}
	if c.Scheduler.RetryBaseDelayMs == 0 {
		c.Scheduler.RetryBaseDelayMs = 1000
	}
	if c.Scheduler.RetryMaxDelayMs == 0 {
		c.Scheduler.RetryMaxDelayMs = 30000
	}
	if c.Scheduler.ReconcileIntervalSeconds == 0 {
		c.Scheduler.ReconcileIntervalSeconds = 15
	}
	if c.Scheduler.PendingStalenessSeconds == 0 {
		c.Scheduler.PendingStalenessSeconds = 30
	}
	if c.Scheduler.QueuedStalenessSeconds == 0 {
		// Generous: 2x the lease TTL so slow claims are not re-published.
		c.Scheduler.QueuedStalenessSeconds = 2 * c.Lease.TTLSeconds
	}
	if c.Scheduler.StatusCacheSize == 0 {
		c.Scheduler.StatusCacheSize = 1024
	}
	if c.Scheduler.StatusCacheTTLMs == 0 {
		c.Scheduler.StatusCacheTTLMs = 500
	}
	if c.Scheduler.ScheduleTickSeconds == 0 {
		c.Scheduler.ScheduleTickSeconds = 60
	}
	if c.Executor.WorkerCount == 0 {
		c.Executor.WorkerCount = 4
	}
	if c.Executor.CancelPollIntervalMs == 0 {
		c.Executor.CancelPollIntervalMs = 250
	}
	if c.ToolProxy.CallTimeoutSeconds == 0 {
		c.ToolProxy.CallTimeoutSeconds = 30
	}
	if c.ToolProxy.PolicyPath == "" {
		c.ToolProxy.PolicyPath = filepath.Join(c.HomeDir, "policy.yaml")
	}
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "taskmill"
	}
	if c.Otel.Exporter == "" {
		c.Otel.Exporter = "stdout"
	}
}

func (c *Config) validate() error {
	if c.Executor.WorkerCount < 1 {
		return fmt.Errorf("executor.worker_count must be >= 1, got %d", c.Executor.WorkerCount)
	}
	if c.Scheduler.DefaultMaxAttempts < 1 {
		return fmt.Errorf("scheduler.default_max_attempts must be >= 1, got %d", c.Scheduler.DefaultMaxAttempts)
	}
	if c.Broker.MaxDeliveries < 1 {
		return fmt.Errorf("broker.max_deliveries must be >= 1, got %d", c.Broker.MaxDeliveries)
	}
	if c.Lease.TTLSeconds < 1 {
		return fmt.Errorf("lease.ttl_seconds must be >= 1, got %d", c.Lease.TTLSeconds)
	}
	if c.Scheduler.RetryBaseDelayMs > c.Scheduler.RetryMaxDelayMs {
		return fmt.Errorf("scheduler.retry_base_delay_ms (%d) exceeds retry_max_delay_ms (%d)",
			c.Scheduler.RetryBaseDelayMs, c.Scheduler.RetryMaxDelayMs)
	}
	switch c.Otel.Exporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("otel.exporter must be stdout or otlp, got %q", c.Otel.Exporter)
	}
	return nil
}

// Convenience duration accessors.

func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Lease.TTLSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Lease.SweepIntervalSeconds) * time.Second
}

func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Scheduler.RetryBaseDelayMs) * time.Millisecond
}

func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Scheduler.RetryMaxDelayMs) * time.Millisecond
}

func (c Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Scheduler.ReconcileIntervalSeconds) * time.Second
}

func (c Config) PendingStaleness() time.Duration {
	return time.Duration(c.Scheduler.PendingStalenessSeconds) * time.Second
}

func (c Config) QueuedStaleness() time.Duration {
	return time.Duration(c.Scheduler.QueuedStalenessSeconds) * time.Second
}

func (c Config) StatusCacheTTL() time.Duration {
	return time.Duration(c.Scheduler.StatusCacheTTLMs) * time.Millisecond
}

func (c Config) ScheduleTick() time.Duration {
	return time.Duration(c.Scheduler.ScheduleTickSeconds) * time.Second
}

func (c Config) CancelPollInterval() time.Duration {
	return time.Duration(c.Executor.CancelPollIntervalMs) * time.Millisecond
}

func (c Config) ToolCallTimeout() time.Duration {
	return time.Duration(c.ToolProxy.CallTimeoutSeconds) * time.Second
}
