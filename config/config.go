// Package config loads runtime settings for the taskchain command from a
// config file and TASKCHAIN_ environment variables.
package config

import (
	"io"
	"time"

	"github.com/Swind/go-task-chain/core"
	"github.com/Swind/go-task-chain/process"
)

// Config holds all application configuration.
type Config struct {
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	Log       LogConfig       `mapstructure:"log" validate:"required"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Process   ProcessConfig   `mapstructure:"process"`
}

// SchedulerConfig sizes the scheduler pair. Zero MaxConcurrency means one
// slot per CPU.
type SchedulerConfig struct {
	MaxConcurrency  int           `mapstructure:"max_concurrency" validate:"gte=0,lte=1024"`
	MaxItemsPerTask int           `mapstructure:"max_items_per_task" validate:"gte=0"`
	HistoryCapacity int           `mapstructure:"history_capacity" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gte=0"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=trace debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// JournalConfig selects where node executions are recorded. An empty Driver
// disables the journal.
type JournalConfig struct {
	Driver     string        `mapstructure:"driver" validate:"omitempty,oneof=memory sqlite"`
	DSN        string        `mapstructure:"dsn" validate:"required_if=Driver sqlite"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Address      string        `mapstructure:"address" validate:"required,hostname_port"`
	Namespace    string        `mapstructure:"namespace" validate:"required"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
}

// ProcessConfig tunes the resilient process runner.
type ProcessConfig struct {
	MaxRetries      int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryInterval   time.Duration `mapstructure:"retry_interval" validate:"gte=0"`
	BreakerFailures uint32        `mapstructure:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`
	MaxLineSize     int           `mapstructure:"max_line_size" validate:"gte=0"`
}

// ManagerConfig converts the scheduler and journal retry settings into a
// core.ManagerConfig. Journal, metrics and logger are left for the caller.
func (c *Config) ManagerConfig() core.ManagerConfig {
	cfg := core.DefaultManagerConfig()
	cfg.MaxConcurrency = c.Scheduler.MaxConcurrency
	cfg.MaxItemsPerTask = c.Scheduler.MaxItemsPerTask
	if c.Scheduler.HistoryCapacity > 0 {
		cfg.HistoryCapacity = c.Scheduler.HistoryCapacity
	}
	cfg.RetryPolicy = c.Journal.RetryPolicy()
	return cfg
}

// RetryPolicy returns the journal write retry policy.
func (c JournalConfig) RetryPolicy() core.RetryPolicy {
	if c.MaxRetries == 0 {
		return core.NoRetry()
	}
	policy := core.DefaultRetryPolicy()
	policy.MaxRetries = c.MaxRetries
	if c.RetryDelay > 0 {
		policy.InitialDelay = c.RetryDelay
	}
	return policy
}

// NewLogger builds the configured logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) *core.SlogLogger {
	if c.Format == "json" {
		return core.NewJSONLogger(w, c.Level)
	}
	return core.NewTextLogger(w, c.Level)
}

// RetryConfig returns the process retry settings.
func (c ProcessConfig) RetryConfig() process.RetryConfig {
	rc := process.DefaultRetryConfig()
	rc.MaxRetries = c.MaxRetries
	if c.RetryInterval > 0 {
		rc.InitialInterval = c.RetryInterval
	}
	return rc
}

// BreakerConfig returns the process circuit breaker settings.
func (c ProcessConfig) BreakerConfig() process.BreakerConfig {
	return process.BreakerConfig{
		ConsecutiveFailures: c.BreakerFailures,
		OpenTimeout:         c.BreakerTimeout,
	}
}
