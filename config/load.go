package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, as in
// TASKCHAIN_SCHEDULER_MAX_CONCURRENCY.
const EnvPrefix = "TASKCHAIN"

var validate = validator.New()

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.max_concurrency", 0)
	v.SetDefault("scheduler.max_items_per_task", 16)
	v.SetDefault("scheduler.history_capacity", 100)
	v.SetDefault("scheduler.shutdown_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("journal.driver", "")
	v.SetDefault("journal.dsn", "")
	v.SetDefault("journal.max_retries", 3)
	v.SetDefault("journal.retry_delay", 100*time.Millisecond)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")
	v.SetDefault("metrics.namespace", "taskchain")
	v.SetDefault("metrics.poll_interval", 5*time.Second)

	v.SetDefault("process.max_retries", 0)
	v.SetDefault("process.retry_interval", 200*time.Millisecond)
	v.SetDefault("process.breaker_failures", 5)
	v.SetDefault("process.breaker_timeout", 30*time.Second)
	v.SetDefault("process.max_line_size", 1024*1024)
}

// Load reads configuration from the optional file at path and from
// environment variables, which take precedence. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}
