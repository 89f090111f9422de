// Package config loads the scheduler service configuration from a YAML file
// and TSS_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/agent-scheduler/internal/executor"
	"github.com/t77yq/agent-scheduler/internal/handler"
	"github.com/t77yq/agent-scheduler/internal/logger"
	"github.com/t77yq/agent-scheduler/internal/monitor"
	"github.com/t77yq/agent-scheduler/internal/scheduler"
	"github.com/t77yq/agent-scheduler/internal/storage"
)

// Storage drivers
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
	DriverMemory = "memory"
)

// Config is the complete service configuration
type Config struct {
	Scheduler scheduler.Config      `mapstructure:"scheduler"`
	Resources monitor.TrackerConfig `mapstructure:"resources"`
	Storage   StorageConfig         `mapstructure:"storage"`
	NATS      NATSConfig            `mapstructure:"nats"`
	Actions   handler.Config        `mapstructure:"actions"`
	Executor  executor.LogConfig    `mapstructure:"executor"`
	Logger    logger.Config         `mapstructure:"logger"`
}

// StorageConfig selects the task repository and history retention
type StorageConfig struct {
	Driver           string              `mapstructure:"driver"`
	SQLitePath       string              `mapstructure:"sqlite_path"`
	Redis            storage.RedisConfig `mapstructure:"redis"`
	HistoryRetention time.Duration       `mapstructure:"history_retention"`
	CleanupSchedule  string              `mapstructure:"cleanup_schedule"`
}

// NATSConfig configures the telemetry connection
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	Name           string        `mapstructure:"name"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Default returns the configuration used when no file or environment
// overrides are present
func Default() *Config {
	return &Config{
		Scheduler: scheduler.DefaultConfig(),
		Resources: monitor.DefaultTrackerConfig(),
		Storage: StorageConfig{
			Driver:           DriverSQLite,
			SQLitePath:       "data/scheduler.db",
			Redis:            storage.RedisConfig{Addr: "localhost:6379", KeyPrefix: "tss"},
			HistoryRetention: 30 * 24 * time.Hour,
			CleanupSchedule:  "@daily",
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			Name:           "agent-scheduler",
			MaxReconnects:  60,
			ReconnectWait:  2 * time.Second,
			ConnectTimeout: 5 * time.Second,
		},
		Actions: handler.Config{
			BaseDir:     "data/files",
			HTTPTimeout: 30 * time.Second,
			SMTP:        handler.SMTPConfig{Port: 587},
		},
		Executor: executor.DefaultLogConfig(),
		Logger:   logger.DefaultConfig(),
	}
}

// Load reads configuration from path, or from config/config.yaml or
// ./config.yaml when path is empty. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("TSS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no usable fallback
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return errors.New("storage.redis.addr is required for the redis driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	if c.Scheduler.MaxConcurrentTasks < 0 {
		return errors.New("scheduler.max_concurrent_tasks must not be negative")
	}
	if c.Scheduler.MaxRetryAttempts < 0 {
		return errors.New("scheduler.max_retry_attempts must not be negative")
	}
	if w := c.Resources.Limits.WarningBuffer; w < 0 || w >= 1 {
		return errors.New("resources.limits.warning_buffer must be in [0, 1)")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	return nil
}

// setDefaults registers every key so environment overrides apply even when
// the file omits it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("scheduler.enabled", d.Scheduler.Enabled)
	v.SetDefault("scheduler.max_concurrent_tasks", d.Scheduler.MaxConcurrentTasks)
	v.SetDefault("scheduler.max_retry_attempts", d.Scheduler.MaxRetryAttempts)
	v.SetDefault("scheduler.scheduling_interval", d.Scheduler.SchedulingInterval)
	v.SetDefault("scheduler.enable_auto_scheduling", d.Scheduler.EnableAutoScheduling)
	v.SetDefault("scheduler.enable_task_prioritization", d.Scheduler.EnableTaskPrioritization)
	v.SetDefault("scheduler.enable_task_dependencies", d.Scheduler.EnableTaskDependencies)
	v.SetDefault("scheduler.default_task_timeout", d.Scheduler.DefaultTaskTimeout)
	v.SetDefault("scheduler.catch_up_delay", d.Scheduler.CatchUpDelay)
	v.SetDefault("scheduler.load_retry_delay", d.Scheduler.LoadRetryDelay)
	v.SetDefault("scheduler.event_log_size", d.Scheduler.EventLogSize)

	v.SetDefault("resources.sampling_interval", d.Resources.SamplingInterval)
	v.SetDefault("resources.history_size", d.Resources.HistorySize)
	v.SetDefault("resources.enforce_limits", d.Resources.EnforceLimits)
	v.SetDefault("resources.limits.cpu", d.Resources.Limits.CPU)
	v.SetDefault("resources.limits.memory_bytes", d.Resources.Limits.MemoryBytes)
	v.SetDefault("resources.limits.tokens_per_minute", d.Resources.Limits.TokensPerMinute)
	v.SetDefault("resources.limits.api_calls_per_minute", d.Resources.Limits.APICallsPerMinute)
	v.SetDefault("resources.limits.warning_buffer", d.Resources.Limits.WarningBuffer)

	v.SetDefault("storage.driver", d.Storage.Driver)
	v.SetDefault("storage.sqlite_path", d.Storage.SQLitePath)
	v.SetDefault("storage.redis.addr", d.Storage.Redis.Addr)
	v.SetDefault("storage.redis.password", d.Storage.Redis.Password)
	v.SetDefault("storage.redis.db", d.Storage.Redis.DB)
	v.SetDefault("storage.redis.key_prefix", d.Storage.Redis.KeyPrefix)
	v.SetDefault("storage.history_retention", d.Storage.HistoryRetention)
	v.SetDefault("storage.cleanup_schedule", d.Storage.CleanupSchedule)

	v.SetDefault("nats.enabled", d.NATS.Enabled)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.name", d.NATS.Name)
	v.SetDefault("nats.max_reconnects", d.NATS.MaxReconnects)
	v.SetDefault("nats.reconnect_wait", d.NATS.ReconnectWait)
	v.SetDefault("nats.connect_timeout", d.NATS.ConnectTimeout)

	v.SetDefault("actions.base_dir", d.Actions.BaseDir)
	v.SetDefault("actions.http_timeout", d.Actions.HTTPTimeout)
	v.SetDefault("actions.smtp.host", d.Actions.SMTP.Host)
	v.SetDefault("actions.smtp.port", d.Actions.SMTP.Port)
	v.SetDefault("actions.smtp.username", d.Actions.SMTP.Username)
	v.SetDefault("actions.smtp.password", d.Actions.SMTP.Password)
	v.SetDefault("actions.smtp.from", d.Actions.SMTP.From)
	v.SetDefault("actions.smtp.alert_recipients", d.Actions.SMTP.AlertRecipients)

	v.SetDefault("executor.log_dir", d.Executor.LogDir)
	v.SetDefault("executor.max_log_size", d.Executor.MaxFileSize)
	v.SetDefault("executor.max_log_age", d.Executor.MaxAge)
	v.SetDefault("executor.flush_interval", d.Executor.FlushInterval)
	v.SetDefault("executor.rotate_interval", d.Executor.RotateInterval)

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.encoding", d.Logger.Encoding)
	v.SetDefault("logger.development", d.Logger.Development)
}
