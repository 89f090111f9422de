package scheduler

import "time"

// Config controls the scheduler.
type Config struct {
	Enabled                  bool          `mapstructure:"enabled"`
	MaxConcurrentTasks       int           `mapstructure:"max_concurrent_tasks"`
	MaxRetryAttempts         int           `mapstructure:"max_retry_attempts"`
	SchedulingInterval       time.Duration `mapstructure:"scheduling_interval"`
	EnableAutoScheduling     bool          `mapstructure:"enable_auto_scheduling"`
	EnableTaskPrioritization bool          `mapstructure:"enable_task_prioritization"`
	EnableTaskDependencies   bool          `mapstructure:"enable_task_dependencies"`

	// DefaultTaskTimeout bounds delegated work for tasks without their own
	// timeout. Zero disables the bound.
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout"`

	// CatchUpDelay is the delay before the first tick after start-up.
	CatchUpDelay time.Duration `mapstructure:"catch_up_delay"`

	// LoadRetryDelay is how long to wait before reloading persisted tasks
	// after a failed load.
	LoadRetryDelay time.Duration `mapstructure:"load_retry_delay"`

	EventLogSize int `mapstructure:"event_log_size"`
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		MaxConcurrentTasks:       5,
		MaxRetryAttempts:         3,
		SchedulingInterval:       30 * time.Second,
		EnableAutoScheduling:     true,
		EnableTaskPrioritization: true,
		EnableTaskDependencies:   true,
		DefaultTaskTimeout:       5 * time.Minute,
		CatchUpDelay:             5 * time.Second,
		LoadRetryDelay:           30 * time.Second,
		EventLogSize:             1000,
	}
}

// withDefaults fills zero numeric settings. Boolean switches are taken as given.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if c.MaxRetryAttempts < 0 {
		c.MaxRetryAttempts = d.MaxRetryAttempts
	}
	if c.SchedulingInterval <= 0 {
		c.SchedulingInterval = d.SchedulingInterval
	}
	if c.CatchUpDelay <= 0 {
		c.CatchUpDelay = d.CatchUpDelay
	}
	if c.LoadRetryDelay <= 0 {
		c.LoadRetryDelay = d.LoadRetryDelay
	}
	if c.EventLogSize <= 0 {
		c.EventLogSize = d.EventLogSize
	}
	return c
}
