package model

import "time"

// ResourceUtilization is a single sample of scheduler resource consumption
type ResourceUtilization struct {
	Timestamp         time.Time `json:"timestamp"`
	CPUUtilization    float64   `json:"cpu_utilization"` // fraction in [0,1]
	MemoryBytes       uint64    `json:"memory_bytes"`
	TokensPerMinute   float64   `json:"tokens_per_minute"`
	APICallsPerMinute float64   `json:"api_calls_per_minute"`
	ActiveTasks       int       `json:"active_tasks"`
	PendingTasks      int       `json:"pending_tasks"`
}

// ResourceLimits defines advisory ceilings per metric. A zero ceiling means
// the metric is unlimited.
type ResourceLimits struct {
	CPU               float64 `json:"cpu" mapstructure:"cpu"`
	MemoryBytes       uint64  `json:"memory_bytes" mapstructure:"memory_bytes"`
	TokensPerMinute   float64 `json:"tokens_per_minute" mapstructure:"tokens_per_minute"`
	APICallsPerMinute float64 `json:"api_calls_per_minute" mapstructure:"api_calls_per_minute"`

	// WarningBuffer is the fraction below a ceiling at which a metric is
	// reported as a warning, e.g. 0.1 warns at 90% of the limit.
	WarningBuffer float64 `json:"warning_buffer" mapstructure:"warning_buffer"`
}

// LimitState is the advisory state of a single metric against its ceiling
type LimitState string

const (
	LimitStateOK       LimitState = "ok"
	LimitStateWarning  LimitState = "warning"
	LimitStateExceeded LimitState = "exceeded"
)

// LimitStatus reports one metric against its ceiling
type LimitStatus struct {
	Metric string     `json:"metric"`
	Value  float64    `json:"value"`
	Limit  float64    `json:"limit"`
	State  LimitState `json:"state"`
}
