package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// rateWindow is the span over which tokens and API calls are summed
const rateWindow = time.Minute

// TrackerConfig defines configuration for the resource tracker
type TrackerConfig struct {
	SamplingInterval time.Duration        `mapstructure:"sampling_interval"`
	HistorySize      int                  `mapstructure:"history_size"`
	EnforceLimits    bool                 `mapstructure:"enforce_limits"`
	Limits           model.ResourceLimits `mapstructure:"limits"`
}

// DefaultTrackerConfig returns the tracker defaults: a sample every 10s and
// one hour of history.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		SamplingInterval: 10 * time.Second,
		HistorySize:      360,
		Limits: model.ResourceLimits{
			CPU:               0.8,
			MemoryBytes:       1 << 30,
			TokensPerMinute:   100000,
			APICallsPerMinute: 100,
			WarningBuffer:     0.1,
		},
	}
}

// SystemSampler reads host CPU and memory usage
type SystemSampler interface {
	Sample(ctx context.Context) (cpuFraction float64, memoryBytes uint64, err error)
}

// TaskCounter reports scheduler task load
type TaskCounter interface {
	TaskCounts() (active, pending int)
}

// SampleObserver is notified after every sample with the limit evaluation
type SampleObserver interface {
	Observe(sample model.ResourceUtilization, statuses []model.LimitStatus)
}

// HostSampler samples the host with gopsutil
type HostSampler struct{}

// Sample returns the CPU fraction since the previous call and used memory
func (HostSampler) Sample(ctx context.Context) (float64, uint64, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get memory usage: %w", err)
	}

	var fraction float64
	if len(cpuPercent) > 0 {
		fraction = cpuPercent[0] / 100
	}
	return fraction, memInfo.Used, nil
}

// TrackerOption configures a ResourceTracker
type TrackerOption func(*ResourceTracker)

// WithSampler replaces the gopsutil host sampler
func WithSampler(sampler SystemSampler) TrackerOption {
	return func(t *ResourceTracker) { t.sampler = sampler }
}

// WithTaskCounter includes task counts in samples
func WithTaskCounter(counter TaskCounter) TrackerOption {
	return func(t *ResourceTracker) { t.counter = counter }
}

// WithObserver registers an observer of every sample
func WithObserver(observer SampleObserver) TrackerOption {
	return func(t *ResourceTracker) { t.observers = append(t.observers, observer) }
}

// WithTrackerClock replaces time.Now
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *ResourceTracker) { t.now = now }
}

type usage struct {
	at time.Time
	n  int
}

// ResourceTracker samples resource utilization on its own cadence and keeps a
// bounded history. Limits are advisory unless enforcement is enabled.
type ResourceTracker struct {
	logger    *zap.Logger
	cfg       TrackerConfig
	sampler   SystemSampler
	counter   TaskCounter
	observers []SampleObserver
	now       func() time.Time

	mu       sync.RWMutex
	history  *RingBuffer[model.ResourceUtilization]
	limits   model.ResourceLimits
	tokens   []usage
	apiCalls []usage

	stop chan struct{}
	done chan struct{}
}

// NewResourceTracker creates a new resource tracker
func NewResourceTracker(cfg TrackerConfig, logger *zap.Logger, opts ...TrackerOption) *ResourceTracker {
	defaults := DefaultTrackerConfig()
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = defaults.SamplingInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaults.HistorySize
	}

	t := &ResourceTracker{
		logger:  logger.Named("resource-tracker"),
		cfg:     cfg,
		sampler: HostSampler{},
		now:     time.Now,
		history: NewRingBuffer[model.ResourceUtilization](cfg.HistorySize),
		limits:  cfg.Limits,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start starts the sampling loop
func (t *ResourceTracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return fmt.Errorf("resource tracker already started")
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	t.logger.Info("Starting resource tracker",
		zap.Duration("interval", t.cfg.SamplingInterval),
		zap.Int("history_size", t.cfg.HistorySize))

	go t.sampleLoop(ctx, stop, done)
	return nil
}

// Stop stops the sampling loop
func (t *ResourceTracker) Stop() {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()

	if stop == nil {
		return
	}
	t.logger.Info("Stopping resource tracker")
	close(stop)
	<-done
}

func (t *ResourceTracker) sampleLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.cfg.SamplingInterval)
	defer ticker.Stop()

	t.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			t.Sample(ctx)
		}
	}
}

// Sample takes one sample, appends it to the history and notifies observers
func (t *ResourceTracker) Sample(ctx context.Context) model.ResourceUtilization {
	sample := model.ResourceUtilization{Timestamp: t.now()}

	cpuFraction, memBytes, err := t.sampler.Sample(ctx)
	if err != nil {
		t.logger.Error("Failed to sample host resources", zap.Error(err))
	} else {
		sample.CPUUtilization = cpuFraction
		sample.MemoryBytes = memBytes
	}
	if t.counter != nil {
		sample.ActiveTasks, sample.PendingTasks = t.counter.TaskCounts()
	}

	t.mu.Lock()
	sample.TokensPerMinute, sample.APICallsPerMinute = t.ratesLocked(sample.Timestamp)
	t.history.Push(sample)
	limits := t.limits
	t.mu.Unlock()

	statuses := evaluate(sample, limits)
	for _, status := range statuses {
		if status.State == model.LimitStateExceeded {
			t.logger.Warn("Resource limit exceeded",
				zap.String("metric", status.Metric),
				zap.Float64("value", status.Value),
				zap.Float64("limit", status.Limit))
		}
	}
	for _, observer := range t.observers {
		observer.Observe(sample, statuses)
	}

	t.logger.Debug("Resource sample collected",
		zap.Float64("cpu", sample.CPUUtilization),
		zap.Uint64("memory_bytes", sample.MemoryBytes),
		zap.Float64("tokens_per_minute", sample.TokensPerMinute),
		zap.Float64("api_calls_per_minute", sample.APICallsPerMinute),
		zap.Int("active_tasks", sample.ActiveTasks))
	return sample
}

// RecordAPICall counts one outbound call in the per-minute window
func (t *ResourceTracker) RecordAPICall() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apiCalls = append(t.apiCalls, usage{at: t.now(), n: 1})
}

// RecordTokens counts n tokens in the per-minute window
func (t *ResourceTracker) RecordTokens(n int) {
	if n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = append(t.tokens, usage{at: t.now(), n: n})
}

// ratesLocked prunes usage older than the window and returns the sums
func (t *ResourceTracker) ratesLocked(now time.Time) (tokens, calls float64) {
	cutoff := now.Add(-rateWindow)
	t.tokens = prune(t.tokens, cutoff)
	t.apiCalls = prune(t.apiCalls, cutoff)
	for _, u := range t.tokens {
		tokens += float64(u.n)
	}
	for _, u := range t.apiCalls {
		calls += float64(u.n)
	}
	return tokens, calls
}

func prune(entries []usage, cutoff time.Time) []usage {
	i := 0
	for i < len(entries) && !entries[i].at.After(cutoff) {
		i++
	}
	return entries[i:]
}

// Current returns the latest sample with live token and API call rates. Before
// the first sample only the rates and task counts are filled in.
func (t *ResourceTracker) Current() model.ResourceUtilization {
	now := t.now()

	t.mu.Lock()
	current, ok := t.history.Last()
	current.TokensPerMinute, current.APICallsPerMinute = t.ratesLocked(now)
	t.mu.Unlock()

	if !ok {
		current.Timestamp = now
		if t.counter != nil {
			current.ActiveTasks, current.PendingTasks = t.counter.TaskCounts()
		}
	}
	return current
}

// History returns the samples taken within the last d, oldest first. A
// non-positive d returns the whole history.
func (t *ResourceTracker) History(d time.Duration) []model.ResourceUtilization {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if d <= 0 {
		return t.history.Slice()
	}
	cutoff := t.now().Add(-d)
	var out []model.ResourceUtilization
	t.history.ForEach(func(sample *model.ResourceUtilization) bool {
		if !sample.Timestamp.Before(cutoff) {
			out = append(out, *sample)
		}
		return true
	})
	return out
}

// SetLimits replaces the advisory limits
func (t *ResourceTracker) SetLimits(limits model.ResourceLimits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits = limits
	t.logger.Info("Resource limits updated",
		zap.Float64("cpu", limits.CPU),
		zap.Uint64("memory_bytes", limits.MemoryBytes),
		zap.Float64("tokens_per_minute", limits.TokensPerMinute),
		zap.Float64("api_calls_per_minute", limits.APICallsPerMinute))
}

// Limits returns the current limits
func (t *ResourceTracker) Limits() model.ResourceLimits {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.limits
}

// Check evaluates the current utilization against the limits
func (t *ResourceTracker) Check() []model.LimitStatus {
	return evaluate(t.Current(), t.Limits())
}

// WithinLimits reports whether more work may be admitted. It is always true
// unless enforcement is enabled and some limit is exceeded.
func (t *ResourceTracker) WithinLimits() bool {
	if !t.cfg.EnforceLimits {
		return true
	}
	for _, status := range t.Check() {
		if status.State == model.LimitStateExceeded {
			return false
		}
	}
	return true
}

// evaluate compares every limited metric of sample with its ceiling
func evaluate(sample model.ResourceUtilization, limits model.ResourceLimits) []model.LimitStatus {
	var statuses []model.LimitStatus
	add := func(metric string, value, limit float64) {
		if limit <= 0 {
			return
		}
		state := model.LimitStateOK
		switch {
		case value > limit:
			state = model.LimitStateExceeded
		case value >= limit*(1-limits.WarningBuffer):
			state = model.LimitStateWarning
		}
		statuses = append(statuses, model.LimitStatus{Metric: metric, Value: value, Limit: limit, State: state})
	}

	add("cpu", sample.CPUUtilization, limits.CPU)
	add("memory_bytes", float64(sample.MemoryBytes), float64(limits.MemoryBytes))
	add("tokens_per_minute", sample.TokensPerMinute, limits.TokensPerMinute)
	add("api_calls_per_minute", sample.APICallsPerMinute, limits.APICallsPerMinute)
	return statuses
}
