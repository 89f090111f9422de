package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// Option configures optional scheduler collaborators
type Option func(*Scheduler)

// WithRepository persists task snapshots through repo
func WithRepository(repo TaskRepository) Option {
	return func(s *Scheduler) { s.repo = repo }
}

// WithWorkExecutor sets the capability that performs delegated work
func WithWorkExecutor(exec WorkExecutor) Option {
	return func(s *Scheduler) { s.work = exec }
}

// WithHistory records every execution in store
func WithHistory(store HistoryStore) Option {
	return func(s *Scheduler) { s.history = store }
}

// WithVisualization reports execution progress to sink
func WithVisualization(sink VisualizationSink) Option {
	return func(s *Scheduler) { s.viz = sink }
}

// WithEventPublisher forwards every recorded event to pub. It may be given
// more than once.
func WithEventPublisher(pub EventPublisher) Option {
	return func(s *Scheduler) { s.publishers = append(s.publishers, pub) }
}

// WithResourceTracker feeds usage to tracker and consults it in CanAdmit
func WithResourceTracker(tracker ResourceTracker) Option {
	return func(s *Scheduler) { s.tracker = tracker }
}

// WithExecutionLog writes per-task log lines to log
func WithExecutionLog(log ExecutionLog) Option {
	return func(s *Scheduler) { s.execLog = log }
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler stores scheduled tasks, decides which are due, runs them under a
// concurrency cap, and keeps an event trail.
type Scheduler struct {
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	store   *TaskStore
	events  *EventLog
	batches *batchManager

	repo       TaskRepository
	work       WorkExecutor
	history    HistoryStore
	viz        VisualizationSink
	publishers []EventPublisher
	tracker    ResourceTracker
	execLog    ExecutionLog

	mu          sync.Mutex
	initialized bool
	paused      bool
	loop        *dispatchLoop
	loadTimer   *time.Timer

	// inflight holds task IDs admitted by a tick whose execution has not
	// finished yet.
	inflightMu sync.Mutex
	inflight   map[string]struct{}
	wg         sync.WaitGroup

	stats schedulerStats
}

type schedulerStats struct {
	executions atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	totalNanos atomic.Int64
	dispatched atomic.Int64
	ticks      atomic.Int64
	lastTick   atomic.Int64 // unix nanos
}

// New creates a scheduler. Call Initialize before use.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	s := &Scheduler{
		logger:   logger.Named("scheduler"),
		cfg:      cfg,
		now:      time.Now,
		events:   NewEventLog(cfg.EventLogSize),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.store = NewTaskStore(s.now)
	s.batches = newBatchManager()
	return s
}

// Config returns the effective configuration
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Initialize loads persisted tasks and starts the dispatch loop when
// auto-scheduling is enabled. Failing to load is logged and retried later; it
// never fails initialization.
func (s *Scheduler) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	s.mu.Unlock()

	if !s.cfg.Enabled {
		s.logger.Info("Scheduler disabled by configuration")
		return nil
	}

	s.logger.Info("Initializing scheduler",
		zap.Int("max_concurrent_tasks", s.cfg.MaxConcurrentTasks),
		zap.Duration("scheduling_interval", s.cfg.SchedulingInterval),
		zap.Bool("auto_scheduling", s.cfg.EnableAutoScheduling))

	s.loadPersistedTasks(ctx)

	if s.cfg.EnableAutoScheduling {
		s.Start()
	}
	return nil
}

// loadPersistedTasks restores tasks from the repository. On failure it arms a
// timer to try again after LoadRetryDelay.
func (s *Scheduler) loadPersistedTasks(ctx context.Context) {
	if s.repo == nil {
		return
	}

	// Finished tasks are loaded too; dependents and batches read their status.
	tasks, err := s.repo.QueryByStatus(ctx, model.AllTaskStatuses...)
	if err != nil {
		s.logger.Warn("Failed to load persisted tasks, running in memory",
			zap.Duration("retry_in", s.cfg.LoadRetryDelay),
			zap.Error(err))

		s.mu.Lock()
		if s.loadTimer != nil {
			s.loadTimer.Stop()
		}
		s.loadTimer = time.AfterFunc(s.cfg.LoadRetryDelay, func() {
			s.loadPersistedTasks(context.Background())
		})
		s.mu.Unlock()
		return
	}

	loaded := 0
	for _, task := range tasks {
		interrupted := task.Status == model.TaskStatusRunning
		if interrupted {
			// Nothing is in flight in a fresh process.
			task.Status = model.TaskStatusFailed
			task.LastError = msgInterrupted
			task.UpdatedAt = s.now()
		}
		if s.store.PutIfAbsent(task) {
			loaded++
			if interrupted {
				s.persist(ctx, task)
			}
		}
	}
	s.logger.Info("Loaded persisted tasks", zap.Int("count", loaded))

	s.loadPersistedBatches(ctx)
}

// loadPersistedBatches restores batch records when the repository keeps them.
// Member status is recomputed from the loaded tasks.
func (s *Scheduler) loadPersistedBatches(ctx context.Context) {
	loader, ok := s.repo.(BatchLoader)
	if !ok {
		return
	}

	batches, err := loader.ListBatches(ctx)
	if err != nil {
		s.logger.Warn("Failed to load persisted batches", zap.Error(err))
		return
	}

	loaded := 0
	for _, batch := range batches {
		if s.batches.putIfAbsent(batch) {
			loaded++
			s.refreshBatch(batch.ID)
		}
	}
	s.logger.Info("Loaded persisted batches", zap.Int("count", loaded))
}

// Start starts the dispatch loop. It is a no-op if the loop already runs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.loop != nil {
		s.mu.Unlock()
		return
	}
	s.loop = newDispatchLoop(s, s.cfg.SchedulingInterval, s.cfg.CatchUpDelay, s.logger)
	s.loop.start()
	s.mu.Unlock()

	s.recordEvent(model.EventSchedulerStarted, "", "", nil)
}

// Stop stops the dispatch loop without touching task state
func (s *Scheduler) Stop() {
	s.mu.Lock()
	loop := s.loop
	s.loop = nil
	s.mu.Unlock()

	if loop != nil {
		loop.stop()
		s.recordEvent(model.EventSchedulerStopped, "", "", nil)
	}
}

// PauseScheduler stops dispatching until ResumeScheduler is called
func (s *Scheduler) PauseScheduler() error {
	if err := s.checkReady(); err != nil {
		return err
	}
	s.mu.Lock()
	s.paused = true
	loop := s.loop
	s.loop = nil
	s.mu.Unlock()

	if loop != nil {
		loop.stop()
	}
	s.logger.Info("Scheduler paused")
	s.recordEvent(model.EventSchedulerPaused, "", "", nil)
	return nil
}

// ResumeScheduler restarts dispatching after PauseScheduler
func (s *Scheduler) ResumeScheduler() error {
	if err := s.checkReady(); err != nil {
		return err
	}
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()

	if s.cfg.EnableAutoScheduling {
		s.Start()
	}
	s.logger.Info("Scheduler resumed")
	s.recordEvent(model.EventSchedulerResumed, "", "", nil)
	return nil
}

// Paused reports whether dispatching is paused
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Running reports whether the dispatch loop is active
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop != nil
}

// Shutdown stops all timers and waits for in-flight executions until ctx is
// done. In-flight work is never cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down scheduler")
	s.Stop()

	s.mu.Lock()
	if s.loadTimer != nil {
		s.loadTimer.Stop()
		s.loadTimer = nil
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout reached, some tasks may not have completed",
			zap.Int("in_flight", s.inflightCount()))
		return ctx.Err()
	}
}

// CanAdmit reports whether the resource tracker allows more work. Without a
// tracker, or with limits not enforced, it is always true. The dispatch loop
// itself admits on concurrency slots only.
func (s *Scheduler) CanAdmit() bool {
	if s.tracker == nil {
		return true
	}
	return s.tracker.WithinLimits()
}

// TaskSpec describes a task to create
type TaskSpec struct {
	Title        string                 `json:"title"`
	Description  string                 `json:"description,omitempty"`
	Type         string                 `json:"type,omitempty"`
	Priority     float64                `json:"priority"`
	Schedule     *model.Schedule        `json:"schedule,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Action       string                 `json:"action,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Timeout      time.Duration          `json:"timeout,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// CreateTask validates the definition, stores a new task and persists it best-effort
func (s *Scheduler) CreateTask(ctx context.Context, spec TaskSpec) (*model.Task, error) {
	return s.createTask(ctx, spec, "")
}

func (s *Scheduler) createTask(ctx context.Context, spec TaskSpec, batchID string) (*model.Task, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if spec.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTask)
	}
	if err := spec.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if spec.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalidTask)
	}

	now := s.now()
	task := &model.Task{
		ID:           uuid.New().String(),
		Title:        spec.Title,
		Description:  spec.Description,
		Type:         spec.Type,
		Status:       model.TaskStatusPending,
		Priority:     spec.Priority,
		Schedule:     spec.Schedule.Clone(),
		BatchID:      batchID,
		Dependencies: dedupe(spec.Dependencies),
		Action:       spec.Action,
		Parameters:   spec.Parameters,
		Timeout:      spec.Timeout,
		Metadata:     spec.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if task.Schedule.Kind() != model.ScheduleNone {
		task.Status = model.TaskStatusScheduled
	}
	task = task.Clone()

	s.store.Put(task)
	s.persist(ctx, task)

	s.logger.Info("Task created",
		zap.String("task_id", task.ID),
		zap.String("title", task.Title),
		zap.String("schedule", string(task.Schedule.Kind())),
		zap.Float64("priority", task.Priority))
	s.recordEvent(model.EventTaskCreated, task.ID, batchID, map[string]interface{}{
		"title":  task.Title,
		"action": task.Action,
	})

	return task, nil
}

// GetTask returns a snapshot of the task with the given ID
func (s *Scheduler) GetTask(id string) (*model.Task, error) {
	task, ok := s.store.Get(id)
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// TaskFilter defines the filters for listing tasks
type TaskFilter struct {
	Status      []model.TaskStatus
	Type        string
	BatchID     string
	MinPriority *float64
	Limit       int
	Offset      int
}

// ListTasks returns task snapshots matching filter, ordered by creation time
func (s *Scheduler) ListTasks(filter TaskFilter) []*model.Task {
	var tasks []*model.Task
	for _, task := range s.store.List() {
		if filter.matches(task) {
			tasks = append(tasks, task)
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(tasks) {
			return nil
		}
		tasks = tasks[filter.Offset:]
	}
	if filter.Limit > 0 && len(tasks) > filter.Limit {
		tasks = tasks[:filter.Limit]
	}
	return tasks
}

func (f TaskFilter) matches(task *model.Task) bool {
	if len(f.Status) > 0 {
		statusMatch := false
		for _, status := range f.Status {
			if task.Status == status {
				statusMatch = true
				break
			}
		}
		if !statusMatch {
			return false
		}
	}
	if f.Type != "" && task.Type != f.Type {
		return false
	}
	if f.BatchID != "" && task.BatchID != f.BatchID {
		return false
	}
	if f.MinPriority != nil && task.Priority < *f.MinPriority {
		return false
	}
	return true
}

// TaskUpdate carries the mutable fields of a task. Nil fields are left alone.
type TaskUpdate struct {
	Title        *string
	Description  *string
	Priority     *float64
	Schedule     *model.Schedule
	Dependencies *[]string
	Action       *string
	Parameters   map[string]interface{}
	Timeout      *time.Duration
	Metadata     map[string]interface{}
}

// UpdateTask changes a task that is not running
func (s *Scheduler) UpdateTask(ctx context.Context, id string, update TaskUpdate) (*model.Task, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	if err := update.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if update.Dependencies != nil && s.cfg.EnableTaskDependencies {
		if err := checkCircularDependencies(id, *update.Dependencies, s.dependencyGraph()); err != nil {
			return nil, err
		}
	}

	task, err := s.store.Update(id, func(task *model.Task) error {
		if task.Status == model.TaskStatusRunning {
			return ErrTaskRunning
		}
		if update.Title != nil {
			task.Title = *update.Title
		}
		if update.Description != nil {
			task.Description = *update.Description
		}
		if update.Priority != nil {
			task.Priority = *update.Priority
		}
		if update.Schedule != nil {
			task.Schedule = update.Schedule.Clone()
			if task.Status == model.TaskStatusPending && task.Schedule.Kind() != model.ScheduleNone {
				task.Status = model.TaskStatusScheduled
			}
		}
		if update.Dependencies != nil {
			task.Dependencies = dedupe(*update.Dependencies)
		}
		if update.Action != nil {
			task.Action = *update.Action
		}
		if update.Parameters != nil {
			task.Parameters = update.Parameters
		}
		if update.Timeout != nil {
			task.Timeout = *update.Timeout
		}
		for k, v := range update.Metadata {
			if task.Metadata == nil {
				task.Metadata = make(map[string]interface{})
			}
			task.Metadata[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.persist(ctx, task)
	s.recordEvent(model.EventTaskUpdated, task.ID, task.BatchID, nil)
	return task, nil
}

// DeleteTask removes a task that is not running
func (s *Scheduler) DeleteTask(ctx context.Context, id string) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	task, ok := s.store.Get(id)
	if !ok {
		return ErrTaskNotFound
	}
	if task.Status == model.TaskStatusRunning {
		return ErrTaskRunning
	}
	s.store.Delete(id)

	if deleter, ok := s.repo.(TaskDeleter); ok {
		if err := deleter.Delete(ctx, id); err != nil {
			s.logger.Warn("Failed to delete persisted task",
				zap.String("task_id", id),
				zap.Error(err))
		}
	}

	s.recordEvent(model.EventTaskDeleted, id, task.BatchID, nil)
	return nil
}

// DueTasks returns the tasks due at now, in creation order
func (s *Scheduler) DueTasks(now time.Time) []*model.Task {
	return dueTasks(s.store.List(), now, func(task *model.Task, reason dueReason) {
		if reason == reasonNoScheduling {
			s.logger.Debug("Task has no recognized scheduling method",
				zap.String("task_id", task.ID),
				zap.String("status", string(task.Status)))
		}
	})
}

// Events returns recorded scheduler events matching filter
func (s *Scheduler) Events(filter EventFilter) []*model.SchedulerEvent {
	return s.events.List(filter)
}

// History returns recorded executions, newest first
func (s *Scheduler) History(ctx context.Context, filter model.HistoryFilter, offset, limit int) ([]*model.ExecutionRecord, error) {
	if s.history == nil {
		return nil, nil
	}
	return s.history.List(ctx, filter, offset, limit)
}

// checkReady returns the operational error for an unusable scheduler
func (s *Scheduler) checkReady() error {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()

	if !initialized {
		return ErrNotInitialized
	}
	if !s.cfg.Enabled {
		return ErrSchedulerDisabled
	}
	return nil
}

// persist saves a snapshot through the repository, logging failures
func (s *Scheduler) persist(ctx context.Context, task *model.Task) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(ctx, task); err != nil {
		s.logger.Warn("Failed to persist task",
			zap.String("task_id", task.ID),
			zap.String("status", string(task.Status)),
			zap.Error(err))
	}
}

// recordEvent appends an event and forwards it to every publisher
func (s *Scheduler) recordEvent(eventType model.EventType, taskID, batchID string, details map[string]interface{}) {
	event := &model.SchedulerEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: s.now(),
		TaskID:    taskID,
		BatchID:   batchID,
		Details:   details,
	}
	s.events.Append(event)

	for _, pub := range s.publishers {
		if err := pub.PublishEvent(context.Background(), event); err != nil {
			s.logger.Warn("Failed to publish scheduler event",
				zap.String("type", string(eventType)),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) inflightCount() int {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	return len(s.inflight)
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// sortByPriority orders tasks by descending priority, keeping discovery order
// for ties.
func sortByPriority(tasks []*model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority > tasks[j].Priority
	})
}
