package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agent-scheduler/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeWork records performed actions and answers from a per-action table
type fakeWork struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	results map[string]map[string]interface{}
	block   chan struct{}
}

func newFakeWork() *fakeWork {
	return &fakeWork{
		errs:    make(map[string]error),
		results: make(map[string]map[string]interface{}),
	}
}

func (w *fakeWork) Perform(ctx context.Context, action string, params map[string]interface{}) (map[string]interface{}, error) {
	w.mu.Lock()
	w.calls = append(w.calls, action)
	block := w.block
	err := w.errs[action]
	result := w.results[action]
	w.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if result == nil {
		result = map[string]interface{}{"action": action}
	}
	return result, err
}

func (w *fakeWork) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

// fakeRepo is an in-memory TaskRepository that can be told to fail loads
type fakeRepo struct {
	mu      sync.Mutex
	tasks   map[string]*model.Task
	batches map[string]*model.TaskBatch
	loadErr error
	loads   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		tasks:   make(map[string]*model.Task),
		batches: make(map[string]*model.TaskBatch),
	}
}

func (r *fakeRepo) Save(ctx context.Context, task *model.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *fakeRepo) QueryByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads++
	if r.loadErr != nil {
		return nil, r.loadErr
	}
	var out []*model.Task
	for _, task := range r.tasks {
		for _, status := range statuses {
			if task.Status == status {
				out = append(out, task.Clone())
				break
			}
		}
	}
	return out, nil
}

func (r *fakeRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

func (r *fakeRepo) SaveBatch(ctx context.Context, batch *model.TaskBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[batch.ID] = batch.Clone()
	return nil
}

func (r *fakeRepo) ListBatches(ctx context.Context) ([]*model.TaskBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.TaskBatch
	for _, batch := range r.batches {
		out = append(out, batch.Clone())
	}
	return out, nil
}

func (r *fakeRepo) Loads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableAutoScheduling = false
	cfg.SchedulingInterval = time.Hour
	return cfg
}

func newTestScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s := New(cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func at(t time.Time) *model.Schedule {
	return &model.Schedule{At: &t}
}

func TestSchedulerLifecycle(t *testing.T) {
	t.Run("Not Initialized", func(t *testing.T) {
		s := New(testConfig(), zaptest.NewLogger(t))

		_, err := s.CreateTask(context.Background(), TaskSpec{Title: "t"})
		assert.ErrorIs(t, err, ErrNotInitialized)

		_, err = s.Execute(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotInitialized)

		assert.ErrorIs(t, s.PauseScheduler(), ErrNotInitialized)
	})

	t.Run("Disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Enabled = false
		s := newTestScheduler(t, cfg)

		_, err := s.CreateTask(context.Background(), TaskSpec{Title: "t"})
		assert.ErrorIs(t, err, ErrSchedulerDisabled)

		_, err = s.Cancel(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrSchedulerDisabled)
		assert.Equal(t, 0, s.Tick(context.Background()))
	})

	t.Run("Pause And Resume", func(t *testing.T) {
		clock := newFakeClock()
		work := newFakeWork()
		s := newTestScheduler(t, testConfig(), WithClock(clock.Now), WithWorkExecutor(work))

		_, err := s.CreateTask(context.Background(), TaskSpec{
			Title:    "due",
			Action:   "noop",
			Schedule: at(clock.Now()),
		})
		require.NoError(t, err)

		require.NoError(t, s.PauseScheduler())
		assert.True(t, s.Paused())
		assert.Equal(t, 0, s.Tick(context.Background()))

		require.NoError(t, s.ResumeScheduler())
		assert.False(t, s.Paused())
		assert.Equal(t, 1, s.Tick(context.Background()))

		events := s.Events(EventFilter{Types: []model.EventType{model.EventSchedulerPaused, model.EventSchedulerResumed}})
		require.Len(t, events, 2)
		assert.Equal(t, model.EventSchedulerPaused, events[0].Type)
		assert.Equal(t, model.EventSchedulerResumed, events[1].Type)
	})

	t.Run("Loop Runs Catch Up Tick", func(t *testing.T) {
		cfg := testConfig()
		cfg.EnableAutoScheduling = true
		cfg.CatchUpDelay = 10 * time.Millisecond
		work := newFakeWork()
		s := New(cfg, zaptest.NewLogger(t), WithWorkExecutor(work))
		require.NoError(t, s.Initialize(context.Background()))
		defer s.Shutdown(context.Background())

		_, err := s.CreateTask(context.Background(), TaskSpec{
			Title:    "catch up",
			Action:   "noop",
			Schedule: at(time.Now().Add(-time.Minute)),
		})
		require.NoError(t, err)

		assert.True(t, s.Running())
		assert.Eventually(t, func() bool {
			return len(work.Calls()) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})
}

// blockingPublisher holds scheduler_started publications until release is closed
type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPublisher) PublishEvent(ctx context.Context, event *model.SchedulerEvent) error {
	if event.Type != model.EventSchedulerStarted {
		return nil
	}
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return nil
}

func TestStartDoesNotHoldLockWhilePublishing(t *testing.T) {
	pub := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	s := newTestScheduler(t, testConfig(), WithEventPublisher(pub))
	defer close(pub.release)

	go s.Start()
	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("start event was not published")
	}

	created := make(chan error, 1)
	go func() {
		_, err := s.CreateTask(context.Background(), TaskSpec{Title: "while publishing"})
		created <- err
	}()
	select {
	case err := <-created:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("CreateTask blocked behind a slow publisher")
	}
	assert.True(t, s.Running())
}

func TestInitializeLoadsPersistedTasks(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now()
	require.NoError(t, repo.Save(context.Background(), &model.Task{
		ID: "pending", Title: "p", Status: model.TaskStatusPending, CreatedAt: now,
	}))
	require.NoError(t, repo.Save(context.Background(), &model.Task{
		ID: "running", Title: "r", Status: model.TaskStatusRunning, CreatedAt: now,
	}))
	require.NoError(t, repo.Save(context.Background(), &model.Task{
		ID: "done", Title: "d", Status: model.TaskStatusCompleted, CreatedAt: now,
	}))

	s := newTestScheduler(t, testConfig(), WithRepository(repo))

	task, err := s.GetTask("pending")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, task.Status)

	task, err = s.GetTask("running")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, task.Status)
	assert.Equal(t, msgInterrupted, task.LastError)

	persisted, err := repo.QueryByStatus(context.Background(), model.TaskStatusFailed)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "running", persisted[0].ID)

	task, err = s.GetTask("done")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, task.Status)
	assert.Empty(t, s.DueTasks(now.Add(time.Hour)))
}

func TestRestartKeepsFinishedTasksAndBatches(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()

	first := New(testConfig(), zaptest.NewLogger(t), WithRepository(repo), WithWorkExecutor(newFakeWork()))
	require.NoError(t, first.Initialize(ctx))

	dep, err := first.CreateTask(ctx, TaskSpec{Title: "extract", Action: "noop"})
	require.NoError(t, err)
	dependent, err := first.CreateTask(ctx, TaskSpec{Title: "load", Action: "noop", Dependencies: []string{dep.ID}})
	require.NoError(t, err)

	result, err := first.Execute(ctx, dep.ID)
	require.NoError(t, err)
	require.True(t, result.Success)

	batch, err := first.CreateBatch(ctx, BatchSpec{
		Name:  "nightly",
		Tasks: []TaskSpec{{Title: "one", Action: "noop"}, {Title: "two", Action: "noop"}},
	})
	require.NoError(t, err)
	require.Len(t, batch.TaskIDs, 2)
	result, err = first.Execute(ctx, batch.TaskIDs[0])
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NoError(t, first.Shutdown(ctx))

	second := newTestScheduler(t, testConfig(), WithRepository(repo), WithWorkExecutor(newFakeWork()))

	t.Run("Dependencies", func(t *testing.T) {
		task, err := second.GetTask(dep.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, task.Status)

		result, err := second.Execute(ctx, dependent.ID)
		require.NoError(t, err)
		assert.True(t, result.Success, result.Error)
	})

	t.Run("Batches", func(t *testing.T) {
		stored, err := second.GetBatch(batch.ID)
		require.NoError(t, err)
		assert.Equal(t, "nightly", stored.Name)
		assert.Equal(t, batch.TaskIDs, stored.TaskIDs)
		assert.Len(t, second.ListBatches(BatchFilter{}), 1)

		cancelled, err := second.CancelBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusFailed, cancelled.Status)

		task, err := second.GetTask(batch.TaskIDs[1])
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCancelled, task.Status)
		task, err = second.GetTask(batch.TaskIDs[0])
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, task.Status)
	})
}

func TestInitializeRetriesFailedLoad(t *testing.T) {
	repo := newFakeRepo()
	repo.loadErr = errors.New("store unavailable")

	cfg := testConfig()
	cfg.LoadRetryDelay = 20 * time.Millisecond
	s := newTestScheduler(t, cfg, WithRepository(repo))

	// Initialization succeeds in memory
	_, err := s.CreateTask(context.Background(), TaskSpec{Title: "in memory"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return repo.Loads() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTaskAPI(t *testing.T) {
	ctx := context.Background()
	repo := newFakeRepo()
	s := newTestScheduler(t, testConfig(), WithRepository(repo))

	t.Run("Create", func(t *testing.T) {
		task, err := s.CreateTask(ctx, TaskSpec{Title: "unscheduled", Priority: 0.4})
		require.NoError(t, err)
		assert.NotEmpty(t, task.ID)
		assert.Equal(t, model.TaskStatusPending, task.Status)

		scheduled, err := s.CreateTask(ctx, TaskSpec{
			Title:    "interval",
			Schedule: &model.Schedule{Interval: time.Minute},
		})
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusScheduled, scheduled.Status)

		repo.mu.Lock()
		_, persisted := repo.tasks[scheduled.ID]
		repo.mu.Unlock()
		assert.True(t, persisted)
	})

	t.Run("Create Invalid", func(t *testing.T) {
		_, err := s.CreateTask(ctx, TaskSpec{})
		assert.ErrorIs(t, err, ErrInvalidTask)

		now := time.Now()
		_, err = s.CreateTask(ctx, TaskSpec{
			Title:    "both forms",
			Schedule: &model.Schedule{At: &now, Interval: time.Minute},
		})
		assert.ErrorIs(t, err, ErrInvalidSchedule)
	})

	t.Run("List With Filter", func(t *testing.T) {
		min := 0.3
		tasks := s.ListTasks(TaskFilter{
			Status:      []model.TaskStatus{model.TaskStatusPending},
			MinPriority: &min,
		})
		require.Len(t, tasks, 1)
		assert.Equal(t, "unscheduled", tasks[0].Title)

		assert.Len(t, s.ListTasks(TaskFilter{Limit: 1}), 1)
		assert.Empty(t, s.ListTasks(TaskFilter{Offset: 100}))
	})

	t.Run("Update", func(t *testing.T) {
		task, err := s.CreateTask(ctx, TaskSpec{Title: "before"})
		require.NoError(t, err)

		title := "after"
		priority := 0.8
		updated, err := s.UpdateTask(ctx, task.ID, TaskUpdate{
			Title:    &title,
			Priority: &priority,
			Schedule: &model.Schedule{Interval: time.Hour},
		})
		require.NoError(t, err)
		assert.Equal(t, "after", updated.Title)
		assert.Equal(t, 0.8, updated.Priority)
		assert.Equal(t, model.TaskStatusScheduled, updated.Status)
	})

	t.Run("Update Rejects Cycle", func(t *testing.T) {
		a, err := s.CreateTask(ctx, TaskSpec{Title: "a"})
		require.NoError(t, err)
		b, err := s.CreateTask(ctx, TaskSpec{Title: "b", Dependencies: []string{a.ID}})
		require.NoError(t, err)

		deps := []string{b.ID}
		_, err = s.UpdateTask(ctx, a.ID, TaskUpdate{Dependencies: &deps})
		assert.ErrorIs(t, err, ErrCircularDependency)
	})

	t.Run("Delete", func(t *testing.T) {
		task, err := s.CreateTask(ctx, TaskSpec{Title: "doomed"})
		require.NoError(t, err)

		require.NoError(t, s.DeleteTask(ctx, task.ID))
		_, err = s.GetTask(task.ID)
		assert.ErrorIs(t, err, ErrTaskNotFound)
		assert.ErrorIs(t, s.DeleteTask(ctx, task.ID), ErrTaskNotFound)

		repo.mu.Lock()
		_, persisted := repo.tasks[task.ID]
		repo.mu.Unlock()
		assert.False(t, persisted)
	})
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		work := newFakeWork()
		work.results["summarize"] = map[string]interface{}{"summary": "ok"}
		s := newTestScheduler(t, testConfig(), WithWorkExecutor(work))

		task, err := s.CreateTask(ctx, TaskSpec{Title: "t", Action: "summarize"})
		require.NoError(t, err)

		result, err := s.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, model.TaskStatusCompleted, result.Status)
		assert.Equal(t, "ok", result.Result["summary"])

		stored, err := s.GetTask(task.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusCompleted, stored.Status)
		assert.NotNil(t, stored.StartedAt)
		assert.NotNil(t, stored.CompletedAt)
		assert.Equal(t, "ok", stored.Result["summary"])

		result, err = s.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, msgAlreadyCompleted, result.Error)
	})

	t.Run("Unknown Task", func(t *testing.T) {
		s := newTestScheduler(t, testConfig())
		result, err := s.Execute(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, msgTaskNotFound, result.Error)
	})

	t.Run("No Action", func(t *testing.T) {
		s := newTestScheduler(t, testConfig(), WithWorkExecutor(newFakeWork()))
		task, err := s.CreateTask(ctx, TaskSpec{Title: "empty"})
		require.NoError(t, err)

		result, err := s.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, msgNoAction, result.Error)

		stored, _ := s.GetTask(task.ID)
		assert.Equal(t, model.TaskStatusFailed, stored.Status)
		assert.Equal(t, 1, stored.RetryAttempts)
	})

	t.Run("Failure", func(t *testing.T) {
		work := newFakeWork()
		work.errs["flaky"] = errors.New("upstream unavailable")
		s := newTestScheduler(t, testConfig(), WithWorkExecutor(work))

		task, err := s.CreateTask(ctx, TaskSpec{Title: "t", Action: "flaky"})
		require.NoError(t, err)

		result, err := s.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, model.TaskStatusFailed, result.Status)
		assert.Equal(t, "upstream unavailable", result.Error)

		stored, _ := s.GetTask(task.ID)
		assert.Equal(t, "upstream unavailable", stored.LastError)
		assert.Equal(t, 1, stored.RetryAttempts)

		metrics := s.Metrics()
		assert.Equal(t, int64(1), metrics.TotalExecutions)
		assert.Equal(t, int64(1), metrics.FailedExecutions)
	})

	t.Run("Timeout", func(t *testing.T) {
		work := newFakeWork()
		work.block = make(chan struct{})
		defer close(work.block)
		s := newTestScheduler(t, testConfig(), WithWorkExecutor(work))

		task, err := s.CreateTask(ctx, TaskSpec{Title: "slow", Action: "wait", Timeout: 20 * time.Millisecond})
		require.NoError(t, err)

		result, err := s.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "timed out")

		stored, _ := s.GetTask(task.ID)
		assert.Equal(t, model.TaskStatusFailed, stored.Status)
	})
}

func TestIntervalIdempotence(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestScheduler(t, testConfig(), WithClock(clock.Now), WithWorkExecutor(newFakeWork()))

	task, err := s.CreateTask(ctx, TaskSpec{
		Title:    "heartbeat",
		Action:   "ping",
		Schedule: &model.Schedule{StartAfter: time.Minute, Interval: 10 * time.Minute},
	})
	require.NoError(t, err)

	created := clock.Now()
	firstDue := created.Add(time.Minute + 10*time.Minute)

	assert.Empty(t, s.DueTasks(firstDue.Add(-time.Second)))
	assert.Len(t, s.DueTasks(firstDue), 1)

	clock.Advance(firstDue.Sub(created))
	result, err := s.Execute(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, model.TaskStatusScheduled, result.Status)

	t1 := clock.Now()
	assert.Empty(t, s.DueTasks(t1))
	assert.Empty(t, s.DueTasks(t1.Add(10*time.Minute-time.Second)))
	assert.Len(t, s.DueTasks(t1.Add(10*time.Minute)), 1)

	stored, _ := s.GetTask(task.ID)
	require.NotNil(t, stored.Schedule.LastExecutionTime)
	assert.True(t, stored.Schedule.LastExecutionTime.Equal(t1))
}

func TestConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	work := newFakeWork()
	work.block = make(chan struct{})

	cfg := testConfig()
	cfg.MaxConcurrentTasks = 2
	s := newTestScheduler(t, cfg, WithClock(clock.Now), WithWorkExecutor(work))

	for i := 0; i < 5; i++ {
		_, err := s.CreateTask(ctx, TaskSpec{Title: "t", Action: "wait", Schedule: at(clock.Now())})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, s.Tick(ctx))
	// Slots stay taken whether or not the goroutines have started yet
	assert.Equal(t, 0, s.Tick(ctx))

	assert.Eventually(t, func() bool {
		return len(s.ListTasks(TaskFilter{Status: []model.TaskStatus{model.TaskStatusRunning}})) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Tick(ctx))

	close(work.block)
	require.NoError(t, s.Shutdown(ctx))

	assert.Len(t, s.ListTasks(TaskFilter{Status: []model.TaskStatus{model.TaskStatusCompleted}}), 2)
	assert.Equal(t, 2, s.Tick(ctx))
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	work := newFakeWork()

	cfg := testConfig()
	cfg.MaxConcurrentTasks = 2
	s := newTestScheduler(t, cfg, WithClock(clock.Now), WithWorkExecutor(work))

	for _, p := range []struct {
		action   string
		priority float64
	}{{"p09", 0.9}, {"p05", 0.5}, {"p07", 0.7}} {
		_, err := s.CreateTask(ctx, TaskSpec{
			Title:    p.action,
			Action:   p.action,
			Priority: p.priority,
			Schedule: at(clock.Now()),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 2, s.Tick(ctx))
	require.NoError(t, s.Shutdown(ctx))

	assert.ElementsMatch(t, []string{"p09", "p07"}, work.Calls())
}

func TestDependencyGating(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testConfig(), WithWorkExecutor(newFakeWork()))

	b, err := s.CreateTask(ctx, TaskSpec{Title: "b", Action: "noop"})
	require.NoError(t, err)
	a, err := s.CreateTask(ctx, TaskSpec{Title: "a", Action: "noop", Dependencies: []string{b.ID}})
	require.NoError(t, err)

	result, err := s.Execute(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, msgDependencies, result.Error)

	stored, _ := s.GetTask(a.ID)
	assert.Equal(t, model.TaskStatusPending, stored.Status)

	result, err = s.Execute(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, result.Success)

	result, err = s.Execute(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)

	t.Run("Missing Dependency", func(t *testing.T) {
		c, err := s.CreateTask(ctx, TaskSpec{Title: "c", Action: "noop", Dependencies: []string{"gone"}})
		require.NoError(t, err)
		result, err := s.Execute(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, msgDependencies, result.Error)
	})

	t.Run("Dependencies Disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.EnableTaskDependencies = false
		s := newTestScheduler(t, cfg, WithWorkExecutor(newFakeWork()))
		c, err := s.CreateTask(ctx, TaskSpec{Title: "c", Action: "noop", Dependencies: []string{"gone"}})
		require.NoError(t, err)
		result, err := s.Execute(ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, result.Success)
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	work := newFakeWork()
	work.errs["flaky"] = errors.New("boom")

	cfg := testConfig()
	cfg.MaxRetryAttempts = 2
	s := newTestScheduler(t, cfg, WithWorkExecutor(work))

	task, err := s.CreateTask(ctx, TaskSpec{Title: "t", Action: "flaky"})
	require.NoError(t, err)

	t.Run("Requires Failed", func(t *testing.T) {
		result, err := s.Retry(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, msgNotFailed, result.Error)
	})

	_, err = s.Execute(ctx, task.ID)
	require.NoError(t, err)

	result, err := s.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Len(t, work.Calls(), 2)

	stored, _ := s.GetTask(task.ID)
	require.Equal(t, 2, stored.RetryAttempts)
	require.Equal(t, model.TaskStatusFailed, stored.Status)

	t.Run("Limit Exceeded", func(t *testing.T) {
		result, err := s.Retry(ctx, task.ID)
		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Equal(t, msgRetryLimitExceeded, result.Error)
		assert.Len(t, work.Calls(), 2)

		stored, _ := s.GetTask(task.ID)
		assert.Equal(t, model.TaskStatusFailed, stored.Status)
		assert.Equal(t, 2, stored.RetryAttempts)
	})

	t.Run("Retry Succeeds", func(t *testing.T) {
		work.mu.Lock()
		delete(work.errs, "flaky")
		work.mu.Unlock()

		other, err := s.CreateTask(ctx, TaskSpec{Title: "t2", Action: "flaky"})
		require.NoError(t, err)
		_, err = s.store.Update(other.ID, func(task *model.Task) error {
			task.Status = model.TaskStatusFailed
			task.RetryAttempts = 1
			return nil
		})
		require.NoError(t, err)

		result, err := s.Retry(ctx, other.ID)
		require.NoError(t, err)
		assert.True(t, result.Success)

		events := s.Events(EventFilter{TaskID: other.ID, Types: []model.EventType{model.EventTaskRetried}})
		assert.Len(t, events, 1)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testConfig())

	for _, status := range model.AllTaskStatuses {
		t.Run(string(status), func(t *testing.T) {
			task, err := s.CreateTask(ctx, TaskSpec{Title: string(status)})
			require.NoError(t, err)
			_, err = s.store.Update(task.ID, func(task *model.Task) error {
				task.Status = status
				return nil
			})
			require.NoError(t, err)

			ok, err := s.Cancel(ctx, task.ID)
			require.NoError(t, err)

			stored, _ := s.GetTask(task.ID)
			if status.Schedulable() {
				assert.True(t, ok)
				assert.Equal(t, model.TaskStatusCancelled, stored.Status)
			} else {
				assert.False(t, ok)
				assert.Equal(t, status, stored.Status)
			}
		})
	}

	ok, err := s.Cancel(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatches(t *testing.T) {
	ctx := context.Background()
	s := newTestScheduler(t, testConfig(), WithWorkExecutor(newFakeWork()))

	t.Run("Partial Create", func(t *testing.T) {
		batch, err := s.CreateBatch(ctx, BatchSpec{
			Name:  "partial",
			Tasks: []TaskSpec{{Title: "ok"}, {}, {Title: "also ok"}},
		})
		require.NoError(t, err)
		assert.Len(t, batch.TaskIDs, 2)
		assert.Equal(t, model.BatchStatusPending, batch.Status)

		for _, id := range batch.TaskIDs {
			task, err := s.GetTask(id)
			require.NoError(t, err)
			assert.Equal(t, batch.ID, task.BatchID)
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		batch, err := s.CreateBatch(ctx, BatchSpec{
			Name: "three",
			Tasks: []TaskSpec{
				{Title: "first", Action: "noop"},
				{Title: "second", Action: "noop"},
				{Title: "third", Action: "noop"},
			},
		})
		require.NoError(t, err)
		require.Len(t, batch.TaskIDs, 3)

		result, err := s.Execute(ctx, batch.TaskIDs[0])
		require.NoError(t, err)
		require.True(t, result.Success)

		cancelled, err := s.CancelBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusFailed, cancelled.Status)
		assert.Equal(t, model.BatchFailureCancelled, cancelled.FailureReason)

		first, _ := s.GetTask(batch.TaskIDs[0])
		assert.Equal(t, model.TaskStatusCompleted, first.Status)
		for _, id := range batch.TaskIDs[1:] {
			task, _ := s.GetTask(id)
			assert.Equal(t, model.TaskStatusCancelled, task.Status)
		}

		events := s.Events(EventFilter{BatchID: batch.ID, Types: []model.EventType{model.EventBatchFailed}})
		assert.Len(t, events, 1)
	})

	t.Run("Completes With Members", func(t *testing.T) {
		batch, err := s.CreateBatch(ctx, BatchSpec{
			Name:  "pair",
			Tasks: []TaskSpec{{Title: "a", Action: "noop"}, {Title: "b", Action: "noop"}},
		})
		require.NoError(t, err)

		for _, id := range batch.TaskIDs {
			_, err := s.Execute(ctx, id)
			require.NoError(t, err)
		}

		stored, err := s.GetBatch(batch.ID)
		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusCompleted, stored.Status)
		assert.NotNil(t, stored.CompletedAt)
	})

	t.Run("Queries", func(t *testing.T) {
		_, err := s.GetBatch("missing")
		assert.ErrorIs(t, err, ErrBatchNotFound)

		assert.Len(t, s.ListBatches(BatchFilter{}), 3)
		assert.Len(t, s.ListBatches(BatchFilter{Status: []model.BatchStatus{model.BatchStatusFailed}}), 1)
		assert.Equal(t, 3, s.Metrics().TotalBatches)
	})
}

func TestAggregateStatus(t *testing.T) {
	task := func(status model.TaskStatus) *model.Task {
		return &model.Task{Status: status}
	}

	assert.Equal(t, model.BatchStatusPending, aggregateStatus(nil))
	assert.Equal(t, model.BatchStatusPending, aggregateStatus([]*model.Task{task(model.TaskStatusPending)}))
	assert.Equal(t, model.BatchStatusRunning, aggregateStatus([]*model.Task{task(model.TaskStatusRunning), task(model.TaskStatusCompleted)}))
	assert.Equal(t, model.BatchStatusRunning, aggregateStatus([]*model.Task{task(model.TaskStatusPending), task(model.TaskStatusCompleted)}))
	assert.Equal(t, model.BatchStatusCompleted, aggregateStatus([]*model.Task{task(model.TaskStatusCompleted), task(model.TaskStatusCompleted)}))
	assert.Equal(t, model.BatchStatusFailed, aggregateStatus([]*model.Task{task(model.TaskStatusFailed), task(model.TaskStatusCompleted)}))
}

type recordingTracker struct {
	mu     sync.Mutex
	calls  int
	tokens int
	within bool
}

func (r *recordingTracker) RecordAPICall() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
}

func (r *recordingTracker) RecordTokens(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens += n
}

func (r *recordingTracker) Current() model.ResourceUtilization {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.ResourceUtilization{APICallsPerMinute: float64(r.calls), TokensPerMinute: float64(r.tokens)}
}

func (r *recordingTracker) WithinLimits() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.within
}

func TestResourceTrackerFeed(t *testing.T) {
	ctx := context.Background()
	work := newFakeWork()
	work.results["llm"] = map[string]interface{}{tokensUsedKey: float64(120)}
	tracker := &recordingTracker{within: true}
	s := newTestScheduler(t, testConfig(), WithWorkExecutor(work), WithResourceTracker(tracker))

	task, err := s.CreateTask(ctx, TaskSpec{Title: "t", Action: "llm"})
	require.NoError(t, err)
	_, err = s.Execute(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, tracker.calls)
	assert.Equal(t, 120, tracker.tokens)
	assert.True(t, s.CanAdmit())

	tracker.within = false
	assert.False(t, s.CanAdmit())

	metrics := s.Metrics()
	require.NotNil(t, metrics.Resources)
	assert.Equal(t, float64(120), metrics.Resources.TokensPerMinute)
}
