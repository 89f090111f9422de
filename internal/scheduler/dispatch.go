package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// dispatchLoop owns the tick timer of a scheduler
type dispatchLoop struct {
	logger   *zap.Logger
	s        *Scheduler
	interval time.Duration
	catchUp  time.Duration
	stopCh   chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newDispatchLoop(s *Scheduler, interval, catchUp time.Duration, logger *zap.Logger) *dispatchLoop {
	return &dispatchLoop{
		logger:   logger.Named("dispatch"),
		s:        s,
		interval: interval,
		catchUp:  catchUp,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (l *dispatchLoop) start() {
	l.logger.Info("Starting dispatch loop",
		zap.Duration("interval", l.interval),
		zap.Duration("catch_up_delay", l.catchUp))
	go l.run()
}

// stop ends the loop and waits for a tick in progress to return
func (l *dispatchLoop) stop() {
	l.once.Do(func() {
		l.logger.Info("Stopping dispatch loop")
		close(l.stopCh)
	})
	<-l.done
}

func (l *dispatchLoop) run() {
	defer close(l.done)

	// One early tick picks up tasks that came due while the process was down
	catchUp := time.NewTimer(l.catchUp)
	defer catchUp.Stop()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-catchUp.C:
			l.s.Tick(context.Background())
		case <-ticker.C:
			l.s.Tick(context.Background())
		}
	}
}

// Tick runs one admission pass: it finds due tasks, orders them and
// dispatches as many as there are free concurrency slots. Dispatched tasks run
// in the background. It returns the number of tasks dispatched.
func (s *Scheduler) Tick(ctx context.Context) int {
	if err := s.checkReady(); err != nil {
		return 0
	}
	if s.Paused() {
		s.logger.Debug("Tick skipped, scheduler paused")
		return 0
	}

	now := s.now()
	s.stats.ticks.Add(1)
	s.stats.lastTick.Store(now.UnixNano())

	due := s.DueTasks(now)
	if len(due) == 0 {
		return 0
	}

	admitted := s.admit(due)
	if len(admitted) == 0 {
		s.logger.Debug("No free slots for due tasks",
			zap.Int("due", len(due)),
			zap.Int("max_concurrent_tasks", s.cfg.MaxConcurrentTasks))
		return 0
	}

	for _, task := range admitted {
		s.dispatch(ctx, task)
	}

	s.stats.dispatched.Add(int64(len(admitted)))
	s.logger.Info("Dispatched due tasks",
		zap.Int("due", len(due)),
		zap.Int("dispatched", len(admitted)))
	return len(admitted)
}

// admit selects the due tasks that fit in the free slots and marks them in
// flight. Running tasks and tasks admitted by earlier ticks both hold a slot.
func (s *Scheduler) admit(due []*model.Task) []*model.Task {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()

	busy := len(s.inflight)
	for _, task := range s.store.List() {
		if task.Status != model.TaskStatusRunning {
			continue
		}
		if _, ok := s.inflight[task.ID]; !ok {
			busy++
		}
	}

	slots := s.cfg.MaxConcurrentTasks - busy
	if slots <= 0 {
		return nil
	}

	candidates := make([]*model.Task, 0, len(due))
	for _, task := range due {
		if _, ok := s.inflight[task.ID]; !ok {
			candidates = append(candidates, task)
		}
	}
	if s.cfg.EnableTaskPrioritization {
		sortByPriority(candidates)
	}
	if len(candidates) > slots {
		candidates = candidates[:slots]
	}

	for _, task := range candidates {
		s.inflight[task.ID] = struct{}{}
	}
	return candidates
}

// dispatch executes task in its own goroutine. Nothing it does can escape
// into the tick.
func (s *Scheduler) dispatch(ctx context.Context, task *model.Task) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, task.ID)
			s.inflightMu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Task dispatch panicked",
					zap.String("task_id", task.ID),
					zap.Error(fmt.Errorf("%v", r)))
			}
		}()

		result := s.execute(ctx, task.ID)
		if !result.Success {
			s.logger.Debug("Dispatched task did not succeed",
				zap.String("task_id", task.ID),
				zap.String("error", result.Error))
		}
	}()
}
