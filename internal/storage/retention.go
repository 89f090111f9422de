package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// HistoryPruner deletes execution history older than a cutoff
type HistoryPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// RetentionJob prunes execution history on a cron schedule
type RetentionJob struct {
	logger    *zap.Logger
	pruner    HistoryPruner
	retention time.Duration
	schedule  string
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
}

// NewRetentionJob creates a job that keeps retention worth of history and runs
// on schedule, a standard cron expression or descriptor such as "@daily"
func NewRetentionJob(pruner HistoryPruner, retention time.Duration, schedule string, logger *zap.Logger) *RetentionJob {
	if schedule == "" {
		schedule = "@daily"
	}
	return &RetentionJob{
		logger:    logger.Named("retention"),
		pruner:    pruner,
		retention: retention,
		schedule:  schedule,
		now:       time.Now,
	}
}

// Start registers the job and starts the cron runner
func (j *RetentionJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return nil
	}
	if j.retention <= 0 {
		j.logger.Info("History retention disabled")
		return nil
	}

	cl := &cronLogger{logger: j.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	entryID, err := c.AddFunc(j.schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.logger.Error("History cleanup failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", j.schedule, err)
	}

	c.Start()
	j.cron = c
	j.entryID = entryID
	j.logger.Info("History retention started",
		zap.String("schedule", j.schedule),
		zap.Duration("retention", j.retention),
		zap.Time("next_run", c.Entry(entryID).Next))
	return nil
}

// Stop stops the cron runner and waits for a running cleanup
func (j *RetentionJob) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// RunOnce deletes history older than the retention period
func (j *RetentionJob) RunOnce(ctx context.Context) (int64, error) {
	before := j.now().Add(-j.retention)
	deleted, err := j.pruner.DeleteBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	j.logger.Info("History cleanup finished",
		zap.Time("before", before),
		zap.Int64("deleted", deleted))
	return deleted, nil
}
