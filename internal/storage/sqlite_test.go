package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agent-scheduler/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLite(zaptest.NewLogger(t), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteTaskRepository(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	at := now.Add(time.Hour)

	task := &model.Task{
		ID:         "t1",
		Title:      "report",
		Status:     model.TaskStatusScheduled,
		Priority:   0.7,
		Schedule:   &model.Schedule{At: &at},
		Action:     "http_request",
		Parameters: map[string]interface{}{"url": "http://example.com"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, store.Save(ctx, task))
	require.NoError(t, store.Save(ctx, &model.Task{ID: "t2", Title: "done", Status: model.TaskStatusCompleted, UpdatedAt: now}))

	t.Run("QueryByStatus", func(t *testing.T) {
		tasks, err := store.QueryByStatus(ctx, model.TaskStatusPending, model.TaskStatusScheduled)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "report", tasks[0].Title)
		assert.Equal(t, 0.7, tasks[0].Priority)
		require.NotNil(t, tasks[0].Schedule)
		assert.True(t, tasks[0].Schedule.At.Equal(at))
		assert.Equal(t, "http://example.com", tasks[0].Parameters["url"])

		tasks, err = store.QueryByStatus(ctx)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("Save Upserts", func(t *testing.T) {
		task.Status = model.TaskStatusFailed
		task.LastError = "boom"
		require.NoError(t, store.Save(ctx, task))

		tasks, err := store.QueryByStatus(ctx, model.TaskStatusScheduled)
		require.NoError(t, err)
		assert.Empty(t, tasks)

		tasks, err = store.QueryByStatus(ctx, model.TaskStatusFailed)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "boom", tasks[0].LastError)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "t1"))
		tasks, err := store.QueryByStatus(ctx, model.AllTaskStatuses...)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, "t2", tasks[0].ID)
	})

	t.Run("Batches", func(t *testing.T) {
		batch := &model.TaskBatch{ID: "b1", Name: "nightly", TaskIDs: []string{"t1"}, Status: model.BatchStatusPending, UpdatedAt: now}
		require.NoError(t, store.SaveBatch(ctx, batch))

		batch.Status = model.BatchStatusFailed
		batch.FailureReason = model.BatchFailureCancelled
		require.NoError(t, store.SaveBatch(ctx, batch))

		loaded, err := store.GetBatch(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, model.BatchStatusFailed, loaded.Status)
		assert.Equal(t, []string{"t1"}, loaded.TaskIDs)

		_, err = store.GetBatch(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.SaveBatch(ctx, &model.TaskBatch{ID: "b2", Name: "weekly", UpdatedAt: now.Add(time.Second)}))
		batches, err := store.ListBatches(ctx)
		require.NoError(t, err)
		require.Len(t, batches, 2)
		assert.Equal(t, "b1", batches[0].ID)
		assert.Equal(t, model.BatchFailureCancelled, batches[0].FailureReason)
		assert.Equal(t, "weekly", batches[1].Name)
	})
}

func TestSQLiteTaskHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)

	for i, status := range []model.TaskStatus{model.TaskStatusCompleted, model.TaskStatusFailed, model.TaskStatusCompleted} {
		record := &model.ExecutionRecord{
			ID:         string(rune('a' + i)),
			TaskID:     "task-1",
			Title:      "sync",
			Action:     "http_request",
			Status:     model.TaskStatusRunning,
			Parameters: map[string]interface{}{"attempt": float64(i)},
			StartedAt:  base.Add(time.Duration(i) * 24 * time.Hour),
		}
		require.NoError(t, store.Store(ctx, record))

		completed := record.StartedAt.Add(time.Second)
		record.Status = status
		record.CompletedAt = &completed
		record.Duration = time.Second
		record.Result = map[string]interface{}{"ok": status == model.TaskStatusCompleted}
		if status == model.TaskStatusFailed {
			record.Error = "timeout"
		}
		require.NoError(t, store.Update(ctx, record))
	}

	t.Run("Get", func(t *testing.T) {
		record, err := store.Get(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, model.TaskStatusFailed, record.Status)
		assert.Equal(t, "timeout", record.Error)
		assert.Equal(t, time.Second, record.Duration)
		assert.Equal(t, float64(1), record.Parameters["attempt"])
		require.NotNil(t, record.CompletedAt)

		_, err = store.Get(ctx, "zzz")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("List", func(t *testing.T) {
		records, err := store.List(ctx, model.HistoryFilter{}, 0, 0)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "c", records[0].ID)

		records, err = store.List(ctx, model.HistoryFilter{Status: model.TaskStatusCompleted}, 0, 10)
		require.NoError(t, err)
		assert.Len(t, records, 2)

		records, err = store.List(ctx, model.HistoryFilter{TaskID: "task-1", Action: "http_request"}, 1, 1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "b", records[0].ID)

		count, err := store.Count(ctx, model.HistoryFilter{Status: model.TaskStatusFailed})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("Update Missing", func(t *testing.T) {
		err := store.Update(ctx, &model.ExecutionRecord{ID: "zzz", Status: model.TaskStatusFailed})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DeleteBefore", func(t *testing.T) {
		deleted, err := store.DeleteBefore(ctx, base.Add(36*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		count, err := store.Count(ctx, model.HistoryFilter{})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "scheduler.db")

	store, err := OpenSQLite(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &model.Task{ID: "t1", Title: "keep", Status: model.TaskStatusPending}))
	require.NoError(t, store.Close())

	store, err = OpenSQLite(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer store.Close()

	tasks, err := store.QueryByStatus(ctx, model.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "keep", tasks[0].Title)
}

func TestRetentionJob(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now().UTC()

	require.NoError(t, store.Store(ctx, &model.ExecutionRecord{ID: "old", TaskID: "t", Title: "t", Status: model.TaskStatusCompleted, StartedAt: now.Add(-10 * 24 * time.Hour)}))
	require.NoError(t, store.Store(ctx, &model.ExecutionRecord{ID: "new", TaskID: "t", Title: "t", Status: model.TaskStatusCompleted, StartedAt: now.Add(-time.Hour)}))

	job := NewRetentionJob(store, 7*24*time.Hour, "@every 1h", zaptest.NewLogger(t))
	deleted, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	require.NoError(t, job.Start())
	job.Stop()

	bad := NewRetentionJob(store, time.Hour, "not a schedule", zaptest.NewLogger(t))
	assert.Error(t, bad.Start())
}
