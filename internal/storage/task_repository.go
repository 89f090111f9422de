package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/t77yq/agent-scheduler/internal/model"
)

// Save implements scheduler.TaskRepository
func (s *SQLiteStore) Save(ctx context.Context, task *model.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, status, batch_id, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			batch_id = excluded.batch_id,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		task.ID,
		task.Status,
		sql.NullString{String: task.BatchID, Valid: task.BatchID != ""},
		string(data),
		task.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// QueryByStatus implements scheduler.TaskRepository
func (s *SQLiteStore) QueryByStatus(ctx context.Context, statuses ...model.TaskStatus) ([]*model.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = status
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM tasks WHERE status IN ("+strings.Join(placeholders, ", ")+") ORDER BY updated_at",
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		var task model.Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

// Delete implements scheduler.TaskDeleter
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// SaveBatch implements scheduler.BatchSaver
func (s *SQLiteStore) SaveBatch(ctx context.Context, batch *model.TaskBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batches (id, status, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		batch.ID,
		batch.Status,
		string(data),
		batch.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

// GetBatch retrieves a persisted batch by ID
func (s *SQLiteStore) GetBatch(ctx context.Context, id string) (*model.TaskBatch, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM batches WHERE id = ?", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	var batch model.TaskBatch
	if err := json.Unmarshal([]byte(data), &batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return &batch, nil
}

// ListBatches implements scheduler.BatchLoader
func (s *SQLiteStore) ListBatches(ctx context.Context) ([]*model.TaskBatch, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM batches ORDER BY updated_at")
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var batches []*model.TaskBatch
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		var batch model.TaskBatch
		if err := json.Unmarshal([]byte(data), &batch); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
		}
		batches = append(batches, &batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return batches, nil
}
