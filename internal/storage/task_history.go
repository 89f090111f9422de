package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/agent-scheduler/internal/model"
)

const historyColumns = "id, task_id, title, action, status, parameters, result, error, started_at, completed_at, duration"

// Store implements scheduler.HistoryStore
func (s *SQLiteStore) Store(ctx context.Context, record *model.ExecutionRecord) error {
	params, err := marshalMap(record.Parameters)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_history (
			id, task_id, title, action, status, parameters, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.TaskID,
		record.Title,
		record.Action,
		record.Status,
		params,
		record.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

// Update implements scheduler.HistoryStore
func (s *SQLiteStore) Update(ctx context.Context, record *model.ExecutionRecord) error {
	result, err := marshalMap(record.Result)
	if err != nil {
		return err
	}

	var completedAt sql.NullTime
	if record.CompletedAt != nil {
		completedAt = sql.NullTime{Time: record.CompletedAt.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_history SET
			status = ?,
			result = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		record.Status,
		result,
		sql.NullString{String: record.Error, Valid: record.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(record.Duration), Valid: record.Duration != 0},
		record.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task history: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves an execution record by ID
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+historyColumns+" FROM task_history WHERE id = ?", id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// List implements scheduler.HistoryStore. Records are returned newest first;
// a non-positive limit returns all of them.
func (s *SQLiteStore) List(ctx context.Context, filter model.HistoryFilter, offset, limit int) ([]*model.ExecutionRecord, error) {
	where, args := historyWhere(filter)
	if limit <= 0 {
		limit = -1
	}
	query := "SELECT " + historyColumns + " FROM task_history" + where +
		" ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var records []*model.ExecutionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

// Count returns the number of records matching filter
func (s *SQLiteStore) Count(ctx context.Context, filter model.HistoryFilter) (int, error) {
	where, args := historyWhere(filter)

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// DeleteBefore deletes records started before the given time and returns how
// many were removed
func (s *SQLiteStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE started_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// historyWhere builds the WHERE clause for filter from fixed column names
func historyWhere(filter model.HistoryFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	if filter.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.ExecutionRecord, error) {
	record := &model.ExecutionRecord{}
	var action, params, result, errorStr sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&record.ID,
		&record.TaskID,
		&record.Title,
		&action,
		&record.Status,
		&params,
		&result,
		&errorStr,
		&record.StartedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}

	record.Action = action.String
	record.Error = errorStr.String
	if record.Parameters, err = unmarshalMap(params); err != nil {
		return nil, err
	}
	if record.Result, err = unmarshalMap(result); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		record.Duration = time.Duration(durationNanos.Int64)
	}
	return record, nil
}

func marshalMap(m map[string]interface{}) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal map: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]interface{}, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal map: %w", err)
	}
	return m, nil
}
