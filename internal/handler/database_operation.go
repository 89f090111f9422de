package handler

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// DBOperationType defines the type of database operation
type DBOperationType string

const (
	DBOperationQuery DBOperationType = "query"
	DBOperationExec  DBOperationType = "exec"
)

// DBOperationPayload represents the parameters of a database_operation task
type DBOperationPayload struct {
	Operation DBOperationType `mapstructure:"operation"`
	Query     string          `mapstructure:"query"`
	Args      []interface{}   `mapstructure:"args"`
}

// DatabaseOperationHandler runs SQL against the scheduler's database
type DatabaseOperationHandler struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewDatabaseOperationHandler creates a new database operation handler
func NewDatabaseOperationHandler(logger *zap.Logger, db *sql.DB) *DatabaseOperationHandler {
	return &DatabaseOperationHandler{
		logger: logger.Named("database-operation"),
		db:     db,
	}
}

// Execute performs the database operation
func (h *DatabaseOperationHandler) Execute(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	var payload DBOperationPayload
	if err := decodeParams(params, &payload); err != nil {
		return nil, err
	}
	if payload.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	h.logger.Info("Executing database operation",
		zap.String("operation", string(payload.Operation)),
		zap.String("query", payload.Query))

	switch payload.Operation {
	case DBOperationQuery:
		rows, err := h.executeQuery(ctx, payload.Query, payload.Args...)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"rows": rows, "count": len(rows)}, nil
	case DBOperationExec:
		return h.executeExec(ctx, payload.Query, payload.Args...)
	default:
		return nil, fmt.Errorf("unsupported operation: %s", payload.Operation)
	}
}

func (h *DatabaseOperationHandler) executeQuery(ctx context.Context, query string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	results := []map[string]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		for i := range values {
			values[i] = new(interface{})
		}

		if err := rows.Scan(values...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]interface{}, len(columns))
		for i, column := range columns {
			v := *(values[i].(*interface{}))
			// TEXT columns scan as []byte
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[column] = v
		}
		results = append(results, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return results, nil
}

func (h *DatabaseOperationHandler) executeExec(ctx context.Context, query string, args ...interface{}) (map[string]interface{}, error) {
	result, err := h.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute statement: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}

	lastID, err := result.LastInsertId()
	if err != nil {
		// Not all databases support LastInsertId
		lastID = 0
	}

	return map[string]interface{}{
		"affected_rows":  affected,
		"last_insert_id": lastID,
	}, nil
}
