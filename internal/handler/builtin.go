package handler

import (
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// Config configures the built-in actions
type Config struct {
	// BaseDir confines file_operation paths
	BaseDir     string        `mapstructure:"base_dir"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	SMTP        SMTPConfig    `mapstructure:"smtp"`
}

// Built-in action names
const (
	ActionHTTPRequest       = "http_request"
	ActionShellCommand      = "shell_command"
	ActionDataProcessing    = "data_processing"
	ActionFileOperation     = "file_operation"
	ActionDatabaseOperation = "database_operation"
	ActionNotification      = "notification"
	ActionSleep             = "sleep"
)

// NewDefaultRegistry registers every built-in action. db backs
// database_operation and may be nil, in which case that action is omitted.
func NewDefaultRegistry(cfg Config, db *sql.DB, logger *zap.Logger) *Registry {
	r := NewRegistry(logger)

	r.Register(ActionHTTPRequest, NewHTTPRequestHandler(logger, cfg.HTTPTimeout))
	r.Register(ActionShellCommand, NewShellCommandHandler(logger))
	r.Register(ActionDataProcessing, NewDataProcessingHandler(logger))
	r.Register(ActionNotification, NewNotificationHandler(logger, cfg.SMTP))
	r.Register(ActionSleep, HandlerFunc(sleep))
	if cfg.BaseDir != "" {
		r.Register(ActionFileOperation, NewFileOperationHandler(logger, cfg.BaseDir))
	}
	if db != nil {
		r.Register(ActionDatabaseOperation, NewDatabaseOperationHandler(logger, db))
	}

	return r
}
