package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogEntry is one line of a task's execution log
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	TaskID    string                 `json:"task_id"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// LogConfig defines configuration for log management
type LogConfig struct {
	LogDir         string        `mapstructure:"log_dir"`
	MaxFileSize    int64         `mapstructure:"max_log_size"`
	MaxAge         time.Duration `mapstructure:"max_log_age"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	RotateInterval time.Duration `mapstructure:"rotate_interval"`
}

// DefaultLogConfig returns the default log settings
func DefaultLogConfig() LogConfig {
	return LogConfig{
		LogDir:         "data/logs",
		MaxFileSize:    10 * 1024 * 1024,
		MaxAge:         7 * 24 * time.Hour,
		FlushInterval:  time.Second,
		RotateInterval: time.Hour,
	}
}

// LogManager buffers per-task log entries and appends them as JSON lines to
// <log_dir>/<task_id>.log. It implements the scheduler's ExecutionLog port.
type LogManager struct {
	logger *zap.Logger
	config LogConfig
	now    func() time.Time

	mu      sync.Mutex
	files   map[string]*os.File
	buffers map[string][]LogEntry

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewLogManager creates a new log manager
func NewLogManager(config LogConfig, logger *zap.Logger) (*LogManager, error) {
	defaults := DefaultLogConfig()
	if config.LogDir == "" {
		config.LogDir = defaults.LogDir
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.RotateInterval <= 0 {
		config.RotateInterval = defaults.RotateInterval
	}

	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &LogManager{
		logger:  logger.Named("log-manager"),
		config:  config,
		now:     time.Now,
		files:   make(map[string]*os.File),
		buffers: make(map[string][]LogEntry),
	}, nil
}

// Start starts the flush and rotation loops
func (lm *LogManager) Start(ctx context.Context) {
	lm.logger.Info("Starting log manager", zap.String("dir", lm.config.LogDir))

	lm.stop = make(chan struct{})
	lm.wg.Add(2)
	go lm.loop(ctx, lm.config.FlushInterval, lm.Flush)
	go lm.loop(ctx, lm.config.RotateInterval, lm.rotateLogs)
}

// Stop stops the loops, flushes pending entries and closes all files
func (lm *LogManager) Stop() {
	lm.logger.Info("Stopping log manager")

	if lm.stop != nil {
		close(lm.stop)
		lm.wg.Wait()
		lm.stop = nil
	}

	lm.Flush()

	lm.mu.Lock()
	defer lm.mu.Unlock()
	for taskID, file := range lm.files {
		file.Close()
		delete(lm.files, taskID)
	}
}

// Log buffers one entry for taskID
func (lm *LogManager) Log(taskID, level, message string, data map[string]interface{}) error {
	if taskID == "" {
		return errors.New("task id is required")
	}
	if strings.ContainsAny(taskID, `/\`) {
		return fmt.Errorf("invalid task id: %s", taskID)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.buffers[taskID] = append(lm.buffers[taskID], LogEntry{
		Timestamp: lm.now(),
		Level:     level,
		TaskID:    taskID,
		Message:   message,
		Data:      data,
	})
	return nil
}

// GetLogs returns the entries for taskID with timestamps within [start, end].
// A zero end means no upper bound.
func (lm *LogManager) GetLogs(taskID string, start, end time.Time) ([]LogEntry, error) {
	lm.Flush()

	file, err := os.Open(lm.logPath(taskID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var logs []LogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}

		if entry.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && entry.Timestamp.After(end) {
			continue
		}
		logs = append(logs, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	return logs, nil
}

// Flush writes buffered entries to disk
func (lm *LogManager) Flush() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for taskID, entries := range lm.buffers {
		if len(entries) == 0 {
			continue
		}

		file, ok := lm.files[taskID]
		if !ok {
			var err error
			file, err = os.OpenFile(lm.logPath(taskID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err != nil {
				lm.logger.Error("Failed to create log file",
					zap.String("task_id", taskID),
					zap.Error(err))
				continue
			}
			lm.files[taskID] = file
		}

		encoder := json.NewEncoder(file)
		for _, entry := range entries {
			if err := encoder.Encode(entry); err != nil {
				lm.logger.Error("Failed to write log entry",
					zap.String("task_id", taskID),
					zap.Error(err))
			}
		}

		delete(lm.buffers, taskID)
	}
}

func (lm *LogManager) logPath(taskID string) string {
	return filepath.Join(lm.config.LogDir, taskID+".log")
}

func (lm *LogManager) loop(ctx context.Context, interval time.Duration, fn func()) {
	defer lm.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lm.stop:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// rotateLogs removes files older than MaxAge and renames files larger than
// MaxFileSize to <name>.1, replacing any previous rotation
func (lm *LogManager) rotateLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	entries, err := os.ReadDir(lm.config.LogDir)
	if err != nil {
		lm.logger.Error("Failed to rotate logs", zap.Error(err))
		return
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(lm.config.LogDir, entry.Name())
		taskID := strings.TrimSuffix(entry.Name(), ".log")

		if lm.config.MaxAge > 0 && now.Sub(info.ModTime()) > lm.config.MaxAge {
			lm.closeFile(taskID)
			if err := os.Remove(path); err != nil {
				lm.logger.Error("Failed to remove old log file",
					zap.String("path", path),
					zap.Error(err))
			}
			continue
		}

		if lm.config.MaxFileSize > 0 && info.Size() > lm.config.MaxFileSize && strings.HasSuffix(entry.Name(), ".log") {
			lm.closeFile(taskID)
			if err := os.Rename(path, path+".1"); err != nil {
				lm.logger.Error("Failed to rotate log file",
					zap.String("path", path),
					zap.Error(err))
			}
		}
	}
}

// closeFile must be called with mu held
func (lm *LogManager) closeFile(taskID string) {
	if file, ok := lm.files[taskID]; ok {
		file.Close()
		delete(lm.files, taskID)
	}
}
