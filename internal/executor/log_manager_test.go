package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestLogManager(t *testing.T, cfg LogConfig) *LogManager {
	t.Helper()
	if cfg.LogDir == "" {
		cfg.LogDir = t.TempDir()
	}
	lm, err := NewLogManager(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(lm.Stop)
	return lm
}

func TestLogManager(t *testing.T) {
	lm := newTestLogManager(t, LogConfig{})
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	current := base
	lm.now = func() time.Time { return current }

	require.NoError(t, lm.Log("task-1", "info", "started", nil))
	current = base.Add(time.Minute)
	require.NoError(t, lm.Log("task-1", "error", "failed", map[string]interface{}{"error": "boom"}))
	require.NoError(t, lm.Log("task-2", "info", "other", nil))

	t.Run("All", func(t *testing.T) {
		logs, err := lm.GetLogs("task-1", time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "started", logs[0].Message)
		assert.Equal(t, "boom", logs[1].Data["error"])
	})

	t.Run("Range", func(t *testing.T) {
		logs, err := lm.GetLogs("task-1", base.Add(30*time.Second), base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "error", logs[0].Level)
	})

	t.Run("Appends Across Flushes", func(t *testing.T) {
		require.NoError(t, lm.Log("task-2", "info", "again", nil))
		logs, err := lm.GetLogs("task-2", time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Len(t, logs, 2)
	})

	t.Run("Unknown Task", func(t *testing.T) {
		logs, err := lm.GetLogs("missing", time.Time{}, time.Time{})
		require.NoError(t, err)
		assert.Empty(t, logs)
	})

	t.Run("Invalid Task ID", func(t *testing.T) {
		assert.Error(t, lm.Log("", "info", "x", nil))
		assert.Error(t, lm.Log("../escape", "info", "x", nil))
	})
}

func TestLogManagerFlushLoop(t *testing.T) {
	dir := t.TempDir()
	lm := newTestLogManager(t, LogConfig{LogDir: dir, FlushInterval: 10 * time.Millisecond})
	lm.Start(context.Background())

	require.NoError(t, lm.Log("task-1", "info", "hello", nil))
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "task-1.log"))
		return err == nil && strings.Contains(string(data), "hello")
	}, time.Second, 10*time.Millisecond)
}

func TestLogManagerRotation(t *testing.T) {
	dir := t.TempDir()
	lm := newTestLogManager(t, LogConfig{LogDir: dir, MaxFileSize: 100, MaxAge: time.Hour})

	for i := 0; i < 5; i++ {
		require.NoError(t, lm.Log("big", "info", strings.Repeat("x", 50), nil))
	}
	require.NoError(t, lm.Log("small", "info", "x", nil))
	lm.Flush()

	old := filepath.Join(dir, "old.log")
	require.NoError(t, os.WriteFile(old, []byte("{}\n"), 0644))
	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	lm.rotateLogs()

	assert.FileExists(t, filepath.Join(dir, "big.log.1"))
	assert.NoFileExists(t, filepath.Join(dir, "big.log"))
	assert.FileExists(t, filepath.Join(dir, "small.log"))
	assert.NoFileExists(t, old)

	// A new file is opened after rotation
	require.NoError(t, lm.Log("big", "info", "fresh", nil))
	logs, err := lm.GetLogs("big", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "fresh", logs[0].Message)
}
