package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ShellCommandPayload represents the parameters of a shell_command task
type ShellCommandPayload struct {
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	Env        map[string]string `mapstructure:"env"`
	WorkingDir string            `mapstructure:"working_dir"`
	Timeout    time.Duration     `mapstructure:"timeout"`
}

// ShellCommandHandler handles shell command execution tasks
type ShellCommandHandler struct {
	logger *zap.Logger
}

// NewShellCommandHandler creates a new shell command handler
func NewShellCommandHandler(logger *zap.Logger) *ShellCommandHandler {
	return &ShellCommandHandler{
		logger: logger.Named("shell-command"),
	}
}

// Execute runs the command and captures its combined output
func (h *ShellCommandHandler) Execute(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	var payload ShellCommandPayload
	if err := decodeParams(params, &payload); err != nil {
		return nil, err
	}
	if payload.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmdCtx := ctx
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, payload.Command, payload.Args...)
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}
	if len(payload.Env) > 0 {
		env := os.Environ()
		for k, v := range payload.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	h.logger.Info("Executing shell command",
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("command execution timed out")
		}
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("command failed: %s", msg)
	}

	return map[string]interface{}{
		"output":    string(output),
		"exit_code": cmd.ProcessState.ExitCode(),
	}, nil
}
