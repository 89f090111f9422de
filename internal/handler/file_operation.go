package handler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// FileOperationType defines the type of file operation
type FileOperationType string

const (
	FileOperationRead   FileOperationType = "read"
	FileOperationWrite  FileOperationType = "write"
	FileOperationDelete FileOperationType = "delete"
	FileOperationMove   FileOperationType = "move"
	FileOperationCopy   FileOperationType = "copy"
)

// FileOperationPayload represents the parameters of a file_operation task
type FileOperationPayload struct {
	Operation   FileOperationType `mapstructure:"operation"`
	SourcePath  string            `mapstructure:"source_path"`
	TargetPath  string            `mapstructure:"target_path"`
	Content     string            `mapstructure:"content"`
	Permissions os.FileMode       `mapstructure:"permissions"`
}

// FileOperationHandler handles file operations confined to a base directory
type FileOperationHandler struct {
	logger  *zap.Logger
	baseDir string
}

// NewFileOperationHandler creates a new file operation handler
func NewFileOperationHandler(logger *zap.Logger, baseDir string) *FileOperationHandler {
	if abs, err := filepath.Abs(baseDir); err == nil {
		baseDir = abs
	}
	return &FileOperationHandler{
		logger:  logger.Named("file-operation"),
		baseDir: baseDir,
	}
}

// Execute performs the file operation
func (h *FileOperationHandler) Execute(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	var payload FileOperationPayload
	if err := decodeParams(params, &payload); err != nil {
		return nil, err
	}

	sourcePath, err := h.resolve(payload.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("source %w", err)
	}

	var targetPath string
	if payload.Operation == FileOperationMove || payload.Operation == FileOperationCopy {
		if payload.TargetPath == "" {
			return nil, fmt.Errorf("target_path is required for %s", payload.Operation)
		}
		if targetPath, err = h.resolve(payload.TargetPath); err != nil {
			return nil, fmt.Errorf("target %w", err)
		}
	}

	h.logger.Info("Executing file operation",
		zap.String("operation", string(payload.Operation)),
		zap.String("source", sourcePath))

	result := map[string]interface{}{
		"operation": string(payload.Operation),
		"path":      payload.SourcePath,
	}

	switch payload.Operation {
	case FileOperationRead:
		content, err := os.ReadFile(sourcePath)
		if err != nil {
			return nil, err
		}
		result["content"] = string(content)
		result["size"] = len(content)
	case FileOperationWrite:
		err = h.writeFile(sourcePath, []byte(payload.Content), payload.Permissions)
		result["size"] = len(payload.Content)
	case FileOperationDelete:
		err = os.Remove(sourcePath)
	case FileOperationMove:
		err = h.moveFile(sourcePath, targetPath)
		result["target"] = payload.TargetPath
	case FileOperationCopy:
		err = h.copyFile(sourcePath, targetPath)
		result["target"] = payload.TargetPath
	default:
		return nil, fmt.Errorf("unsupported operation: %s", payload.Operation)
	}
	if err != nil {
		return nil, err
	}

	return result, nil
}

// resolve joins path onto the base directory and rejects escapes
func (h *FileOperationHandler) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(h.baseDir, path)
	rel, err := filepath.Rel(h.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path must be within base directory")
	}
	return full, nil
}

func (h *FileOperationHandler) writeFile(path string, content []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, content, perm)
}

func (h *FileOperationHandler) moveFile(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	return os.Rename(source, target)
}

func (h *FileOperationHandler) copyFile(source, target string) error {
	sourceFile, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}

	targetFile, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("failed to create target file: %w", err)
	}
	defer targetFile.Close()

	if _, err = io.Copy(targetFile, sourceFile); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	sourceInfo, err := sourceFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to get source file info: %w", err)
	}

	return os.Chmod(target, sourceInfo.Mode())
}
