package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"go.uber.org/zap"
)

// ErrUnknownAction is returned when no handler is registered for an action
var ErrUnknownAction = errors.New("unknown action")

// Handler performs one kind of delegated task work
type Handler interface {
	Execute(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error)

// Execute calls f
func (f HandlerFunc) Execute(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, params)
}

// Registry resolves action names to handlers. It implements the scheduler's
// WorkExecutor port.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("actions"),
		handlers: make(map[string]Handler),
	}
}

// Register adds or replaces the handler for action
func (r *Registry) Register(action string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = h
}

// Actions returns the registered action names in sorted order
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Perform runs the handler registered for action
func (r *Registry) Perform(ctx context.Context, action string, params map[string]interface{}) (map[string]interface{}, error) {
	r.mu.RLock()
	h, ok := r.handlers[action]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}

	start := time.Now()
	result, err := h.Execute(ctx, params)
	if err != nil {
		r.logger.Debug("Action failed",
			zap.String("action", action),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	r.logger.Debug("Action completed",
		zap.String("action", action),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

// decodeParams decodes loosely typed task parameters into a payload struct.
// Numbers restored from JSON arrive as float64 and durations as strings.
func decodeParams(params map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("failed to create payload decoder: %w", err)
	}

	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}
