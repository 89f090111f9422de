package handler

import (
	"context"
	"time"
)

type sleepPayload struct {
	Duration time.Duration `mapstructure:"duration"`
}

// sleep waits for the given duration or until ctx is done
func sleep(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	var payload sleepPayload
	if err := decodeParams(params, &payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(payload.Duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]interface{}{"slept": payload.Duration.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
