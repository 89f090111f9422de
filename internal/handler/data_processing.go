package handler

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// DataProcessingPayload represents the parameters of a data_processing task
type DataProcessingPayload struct {
	Data       []float64              `mapstructure:"data"`
	Operation  string                 `mapstructure:"operation"`
	Parameters map[string]interface{} `mapstructure:"parameters"`
}

// DataProcessor defines the interface for data processing operations
type DataProcessor interface {
	Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error)
}

// DataProcessingHandler handles data processing tasks
type DataProcessingHandler struct {
	logger     *zap.Logger
	processors map[string]DataProcessor
}

// NewDataProcessingHandler creates a handler with the filter, transform and
// aggregate processors registered
func NewDataProcessingHandler(logger *zap.Logger) *DataProcessingHandler {
	h := &DataProcessingHandler{
		logger:     logger.Named("data-processing"),
		processors: make(map[string]DataProcessor),
	}

	h.RegisterProcessor("filter", &FilterProcessor{})
	h.RegisterProcessor("transform", &TransformProcessor{})
	h.RegisterProcessor("aggregate", &AggregateProcessor{})

	return h
}

// RegisterProcessor registers a new data processor
func (h *DataProcessingHandler) RegisterProcessor(operation string, processor DataProcessor) {
	h.processors[operation] = processor
}

// Execute performs the data processing task
func (h *DataProcessingHandler) Execute(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	var payload DataProcessingPayload
	if err := decodeParams(params, &payload); err != nil {
		return nil, err
	}

	processor, ok := h.processors[payload.Operation]
	if !ok {
		return nil, fmt.Errorf("unknown operation: %s", payload.Operation)
	}

	h.logger.Info("Processing data",
		zap.String("operation", payload.Operation),
		zap.Int("items", len(payload.Data)))

	result, err := processor.Process(ctx, payload.Data, payload.Parameters)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"operation": payload.Operation,
		"result":    result,
	}, nil
}

type filterParams struct {
	Min *float64 `mapstructure:"min"`
	Max *float64 `mapstructure:"max"`
}

// FilterProcessor keeps values within the optional [min, max] range
type FilterProcessor struct{}

func (p *FilterProcessor) Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error) {
	var fp filterParams
	if err := decodeParams(params, &fp); err != nil {
		return nil, err
	}

	out := make([]float64, 0, len(data))
	for _, v := range data {
		if fp.Min != nil && v < *fp.Min {
			continue
		}
		if fp.Max != nil && v > *fp.Max {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

type transformParams struct {
	Scale  *float64 `mapstructure:"scale"`
	Offset float64  `mapstructure:"offset"`
}

// TransformProcessor maps each value v to v*scale+offset
type TransformProcessor struct{}

func (p *TransformProcessor) Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error) {
	var tp transformParams
	if err := decodeParams(params, &tp); err != nil {
		return nil, err
	}
	scale := 1.0
	if tp.Scale != nil {
		scale = *tp.Scale
	}

	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = v*scale + tp.Offset
	}
	return out, nil
}

type aggregateParams struct {
	Function string `mapstructure:"function"`
}

// AggregateProcessor reduces the values with sum, avg, min, max or count
type AggregateProcessor struct{}

func (p *AggregateProcessor) Process(ctx context.Context, data []float64, params map[string]interface{}) (interface{}, error) {
	var ap aggregateParams
	if err := decodeParams(params, &ap); err != nil {
		return nil, err
	}

	switch ap.Function {
	case "count":
		return len(data), nil
	case "sum", "":
		return sum(data), nil
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%s of empty data", ap.Function)
	}

	switch ap.Function {
	case "avg":
		return sum(data) / float64(len(data)), nil
	case "min":
		m := math.Inf(1)
		for _, v := range data {
			m = math.Min(m, v)
		}
		return m, nil
	case "max":
		m := math.Inf(-1)
		for _, v := range data {
			m = math.Max(m, v)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unknown aggregate function: %s", ap.Function)
	}
}

func sum(data []float64) float64 {
	var s float64
	for _, v := range data {
		s += v
	}
	return s
}
