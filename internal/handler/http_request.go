package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// HTTPRequestPayload represents the parameters of an http_request task
type HTTPRequestPayload struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Query   map[string]string `mapstructure:"query"`
	Body    string            `mapstructure:"body"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// HTTPRequestHandler handles HTTP request tasks
type HTTPRequestHandler struct {
	logger *zap.Logger
	client *resty.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler. timeout bounds
// requests whose payload does not set one.
func NewHTTPRequestHandler(logger *zap.Logger, timeout time.Duration) *HTTPRequestHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRequestHandler{
		logger: logger.Named("http-request"),
		client: resty.New().SetTimeout(timeout),
	}
}

// Execute performs the HTTP request. A 4xx or 5xx response is an error.
func (h *HTTPRequestHandler) Execute(ctx context.Context, params map[string]interface{}) (map[string]interface{}, error) {
	var payload HTTPRequestPayload
	if err := decodeParams(params, &payload); err != nil {
		return nil, err
	}
	if payload.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	method := strings.ToUpper(payload.Method)
	if method == "" {
		method = "GET"
	}

	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	req := h.client.R().SetContext(ctx)
	if len(payload.Headers) > 0 {
		req = req.SetHeaders(payload.Headers)
	}
	if len(payload.Query) > 0 {
		req = req.SetQueryParams(payload.Query)
	}
	if payload.Body != "" {
		req = req.SetBody([]byte(payload.Body))
	}

	h.logger.Info("Executing HTTP request",
		zap.String("method", method),
		zap.String("url", payload.URL))

	rsp, err := req.Execute(method, payload.URL)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	result := map[string]interface{}{
		"status_code": rsp.StatusCode(),
		"headers":     flattenHeaders(rsp.Header()),
	}

	// JSON bodies are returned decoded so dependents can read fields
	var body interface{}
	if err := json.Unmarshal(rsp.Body(), &body); err == nil {
		result["body"] = body
	} else {
		result["body"] = string(rsp.Body())
	}

	if rsp.StatusCode() >= 400 {
		return nil, fmt.Errorf("HTTP request failed with status: %d", rsp.StatusCode())
	}
	return result, nil
}

func flattenHeaders(header map[string][]string) map[string]interface{} {
	out := make(map[string]interface{}, len(header))
	for k, v := range header {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
