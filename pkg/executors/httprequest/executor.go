// Package httprequest provides the http_request executor, which hands a node
// invocation to an external generation service over HTTP.
package httprequest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	pslog "github.com/dukex/pipestudio/pkg/log"
	"github.com/dukex/pipestudio/pkg/protocol"
	"github.com/dukex/pipestudio/pkg/template"
)

const defaultTimeoutSeconds = 30

var (
	// ErrHTTPRequestURLInvalid is returned when the config has no usable url.
	ErrHTTPRequestURLInvalid = errors.New("invalid HTTP request url")
	// ErrHTTPServerError is returned when the server answers with a 5xx status.
	ErrHTTPServerError = errors.New("server error during HTTP request")
	// ErrHTTPClientError is returned when the server rejects the request.
	ErrHTTPClientError = errors.New("request rejected by server")
	// ErrInvalidResponse is returned when the body is not a JSON object.
	ErrInvalidResponse = errors.New("response is not a JSON object")
)

// RetryConfig defines in-call retries for transient server errors.
type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// Request is the JSON body posted to the generation service.
type Request struct {
	RunID        string         `json:"runId"`
	ProjectID    string         `json:"projectId"`
	NodeID       string         `json:"nodeId"`
	Step         string         `json:"step,omitempty"`
	Inputs       map[string]any `json:"inputs"`
	Config       map[string]any `json:"config"`
	Project      map[string]any `json:"project,omitempty"`
	SystemPrompt string         `json:"systemPrompt,omitempty"`
	UserPrompt   string         `json:"userPrompt,omitempty"`
	Model        string         `json:"model,omitempty"`
	Attempt      int            `json:"attempt"`
	Feedback     string         `json:"feedback,omitempty"`
}

// Executor posts the invocation to the configured url. A response of the
// form {"outputs": {...}, "retrigger": [...]} is used as is, any other JSON
// object becomes the outputs.
type Executor struct {
	client *http.Client
}

func NewExecutor(client *http.Client) *Executor {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeoutSeconds * time.Second}
	}

	return &Executor{client: client}
}

func (e *Executor) ID() string {
	return "http_request"
}

func (e *Executor) Name() string {
	return "HTTP Request"
}

func (e *Executor) Description() string {
	return "Sends the step inputs and config to an external generation service and returns its JSON answer as outputs"
}

func (e *Executor) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Service endpoint. Supports templating.",
				"examples":    []string{"http://generator:8080/scripts", "{{ .config.baseUrl }}/tts"},
			},
			"method": map[string]any{
				"type":    "string",
				"enum":    []string{"POST", "PUT"},
				"default": "POST",
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"retry": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"attempts": map[string]any{"type": "integer", "minimum": 1, "default": 1},
					"delay":    map[string]any{"type": "integer", "minimum": 0, "description": "Delay in milliseconds"},
				},
			},
		},
	}
}

func (e *Executor) Invoke(ctx context.Context, inv *protocol.Invocation) (*protocol.Result, error) {
	logger := pslog.FromContext(ctx).With("executor", e.ID())

	rawURL, _ := inv.Config["url"].(string)
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("missing 'url' in configuration: %w", ErrHTTPRequestURLInvalid)
	}

	data := inv.TemplateData()

	url, err := template.RenderString(rawURL, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render url: %w", err)
	}

	method, _ := inv.Config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	headers, err := renderHeaders(inv.Config["headers"], data)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(newRequest(inv))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	retry := parseRetryConfig(inv.Config["retry"])

	var lastErr error

	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		if attempt > 1 {
			logger.InfoContext(ctx, "Retrying generation request", "attempt", attempt, "of", retry.Attempts)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retry.Delay):
			}
		}

		result, err := e.do(ctx, strings.ToUpper(method), url, headers, body, logger)
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !errors.Is(err, ErrHTTPServerError) || ctx.Err() != nil {
			break
		}
	}

	return nil, lastErr
}

func (e *Executor) do(
	ctx context.Context,
	method, url string,
	headers map[string]string,
	body []byte,
	logger *slog.Logger,
) (*protocol.Result, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	logger.DebugContext(ctx, "Sending generation request", "method", method, "url", url)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			logger.ErrorContext(ctx, "failed to close response body", "error", cerr)
		}
	}()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", ErrHTTPServerError, resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: status %d: %s", ErrHTTPClientError, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	return decodeResult(payload)
}

func decodeResult(payload []byte) (*protocol.Result, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil || body == nil {
		return nil, ErrInvalidResponse
	}

	outputs, ok := body["outputs"].(map[string]any)
	if !ok {
		return &protocol.Result{Outputs: body}, nil
	}

	result := &protocol.Result{Outputs: outputs}

	if list, ok := body["retrigger"].([]any); ok {
		for _, v := range list {
			if slug, ok := v.(string); ok && slug != "" {
				result.Retrigger = append(result.Retrigger, slug)
			}
		}
	}

	return result, nil
}

func newRequest(inv *protocol.Invocation) Request {
	req := Request{
		RunID:        inv.RunID,
		ProjectID:    inv.ProjectID,
		NodeID:       inv.NodeID,
		Inputs:       inv.Inputs,
		Config:       inv.Config,
		Project:      inv.Project,
		SystemPrompt: inv.SystemPrompt,
		UserPrompt:   inv.UserPrompt,
		Model:        inv.LLMModelID,
		Attempt:      inv.Attempt,
		Feedback:     inv.Feedback,
	}

	if inv.Step != nil {
		req.Step = inv.Step.Slug
	}

	return req
}

func renderHeaders(raw any, data map[string]any) (map[string]string, error) {
	headers := make(map[string]string)

	m, ok := raw.(map[string]any)
	if !ok {
		return headers, nil
	}

	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			continue
		}

		rendered, err := template.RenderString(s, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render header '%s': %w", k, err)
		}

		headers[k] = rendered
	}

	return headers, nil
}

func parseRetryConfig(raw any) RetryConfig {
	retry := RetryConfig{Attempts: 1}

	m, ok := raw.(map[string]any)
	if !ok {
		return retry
	}

	if attempts, ok := m["attempts"].(float64); ok && attempts >= 1 {
		retry.Attempts = int(attempts)
	}

	if delay, ok := m["delay"].(float64); ok && delay > 0 {
		retry.Delay = time.Duration(delay) * time.Millisecond
	}

	return retry
}
