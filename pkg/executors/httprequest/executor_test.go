package httprequest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Invoke(t *testing.T) {
	var got Request

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/scripts/p1", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"script": "Once upon a time", "score": 8}`))
	}))
	defer server.Close()

	inv := &protocol.Invocation{
		RunID:      "r1",
		ProjectID:  "p1",
		NodeID:     "n1",
		Step:       &models.StepDefinition{Slug: "script-writer"},
		Inputs:     map[string]any{"topic": "otters"},
		Attempt:    2,
		Feedback:   "shorter",
		UserPrompt: "Write about otters",
		Config: map[string]any{
			"url":     server.URL + "/scripts/{{ .run.projectId }}",
			"headers": map[string]any{"X-Api-Key": "secret"},
		},
	}

	result, err := NewExecutor(nil).Invoke(t.Context(), inv)
	require.NoError(t, err)

	assert.Equal(t, "Once upon a time", result.Outputs["script"])
	assert.InDelta(t, 8.0, result.Outputs["score"], 0)
	assert.Empty(t, result.Retrigger)

	assert.Equal(t, "script-writer", got.Step)
	assert.Equal(t, "otters", got.Inputs["topic"])
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "shorter", got.Feedback)
	assert.Equal(t, "Write about otters", got.UserPrompt)
}

func TestExecutor_EnvelopeWithRetrigger(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"outputs": {"verdict": "rewrite"}, "retrigger": ["script-writer", ""]}`))
	}))
	defer server.Close()

	result, err := NewExecutor(server.Client()).Invoke(t.Context(), &protocol.Invocation{
		Config: map[string]any{"url": server.URL},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"verdict": "rewrite"}, result.Outputs)
	assert.Equal(t, []string{"script-writer"}, result.Retrigger)
}

func TestExecutor_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)

			return
		}

		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	result, err := NewExecutor(nil).Invoke(t.Context(), &protocol.Invocation{
		Config: map[string]any{
			"url":   server.URL,
			"retry": map[string]any{"attempts": float64(3), "delay": float64(1)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, result.Outputs["ok"])
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecutor_Errors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		switch r.URL.Path {
		case "/bad":
			http.Error(w, "missing voice", http.StatusUnprocessableEntity)
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write([]byte(`["not", "an", "object"]`))
		}
	}))
	defer server.Close()

	tests := []struct {
		name    string
		config  map[string]any
		wantErr error
	}{
		{"missing url", map[string]any{}, ErrHTTPRequestURLInvalid},
		{"client error", map[string]any{"url": server.URL + "/bad"}, ErrHTTPClientError},
		{"server error", map[string]any{"url": server.URL + "/down"}, ErrHTTPServerError},
		{"non object body", map[string]any{"url": server.URL + "/list"}, ErrInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExecutor(nil).Invoke(t.Context(), &protocol.Invocation{Config: tt.config})
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Client errors are not retried.
	calls.Store(0)

	_, err := NewExecutor(nil).Invoke(t.Context(), &protocol.Invocation{
		Config: map[string]any{"url": server.URL + "/bad", "retry": map[string]any{"attempts": float64(3)}},
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}
