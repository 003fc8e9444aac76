package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	pslog "github.com/dukex/pipestudio/pkg/log"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Invoke(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := pslog.WithContext(context.Background(), logger)

	inv := &protocol.Invocation{
		NodeID:  "script",
		Attempt: 2,
		Step: &models.StepDefinition{
			OutputSchema: []models.StepOutput{{Key: "script"}, {Key: "topic"}},
		},
		Inputs:  map[string]any{"topic": "otters"},
		Project: map[string]any{"title": "Otters"},
		Config: map[string]any{
			"message": "writing {{ .inputs.topic }} for {{ .project.title }}",
			"level":   "warn",
		},
	}

	result, err := NewExecutor().Invoke(ctx, inv)
	require.NoError(t, err)

	assert.Equal(t, "writing otters for Otters", result.Outputs["script"])
	assert.Equal(t, "otters", result.Outputs["topic"], "inputs win over generated outputs")
	assert.Empty(t, result.Retrigger)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "attempt=2")
}

func TestExecutor_DefaultMessage(t *testing.T) {
	result, err := NewExecutor().Invoke(context.Background(), &protocol.Invocation{NodeID: "n1", Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, "step n1 executed (attempt 1)", result.Outputs["message"])
}

func TestExecutor_BadTemplate(t *testing.T) {
	_, err := NewExecutor().Invoke(context.Background(), &protocol.Invocation{
		Config: map[string]any{"message": "{{ .broken"},
	})
	require.Error(t, err)
}
