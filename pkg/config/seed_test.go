package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/pipestudio/pkg/graph"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence/file"
	"github.com/dukex/pipestudio/pkg/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
steps:
  - slug: research
    name: Research
    category: research
    executorRef: log
    inputs:
      - key: topic
        required: true
        source: project
    outputs:
      - key: notes
  - slug: script
    name: Script
    category: script
    executorRef: log
    inputs:
      - key: notes
        required: true
        source: node
    outputs:
      - key: script
    defaultConfig:
      tone: calm
pipelines:
  - slug: explainer
    name: Explainer
    nodes:
      - key: research
        step: research
        timeout: 90s
        retryDelays: [1s, 2s]
      - key: script
        step: script
        checkpoint: true
        maxRetries: 1
        config:
          tone: upbeat
    connections:
      - from: research.notes
        to: script.notes
`

func newServices(t *testing.T) (*services.Catalog, *services.Pipeline) {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	catalog := services.NewCatalog(p)

	return catalog, services.NewPipeline(p, catalog)
}

func TestSeed_Apply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, seed.Steps, 2)
	require.Len(t, seed.Pipelines, 1)

	catalog, pipelines := newServices(t)
	ctx := t.Context()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	result, err := seed.Apply(ctx, catalog, pipelines, logger)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, 1, result.Pipelines)

	pipeline, err := pipelines.GetBySlug(ctx, "explainer")
	require.NoError(t, err)
	require.Len(t, pipeline.Nodes, 2)
	require.Len(t, pipeline.Connections, 1)

	research, script := pipeline.Nodes[0], pipeline.Nodes[1]
	assert.Equal(t, models.Duration(90*time.Second), research.Timeout)
	assert.Equal(t, []models.Duration{models.Duration(time.Second), models.Duration(2 * time.Second)}, research.RetryDelays)
	assert.True(t, script.IsCheckpoint)
	assert.Equal(t, 1, script.MaxRetries)
	assert.Equal(t, "upbeat", script.ConfigOverrides["tone"])
	assert.Equal(t, research.ID, pipeline.Connections[0].SourceNodeID)
	assert.Equal(t, script.ID, pipeline.Connections[0].TargetNodeID)

	defs, err := catalog.Definitions(ctx)
	require.NoError(t, err)
	assert.True(t, graph.Validate(pipeline, defs).Valid)

	// A second run updates steps in place and leaves the pipeline alone.
	result, err = seed.Apply(ctx, catalog, pipelines, logger)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Steps)
	assert.Equal(t, []string{"explainer"}, result.SkippedPipelines)

	steps, err := catalog.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestSeed_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown connection node",
			yaml: `
steps:
  - {slug: s1, name: S1, executorRef: log}
pipelines:
  - slug: p
    nodes: [{key: a, step: s1}]
    connections: [{from: a.result, to: b.in}]
`,
		},
		{
			name: "malformed endpoint",
			yaml: `
steps:
  - {slug: s1, name: S1, executorRef: log}
pipelines:
  - slug: p
    nodes: [{key: a, step: s1}, {key: b, step: s1}]
    connections: [{from: a, to: b.in}]
`,
		},
		{
			name: "bad timeout",
			yaml: `
steps:
  - {slug: s1, name: S1, executorRef: log}
pipelines:
  - slug: p
    nodes: [{key: a, step: s1, timeout: soon}]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed, err := ParseSeed([]byte(tt.yaml))
			require.NoError(t, err)

			catalog, pipelines := newServices(t)

			_, err = seed.Apply(t.Context(), catalog, pipelines, slog.New(slog.NewTextHandler(io.Discard, nil)))
			require.ErrorIs(t, err, ErrInvalidSeed)
		})
	}

	_, err := ParseSeed([]byte("steps: [unclosed"))
	require.Error(t, err)
}

func TestSeed_StudioFile(t *testing.T) {
	seed, err := LoadSeed(filepath.Join("..", "..", "seeds", "studio.yaml"))
	require.NoError(t, err)

	catalog, pipelines := newServices(t)
	ctx := t.Context()

	_, err = seed.Apply(ctx, catalog, pipelines, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	pipeline, err := pipelines.GetBySlug(ctx, "explainer")
	require.NoError(t, err)

	result, err := pipelines.Validate(ctx, pipeline.ID)
	require.NoError(t, err)
	assert.True(t, result.Valid, "%+v", result.Errors)
}
