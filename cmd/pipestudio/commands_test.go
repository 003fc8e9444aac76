package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/dukex/pipestudio/pkg/persistence/file"
	"github.com/dukex/pipestudio/pkg/services"
	"github.com/dukex/pipestudio/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePipeline(t *testing.T) {
	p := file.NewPersistence(t.TempDir())
	catalog := services.NewCatalog(p)
	pipelines := services.NewPipeline(p, catalog)
	ctx := t.Context()

	narrator, err := catalog.Upsert(ctx, testutil.CreateTestStep("narrator",
		testutil.WithInput("script", true, models.InputSourceNode),
		testutil.WithCategory(models.StepCategoryOutput),
	))
	require.NoError(t, err)

	pipeline, err := pipelines.Import(ctx, testutil.CreateTestPipeline("narrated",
		[]*models.Node{testutil.CreateTestNode("n", narrator)}, nil))
	require.NoError(t, err)

	var out bytes.Buffer

	err = validatePipeline(ctx, pipelines, "narrated", &out)
	require.ErrorIs(t, err, ErrInvalidPipeline)

	var printed struct {
		Pipeline string                   `json:"pipeline"`
		Valid    bool                     `json:"valid"`
		Errors   []models.ValidationIssue `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, "narrated", printed.Pipeline)
	assert.False(t, printed.Valid)
	require.Len(t, printed.Errors, 1)
	assert.Equal(t, "n", printed.Errors[0].NodeID)

	_, err = pipelines.UpdateNode(ctx, pipeline.ID, "n", services.NodeRequest{IsActive: ptr(false)})
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, validatePipeline(ctx, pipelines, pipeline.ID, &out))

	err = validatePipeline(ctx, pipelines, "missing", &out)
	assert.True(t, persistence.IsPipelineNotFound(err))
}

func ptr[T any](v T) *T {
	return &v
}
