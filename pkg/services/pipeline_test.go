package services

import (
	"testing"
	"time"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/dukex/pipestudio/pkg/persistence/file"
	"github.com/dukex/pipestudio/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPipelineService(t *testing.T) (*Pipeline, *Catalog) {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	catalog := NewCatalog(p)

	return NewPipeline(p, catalog), catalog
}

func ptr[T any](v T) *T {
	return &v
}

func TestPipeline_CreateAndSlugUniqueness(t *testing.T) {
	svc, _ := newPipelineService(t)
	ctx := t.Context()

	created, err := svc.Create(ctx, CreatePipelineRequest{Slug: "long-form", Name: "Long form"})
	require.NoError(t, err)
	assert.True(t, created.IsActive)
	assert.Empty(t, created.Nodes)

	_, err = svc.Create(ctx, CreatePipelineRequest{Slug: "long-form", Name: "Again"})
	require.ErrorIs(t, err, ErrSlugTaken)

	// An inactive pipeline may share the slug.
	inactive, err := svc.Create(ctx, CreatePipelineRequest{Slug: "long-form", Name: "Draft", IsActive: ptr(false)})
	require.NoError(t, err)

	_, err = svc.Update(ctx, inactive.ID, UpdatePipelineRequest{IsActive: ptr(true)})
	require.ErrorIs(t, err, ErrSlugTaken)

	require.NoError(t, svc.Delete(ctx, created.ID))

	updated, err := svc.Update(ctx, inactive.ID, UpdatePipelineRequest{IsActive: ptr(true), Name: ptr("Live")})
	require.NoError(t, err)
	assert.Equal(t, "Live", updated.Name)

	_, err = svc.Get(ctx, created.ID)
	assert.True(t, persistence.IsPipelineNotFound(err))
}

func TestPipeline_NodesAndConnections(t *testing.T) {
	svc, catalog := newPipelineService(t)
	ctx := t.Context()

	step, err := catalog.Upsert(ctx, testutil.CreateTestStep("script"))
	require.NoError(t, err)

	pipeline, err := svc.Create(ctx, CreatePipelineRequest{Slug: "shorts", Name: "Shorts"})
	require.NoError(t, err)

	a, err := svc.AddNode(ctx, pipeline.ID, NodeRequest{StepDefinitionID: &step.ID})
	require.NoError(t, err)
	assert.Equal(t, models.DefaultNodeTimeout, a.Timeout)
	assert.Equal(t, models.DefaultMaxRetries, a.MaxRetries)
	assert.Equal(t, 0, a.SortOrder)

	// Unknown definitions are accepted at creation time.
	b, err := svc.AddNode(ctx, pipeline.ID, NodeRequest{StepDefinitionID: ptr("not-yet-defined")})
	require.NoError(t, err)
	assert.Equal(t, 1, b.SortOrder)

	conn, err := svc.Connect(ctx, pipeline.ID, ConnectRequest{
		SourceNodeID:    a.ID,
		SourceOutputKey: "result",
		TargetNodeID:    b.ID,
		TargetInputKey:  "anything",
	})
	require.NoError(t, err)

	_, err = svc.Connect(ctx, pipeline.ID, ConnectRequest{
		SourceNodeID: a.ID, SourceOutputKey: "result", TargetNodeID: "elsewhere", TargetInputKey: "x",
	})
	require.ErrorIs(t, err, ErrNodeNotInPipeline)

	_, err = svc.Connect(ctx, pipeline.ID, ConnectRequest{
		SourceNodeID: a.ID, SourceOutputKey: "result", TargetNodeID: a.ID, TargetInputKey: "x",
	})
	require.ErrorIs(t, err, ErrSelfConnection)

	updated, err := svc.UpdateNode(ctx, pipeline.ID, a.ID, NodeRequest{
		IsCheckpoint:        ptr(true),
		CheckpointCondition: ptr("outputs.score < 7"),
		Timeout:             ptr(models.Duration(time.Minute)),
	})
	require.NoError(t, err)
	assert.True(t, updated.IsCheckpoint)
	assert.Equal(t, step.ID, updated.StepDefinitionID)

	_, err = svc.UpdateNode(ctx, pipeline.ID, a.ID, NodeRequest{CheckpointCondition: ptr("outputs.score <")})
	require.ErrorIs(t, err, ErrInvalidRequest)

	require.NoError(t, svc.Disconnect(ctx, pipeline.ID, conn.ID))
	assert.True(t, persistence.IsConnectionNotFound(svc.Disconnect(ctx, pipeline.ID, conn.ID)))

	_, err = svc.Connect(ctx, pipeline.ID, ConnectRequest{
		SourceNodeID: a.ID, SourceOutputKey: "result", TargetNodeID: b.ID, TargetInputKey: "in",
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteNode(ctx, pipeline.ID, b.ID))

	got, err := svc.Get(ctx, pipeline.ID)
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 1)
	assert.Empty(t, got.Connections, "incident connections are removed with the node")

	assert.True(t, persistence.IsNodeNotFound(svc.DeleteNode(ctx, pipeline.ID, b.ID)))
}

func TestPipeline_NodeOverridesAgainstSchema(t *testing.T) {
	svc, catalog := newPipelineService(t)
	ctx := t.Context()

	step := testutil.CreateTestStep("tts")
	step.ConfigSchema = map[string]any{
		"type":     "object",
		"required": []any{"voice"},
		"properties": map[string]any{
			"voice": map[string]any{"type": "string"},
			"speed": map[string]any{"type": "number"},
		},
	}
	step.DefaultConfig = map[string]any{"voice": "alloy"}

	_, err := catalog.Upsert(ctx, step)
	require.NoError(t, err)

	pipeline, err := svc.Create(ctx, CreatePipelineRequest{Slug: "audio", Name: "Audio"})
	require.NoError(t, err)

	_, err = svc.AddNode(ctx, pipeline.ID, NodeRequest{
		StepDefinitionID: &step.ID,
		ConfigOverrides:  map[string]any{"speed": 1.2},
	})
	require.NoError(t, err)

	_, err = svc.AddNode(ctx, pipeline.ID, NodeRequest{
		StepDefinitionID: &step.ID,
		ConfigOverrides:  map[string]any{"speed": "fast"},
	})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPipeline_Clone(t *testing.T) {
	svc, _ := newPipelineService(t)
	ctx := t.Context()

	step := testutil.CreateTestStep("s")
	source := testutil.CreateTestPipeline("source",
		[]*models.Node{
			testutil.CreateTestNode("a", step),
			testutil.CreateTestNode("b", step),
			testutil.CreateTestNode("c", step),
		},
		[]*models.Connection{
			testutil.Connect("a", "result", "b", "in"),
			testutil.Connect("b", "result", "c", "in"),
			testutil.Connect("a", "result", "c", "other"),
		},
	)
	source.Nodes[0].ConfigOverrides = map[string]any{"tone": "calm"}

	_, err := svc.Import(ctx, source)
	require.NoError(t, err)

	clone, err := svc.Clone(ctx, source.ID, "source-copy", "")
	require.NoError(t, err)

	assert.NotEqual(t, source.ID, clone.ID)
	assert.Equal(t, "source (copy)", clone.Name)
	assert.Len(t, clone.Nodes, len(source.Nodes))
	assert.Len(t, clone.Connections, len(source.Connections))

	ids := make(map[string]bool)
	for _, n := range clone.Nodes {
		ids[n.ID] = true

		assert.Equal(t, clone.ID, n.PipelineID)
		assert.NotContains(t, []string{"a", "b", "c"}, n.ID)
	}

	for _, c := range clone.Connections {
		assert.True(t, ids[c.SourceNodeID], "dangling source %s", c.SourceNodeID)
		assert.True(t, ids[c.TargetNodeID], "dangling target %s", c.TargetNodeID)
	}

	// The copy is independent from the source.
	clone.Nodes[0].ConfigOverrides["tone"] = "loud"
	assert.Equal(t, "calm", source.Nodes[0].ConfigOverrides["tone"])

	_, err = svc.Clone(ctx, source.ID, "source", "dup")
	require.ErrorIs(t, err, ErrSlugTaken)
}

func TestPipeline_Validate(t *testing.T) {
	svc, catalog := newPipelineService(t)
	ctx := t.Context()

	writer, err := catalog.Upsert(ctx, testutil.CreateTestStep("writer",
		testutil.WithInput("topic", true, models.InputSourceProject),
		testutil.WithCategory(models.StepCategoryScript),
	))
	require.NoError(t, err)

	narrator, err := catalog.Upsert(ctx, testutil.CreateTestStep("narrator",
		testutil.WithInput("script", true, models.InputSourceNode),
		testutil.WithCategory(models.StepCategoryOutput),
	))
	require.NoError(t, err)

	pipeline, err := svc.Import(ctx, testutil.CreateTestPipeline("narrated",
		[]*models.Node{testutil.CreateTestNode("w", writer), testutil.CreateTestNode("n", narrator)},
		nil,
	))
	require.NoError(t, err)

	result, err := svc.Validate(ctx, pipeline.ID)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, models.IssueMissingInput, result.Errors[0].Type)
	assert.Equal(t, "n", result.Errors[0].NodeID)

	_, err = svc.Connect(ctx, pipeline.ID, ConnectRequest{
		SourceNodeID: "w", SourceOutputKey: "result", TargetNodeID: "n", TargetInputKey: "script",
	})
	require.NoError(t, err)

	result, err = svc.Validate(ctx, pipeline.ID)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Warnings)
}
