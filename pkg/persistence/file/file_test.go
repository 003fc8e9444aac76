package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/dukex/pipestudio/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPersistence(t *testing.T) {
	assert.Equal(t, "/tmp/test", NewPersistence("/tmp/test").root)
	assert.Equal(t, "/tmp/test", NewPersistence("file:///tmp/test").root)
}

func TestPersistence_HealthCheck(t *testing.T) {
	assert.NoError(t, NewPersistence(t.TempDir()).HealthCheck(t.Context()))
	assert.Error(t, NewPersistence(filepath.Join(t.TempDir(), "missing")).HealthCheck(t.Context()))
}

func TestStepRepository_SaveAndGet(t *testing.T) {
	repo := NewPersistence(t.TempDir()).StepRepository()
	ctx := t.Context()

	step := testutil.CreateTestStep("script-writer",
		testutil.WithInput("topic", true, models.InputSourceProject),
		testutil.WithCategory(models.StepCategoryScript),
	)
	step.DefaultConfig = map[string]any{"temperature": 0.7}

	require.NoError(t, repo.Save(ctx, step))

	got, err := repo.GetByID(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, step.Slug, got.Slug)
	assert.Equal(t, step.InputSchema, got.InputSchema)
	assert.InEpsilon(t, 0.7, got.DefaultConfig["temperature"], 0.0001)

	bySlug, err := repo.GetBySlug(ctx, "script-writer")
	require.NoError(t, err)
	assert.Equal(t, step.ID, bySlug.ID)

	_, err = repo.GetByID(ctx, "nope")
	assert.True(t, persistence.IsStepNotFound(err))
}

func TestPipelineRepository_SoftDelete(t *testing.T) {
	root := t.TempDir()
	repo := NewPersistence(root).PipelineRepository()
	ctx := t.Context()

	step := testutil.CreateTestStep("s")
	p := testutil.CreateTestPipeline("long-form",
		[]*models.Node{testutil.CreateTestNode("a", step), testutil.CreateTestNode("b", step)},
		[]*models.Connection{testutil.Connect("a", "result", "b", "in")},
	)

	require.NoError(t, repo.Save(ctx, p))

	got, err := repo.GetBySlug(ctx, "long-form")
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 2)
	assert.Len(t, got.Connections, 1)
	assert.Equal(t, p.Nodes[0].Timeout, got.Nodes[0].Timeout)
	assert.Equal(t, p.Nodes[0].RetryDelays, got.Nodes[0].RetryDelays)

	require.NoError(t, repo.Delete(ctx, p.ID))

	_, err = repo.GetByID(ctx, p.ID)
	assert.True(t, persistence.IsPipelineNotFound(err))

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	_, err = os.Stat(filepath.Join(root, "pipelines", p.ID+".json"))
	assert.NoError(t, err, "soft delete keeps the document")
}

func TestRunRepository_SaveAppendsLogs(t *testing.T) {
	repo := NewPersistence(t.TempDir()).RunRepository()
	ctx := t.Context()

	run := &models.Run{
		ID:         "run-1",
		ProjectID:  "project-1",
		PipelineID: "pipeline-1",
		Status:     models.RunStatusConfig,
		NodeStates: map[string]*models.NodeState{},
	}

	require.NoError(t, repo.Save(ctx, run, models.LogEntry{ID: "1", RunID: "run-1", Message: "created"}))

	run.Status = models.RunStatusRunning
	run.State("a").Status = models.NodeStatusRunning
	require.NoError(t, repo.Save(ctx, run, models.LogEntry{ID: "2", RunID: "run-1", NodeID: "a", Message: "started"}))

	got, err := repo.GetByProject(ctx, "project-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Equal(t, models.NodeStatusRunning, got.NodeStates["a"].Status)

	logs, err := repo.Logs(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "created", logs[0].Message)
	assert.Equal(t, "started", logs[1].Message)

	require.NoError(t, repo.Delete(ctx, "project-1"))

	_, err = repo.GetByProject(ctx, "project-1")
	assert.True(t, persistence.IsRunNotFound(err))

	assert.True(t, persistence.IsRunNotFound(repo.Delete(ctx, "project-1")))
}
