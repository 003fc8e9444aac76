package graph_test

import (
	"testing"

	"github.com/dukex/pipestudio/pkg/graph"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issuesOfType(issues []models.ValidationIssue, t models.IssueType) []models.ValidationIssue {
	var out []models.ValidationIssue

	for _, i := range issues {
		if i.Type == t {
			out = append(out, i)
		}
	}

	return out
}

func TestValidate_EmptyPipelineIsValid(t *testing.T) {
	t.Parallel()

	p := testutil.CreateTestPipeline("empty", nil, nil)

	result := graph.Validate(p, nil)

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidate_MissingRequiredInput(t *testing.T) {
	t.Parallel()

	source := testutil.CreateTestStep("research")
	writer := testutil.CreateTestStep("script",
		testutil.WithInput("script", true, models.InputSourceNode),
		testutil.WithInput("topic", true, models.InputSourceProject),
		testutil.WithInput("notes", false, models.InputSourceNode),
		testutil.WithCategory(models.StepCategoryOutput),
	)

	a := testutil.CreateTestNode("a", source)
	b := testutil.CreateTestNode("b", writer)

	tests := []struct {
		name  string
		conns []*models.Connection
	}{
		{name: "no connections"},
		{
			name:  "unrelated connection to the same node",
			conns: []*models.Connection{testutil.Connect("a", "result", "b", "notes")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := testutil.CreateTestPipeline("p", []*models.Node{a, b}, tt.conns)

			result := graph.Validate(p, testutil.Definitions(source, writer))

			require.False(t, result.Valid)

			missing := issuesOfType(result.Errors, models.IssueMissingInput)
			require.Len(t, missing, 1)
			assert.Equal(t, "b", missing[0].NodeID)
			assert.Equal(t, "script", missing[0].NodeName)
			assert.Contains(t, missing[0].Message, `"script"`)
		})
	}
}

func TestValidate_BoundInputIsValid(t *testing.T) {
	t.Parallel()

	source := testutil.CreateTestStep("research")
	writer := testutil.CreateTestStep("script",
		testutil.WithInput("script", true, models.InputSourceNode),
		testutil.WithCategory(models.StepCategoryOutput),
	)

	p := testutil.CreateTestPipeline("p",
		[]*models.Node{testutil.CreateTestNode("a", source), testutil.CreateTestNode("b", writer)},
		[]*models.Connection{testutil.Connect("a", "result", "b", "script")},
	)

	result := graph.Validate(p, testutil.Definitions(source, writer))

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidate_CycleReportedOnceWithOtherChecks(t *testing.T) {
	t.Parallel()

	step := testutil.CreateTestStep("loop", testutil.WithInput("in", true, models.InputSourceNode))
	needy := testutil.CreateTestStep("needy",
		testutil.WithInput("script", true, models.InputSourceNode),
		testutil.WithCategory(models.StepCategoryOutput),
	)

	p := testutil.CreateTestPipeline("cyclic",
		[]*models.Node{
			testutil.CreateTestNode("A", step),
			testutil.CreateTestNode("B", step),
			testutil.CreateTestNode("C", step),
			testutil.CreateTestNode("D", needy),
			testutil.CreateTestNode("E", step),
		},
		[]*models.Connection{
			testutil.Connect("A", "result", "B", "in"),
			testutil.Connect("B", "result", "C", "in"),
			testutil.Connect("C", "result", "A", "in"),
		},
	)

	result := graph.Validate(p, testutil.Definitions(step, needy))

	require.False(t, result.Valid)
	assert.Len(t, issuesOfType(result.Errors, models.IssueCircularDependency), 1)

	missing := issuesOfType(result.Errors, models.IssueMissingInput)
	require.Len(t, missing, 2)
	assert.ElementsMatch(t, []string{"D", "E"}, []string{missing[0].NodeID, missing[1].NodeID})

	deadEnds := issuesOfType(result.Warnings, models.IssueNoOutputsConnected)
	require.Len(t, deadEnds, 1)
	assert.Equal(t, "E", deadEnds[0].NodeID)
}

func TestValidate_SkeletonAndDeadEndWarnings(t *testing.T) {
	t.Parallel()

	skeleton := testutil.CreateTestStep("avatar", testutil.NotReady(), testutil.WithExecutor("avatar-render"))
	output := testutil.CreateTestStep("publish", testutil.WithCategory(models.StepCategoryOutput))

	p := testutil.CreateTestPipeline("p",
		[]*models.Node{testutil.CreateTestNode("a", skeleton), testutil.CreateTestNode("b", output)},
		nil,
	)

	result := graph.Validate(p, testutil.Definitions(skeleton, output))

	assert.True(t, result.Valid, "warnings never block")

	skeletons := issuesOfType(result.Warnings, models.IssueSkeleton)
	require.Len(t, skeletons, 1)
	assert.Equal(t, "a", skeletons[0].NodeID)
	assert.Contains(t, skeletons[0].Message, "avatar-render")

	deadEnds := issuesOfType(result.Warnings, models.IssueNoOutputsConnected)
	require.Len(t, deadEnds, 1)
	assert.Equal(t, "a", deadEnds[0].NodeID)
}

func TestValidate_InactiveNodesExcluded(t *testing.T) {
	t.Parallel()

	step := testutil.CreateTestStep("loop",
		testutil.WithInput("in", true, models.InputSourceNode),
		testutil.NotReady(),
	)

	p := testutil.CreateTestPipeline("p",
		[]*models.Node{
			testutil.CreateTestNode("A", step, testutil.Inactive()),
			testutil.CreateTestNode("B", step, testutil.Inactive()),
		},
		[]*models.Connection{
			testutil.Connect("A", "result", "B", "in"),
			testutil.Connect("B", "result", "A", "in"),
		},
	)

	result := graph.Validate(p, testutil.Definitions(step))

	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidate_InactiveSourceDoesNotBindInput(t *testing.T) {
	t.Parallel()

	source := testutil.CreateTestStep("research")
	writer := testutil.CreateTestStep("script",
		testutil.WithInput("script", true, models.InputSourceNode),
		testutil.WithCategory(models.StepCategoryOutput),
	)

	p := testutil.CreateTestPipeline("p",
		[]*models.Node{
			testutil.CreateTestNode("a", source, testutil.Inactive()),
			testutil.CreateTestNode("b", writer),
		},
		[]*models.Connection{testutil.Connect("a", "result", "b", "script")},
	)

	result := graph.Validate(p, testutil.Definitions(source, writer))

	require.False(t, result.Valid)

	missing := issuesOfType(result.Errors, models.IssueMissingInput)
	require.Len(t, missing, 1)
	assert.Equal(t, "b", missing[0].NodeID)
}

func TestValidate_EdgeToInactiveTargetIsDeadEnd(t *testing.T) {
	t.Parallel()

	research := testutil.CreateTestStep("research")
	output := testutil.CreateTestStep("publish",
		testutil.WithInput("in", false, models.InputSourceNode),
		testutil.WithCategory(models.StepCategoryOutput),
	)

	p := testutil.CreateTestPipeline("p",
		[]*models.Node{
			testutil.CreateTestNode("a", research),
			testutil.CreateTestNode("b", output, testutil.Inactive()),
		},
		[]*models.Connection{
			testutil.Connect("a", "result", "b", "in"),
			testutil.Connect("a", "result", "ghost", "in"),
		},
	)

	result := graph.Validate(p, testutil.Definitions(research, output))

	assert.True(t, result.Valid)

	deadEnds := issuesOfType(result.Warnings, models.IssueNoOutputsConnected)
	require.Len(t, deadEnds, 1)
	assert.Equal(t, "a", deadEnds[0].NodeID)
}

func TestValidate_MissingOrInactiveDefinition(t *testing.T) {
	t.Parallel()

	retired := testutil.CreateTestStep("retired", func(s *models.StepDefinition) { s.IsActive = false })

	p := testutil.CreateTestPipeline("p",
		[]*models.Node{
			testutil.CreateTestNode("a", retired),
			testutil.CreateTestNode("b", &models.StepDefinition{ID: "ghost"}),
		},
		nil,
	)

	result := graph.Validate(p, testutil.Definitions(retired))

	assert.True(t, result.Valid)

	skeletons := issuesOfType(result.Warnings, models.IssueSkeleton)
	require.Len(t, skeletons, 2)
	assert.Contains(t, skeletons[0].Message, "inactive")
	assert.Contains(t, skeletons[1].Message, "missing")
}

func TestValidate_Deterministic(t *testing.T) {
	t.Parallel()

	step := testutil.CreateTestStep("s", testutil.WithInput("x", true, models.InputSourceNode), testutil.NotReady())

	nodes := make([]*models.Node, 0, 10)
	for _, id := range []string{"j", "c", "a", "h", "e", "b", "i", "d", "g", "f"} {
		nodes = append(nodes, testutil.CreateTestNode(id, step))
	}

	p := testutil.CreateTestPipeline("p", nodes, []*models.Connection{
		testutil.Connect("a", "result", "b", "x"),
		testutil.Connect("b", "result", "a", "x"),
	})
	defs := testutil.Definitions(step)

	first := graph.Validate(p, defs)
	for range 20 {
		assert.Equal(t, first, graph.Validate(p, defs))
	}
}
