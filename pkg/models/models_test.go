package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_JSON(t *testing.T) {
	raw, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.JSONEq(t, `1500`, string(raw))

	tests := []struct {
		input string
		want  time.Duration
	}{
		{`2500`, 2500 * time.Millisecond},
		{`"90s"`, 90 * time.Second},
		{`"5m"`, 5 * time.Minute},
	}

	for _, tt := range tests {
		var d Duration
		require.NoError(t, json.Unmarshal([]byte(tt.input), &d), tt.input)
		assert.Equal(t, tt.want, d.Std(), tt.input)
	}

	var d Duration
	require.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	require.Error(t, json.Unmarshal([]byte(`true`), &d))

	assert.Equal(t, []int64{5000, 15000, 30000}, Millis(DefaultRetryDelays()))
	assert.Equal(t, DefaultRetryDelays(), FromMillis([]int64{5000, 15000, 30000}))
}

func TestNode_Timing(t *testing.T) {
	node := &Node{}
	assert.Equal(t, DefaultNodeTimeout.Std(), node.EffectiveTimeout())
	assert.Equal(t, 5*time.Second, node.RetryDelay(0))
	assert.Equal(t, 30*time.Second, node.RetryDelay(7), "the last delay repeats")

	node.Timeout = Duration(time.Minute)
	node.RetryDelays = []Duration{Duration(time.Second), Duration(3 * time.Second)}

	assert.Equal(t, time.Minute, node.EffectiveTimeout())
	assert.Equal(t, time.Second, node.RetryDelay(1))
	assert.Equal(t, 3*time.Second, node.RetryDelay(2))
	assert.Equal(t, 3*time.Second, node.RetryDelay(3))
}

func TestPipeline_Edges(t *testing.T) {
	p := &Pipeline{
		Nodes: []*Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Connections: []*Connection{
			{ID: "1", SourceNodeID: "a", TargetNodeID: "b"},
			{ID: "2", SourceNodeID: "a", TargetNodeID: "c"},
			{ID: "3", SourceNodeID: "b", TargetNodeID: "c"},
		},
	}

	n, ok := p.Node("b")
	require.True(t, ok)
	assert.Equal(t, "b", n.ID)

	_, ok = p.Node("z")
	assert.False(t, ok)

	assert.Len(t, p.Outgoing("a"), 2)
	assert.Len(t, p.Incoming("c"), 2)
	assert.Empty(t, p.Incoming("a"))
}

func TestRun_StateAndClone(t *testing.T) {
	run := &Run{
		Checkpoints:   []string{"script"},
		DisabledNodes: []string{"music"},
		ProjectFields: map[string]any{"topic": "tides"},
	}

	st := run.State("script")
	assert.Equal(t, NodeStatusWaiting, st.Status)
	assert.Same(t, st, run.State("script"))

	assert.True(t, run.IsCheckpoint("script"))
	assert.False(t, run.IsCheckpoint("music"))
	assert.True(t, run.IsDisabled("music"))

	run.FeedbackHistory = []FeedbackEntry{
		{NodeID: "script", Feedback: "shorter", Attempt: 2},
		{NodeID: "audio", Feedback: "slower", Attempt: 2},
		{NodeID: "script", Feedback: "funnier", Attempt: 3},
	}

	latest, ok := run.LatestFeedback("script")
	require.True(t, ok)
	assert.Equal(t, "funnier", latest.Feedback)

	_, ok = run.LatestFeedback("music")
	assert.False(t, ok)

	st.Result = map[string]any{"script": "v1"}

	cp := run.Clone()
	cp.NodeStates["script"].Status = NodeStatusCompleted
	cp.NodeStates["script"].Result["script"] = "v2"
	cp.ProjectFields["topic"] = "volcanoes"
	cp.Checkpoints[0] = "audio"

	assert.Equal(t, NodeStatusWaiting, run.NodeStates["script"].Status)
	assert.Equal(t, "v1", run.NodeStates["script"].Result["script"])
	assert.Equal(t, "tides", run.ProjectFields["topic"])
	assert.Equal(t, "script", run.Checkpoints[0])
}

func TestNodeStatus_Done(t *testing.T) {
	done := map[NodeStatus]bool{
		NodeStatusWaiting:   false,
		NodeStatusRunning:   false,
		NodeStatusCompleted: true,
		NodeStatusFailed:    false,
		NodeStatusSkipped:   true,
		NodeStatusReview:    false,
	}

	for status, want := range done {
		assert.Equal(t, want, status.Done(), status)
	}
}

func TestStepDefinition_Validation(t *testing.T) {
	validate := validator.New(validator.WithRequiredStructEnabled())

	valid := StepDefinition{
		Slug:        "research",
		Name:        "Research",
		Category:    StepCategoryResearch,
		ExecutorRef: "log",
		InputSchema: []StepInput{{Key: "topic", Source: InputSourceProject}},
	}
	require.NoError(t, validate.Struct(valid))

	tests := []struct {
		name   string
		mutate func(*StepDefinition)
		field  string
	}{
		{"missing slug", func(d *StepDefinition) { d.Slug = "" }, "Slug"},
		{"unknown category", func(d *StepDefinition) { d.Category = "cooking" }, "Category"},
		{"input without key", func(d *StepDefinition) { d.InputSchema = []StepInput{{Label: "x"}} }, "Key"},
		{"unknown input source", func(d *StepDefinition) {
			d.InputSchema = []StepInput{{Key: "x", Source: "env"}}
		}, "Source"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := valid
			tt.mutate(&def)

			err := validate.Struct(def)
			require.Error(t, err)

			var verrs validator.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Equal(t, tt.field, verrs[0].Field())
		})
	}

	assert.True(t, (&StepDefinition{Category: StepCategoryOutput}).IsOutput())

	in, ok := valid.Input("topic")
	require.True(t, ok)
	assert.True(t, in.FromProject())
}
