package binding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/pkg/planner"
	"agent-kernel/kernel_go/pkg/state"
	"agent-kernel/kernel_go/pkg/tools"
)

func searchPlan() *planner.ExecutionPlan {
	return &planner.ExecutionPlan{
		Intent: "find go repos",
		Subtasks: []planner.PlanStep{
			{ID: "1", Tool: "search", Description: "search repositories"},
			{ID: "2", Tool: "summarize", Description: "summarize the hits", Dependencies: []string{"1"}},
		},
	}
}

func searchRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	require.NoError(t, reg.Register(tools.NewTool("search", "Search repositories").
		StringParam("query", "search terms", true).
		MustBuild()))
	require.NoError(t, reg.Register(tools.NewTool("summarize", "Summarize text").
		StringParam("text", "text to summarize", true).
		MustBuild()))
	return reg
}

func TestBindingPlannerCreate(t *testing.T) {
	client := llm.NewScriptedClient().RespondWith(observability.PurposeBindingPlan, `{
		"steps": [
			{"step_id": "1", "tool": "search", "bindings": {
				"query": {"source": "inputs.query", "source_type": "user_input", "confidence": 0.95, "fallback": "llm_infer"}
			}},
			{"step_id": "2", "tool": "summarize", "bindings": {
				"text": {"source": "step_1.output.results", "source_type": "step_output", "confidence": 0.8}
			}}
		],
		"confidence_threshold": 0.7,
		"reasoning": "query comes straight from the user"
	}`)
	p := NewPlanner(client, searchRegistry(t), nil)

	st := state.New(map[string]interface{}{"query": "find go repos"})
	bp, err := p.Create(context.Background(), searchPlan(), "find go repos", st)
	require.NoError(t, err)
	require.Len(t, bp.Steps, 2)

	sb, ok := bp.For("1")
	require.True(t, ok)
	assert.Equal(t, SourceUserInput, sb.Bindings["query"].SourceType)
	assert.InDelta(t, 0.95, sb.Bindings["query"].Confidence, 1e-9)
	assert.Equal(t, 0.7, bp.Threshold())

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].JSONMode)
	assert.Contains(t, calls[0].Prompt, "find go repos")
	assert.Contains(t, calls[0].Prompt, "search")
	assert.Contains(t, calls[0].Prompt, "query")
}

func TestBindingPlannerEmptyPlanSkipsLLM(t *testing.T) {
	client := llm.NewScriptedClient()
	p := NewPlanner(client, nil, nil)

	bp, err := p.Create(context.Background(), &planner.ExecutionPlan{}, "q", state.New(nil))
	require.NoError(t, err)
	assert.True(t, bp.IsEmpty())
	assert.Empty(t, client.Calls())

	bp, err = p.Create(context.Background(), nil, "q", state.New(nil))
	require.NoError(t, err)
	assert.True(t, bp.IsEmpty())
}

func TestBindingPlannerUnparseableResponse(t *testing.T) {
	client := llm.NewScriptedClient().Respond("I cannot produce bindings, sorry.")
	p := NewPlanner(client, nil, nil)

	bp, err := p.Create(context.Background(), searchPlan(), "q", state.New(nil))
	require.NoError(t, err)
	require.NotNil(t, bp)
	assert.True(t, bp.IsEmpty())
	assert.Equal(t, DefaultConfidenceThreshold, bp.Threshold())
}

func TestBindingPlannerTransportError(t *testing.T) {
	client := llm.NewScriptedClient().Fail(errors.New("rate limited"))
	p := NewPlanner(client, nil, nil)

	bp, err := p.Create(context.Background(), searchPlan(), "q", state.New(nil))
	require.Error(t, err)
	require.NotNil(t, bp)
	assert.True(t, bp.IsEmpty())
}
