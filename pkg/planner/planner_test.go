package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/pkg/tools"
)

func planningRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry(nil)
	for _, name := range []string{"web_search", "summarize"} {
		reg.MustRegister(tools.NewTool(name, "Does "+name).
			StringParam("query", "input text", true).
			Handle(func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
				return map[string]interface{}{"success": true}, nil
			}).
			MustBuild())
	}
	return reg
}

func TestClassifyTaskComplexity(t *testing.T) {
	t.Run("parses the profile", func(t *testing.T) {
		client := llm.NewScriptedClient().RespondWith(observability.PurposePlanning, `{
			"complexity": "complex",
			"estimated_steps": 6,
			"has_code_generation": true,
			"has_cross_dependencies": true,
			"requires_consistency": true,
			"is_reversible": false,
			"reasoning": "generates code that later steps extend"
		}`)
		p := NewPlanner(client, nil, nil)

		profile := p.ClassifyTaskComplexity(context.Background(), "build a REST API")
		assert.Equal(t, ComplexityComplex, profile.Complexity)
		assert.Equal(t, 6, profile.EstimatedSteps)
		assert.True(t, profile.HasCodeGeneration)
		assert.False(t, profile.IsReversible)

		calls := client.Calls()
		require.Len(t, calls, 1)
		assert.True(t, calls[0].JSONMode)
		assert.Contains(t, calls[0].Prompt, "build a REST API")
	})

	t.Run("falls back on garbage", func(t *testing.T) {
		client := llm.NewScriptedClient().Respond("this task seems hard??")
		p := NewPlanner(client, nil, nil)
		profile := p.ClassifyTaskComplexity(context.Background(), "anything")
		assert.Equal(t, ComplexityModerate, profile.Complexity)
		assert.Equal(t, 3, profile.EstimatedSteps)
		assert.Equal(t, "fallback", profile.Reasoning)
	})

	t.Run("falls back on transport error", func(t *testing.T) {
		client := llm.NewScriptedClient().Fail(errors.New("model offline"))
		p := NewPlanner(client, nil, nil)
		profile := p.ClassifyTaskComplexity(context.Background(), "anything")
		assert.Equal(t, ComplexityModerate, profile.Complexity)
	})

	t.Run("unknown level becomes moderate", func(t *testing.T) {
		client := llm.NewScriptedClient().Respond(`{"complexity": "herculean", "estimated_steps": 0}`)
		p := NewPlanner(client, nil, nil)
		profile := p.ClassifyTaskComplexity(context.Background(), "anything")
		assert.Equal(t, ComplexityModerate, profile.Complexity)
		assert.Equal(t, 3, profile.EstimatedSteps)
	})
}

func TestPlanAllPinnedPassthrough(t *testing.T) {
	client := llm.NewScriptedClient()
	p := NewPlanner(client, planningRegistry(t), nil)

	pinned := &ExecutionPlan{
		Intent: "fixed pipeline",
		Subtasks: []PlanStep{
			{ID: "1", Tool: "web_search", IsPinned: true, PinnedParameters: map[string]interface{}{"query": "exact"}},
			{ID: "2", Tool: "summarize", IsPinned: true},
		},
	}
	plan, err := p.Plan(context.Background(), PlanRequest{Query: "run the pipeline", InitialPlan: pinned})
	require.NoError(t, err)
	assert.Same(t, pinned, plan)
	assert.Empty(t, client.Calls(), "a fully pinned plan must not cost any LLM calls")
}

func TestPlanGeneratesFromLLM(t *testing.T) {
	client := llm.NewScriptedClient().
		RespondWith(observability.PurposePlanning, `{"complexity": "complex", "estimated_steps": 4, "reasoning": "multi-artifact"}`).
		RespondWith(observability.PurposePlanning, `{
			"intent": "research and summarize agent kernels",
			"steps": [
				{"id": "1", "description": "search for sources", "tool": "web_search",
				 "write_fields": ["sources"], "expectations": "at least 3 sources"},
				{"id": "2", "description": "summarize the sources", "tool": "summarize",
				 "dependencies": ["1"], "read_fields": ["sources"], "on_fail_strategy": "retry"}
			],
			"state_schema": {"sources": "list of urls"},
			"expected_outcome": "a short report"
		}`)
	p := NewPlanner(client, planningRegistry(t), nil)

	plan, err := p.Plan(context.Background(), PlanRequest{
		Query:               "research agent kernels",
		Goals:               "be thorough",
		Constraints:         "cite everything",
		MemoryExcerpt:       "user prefers short answers",
		ConversationContext: "user: hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "research and summarize agent kernels", plan.Intent)
	require.Len(t, plan.Subtasks, 2)
	assert.Equal(t, []string{"sources"}, plan.Subtasks[0].WriteFields)
	assert.Equal(t, "retry", plan.Subtasks[1].OnFailStrategy)
	assert.Equal(t, "a short report", plan.ExpectedOutcome)
	assert.Empty(t, plan.Warnings)

	require.NotNil(t, plan.TaskProfile)
	assert.Equal(t, ComplexityComplex, plan.TaskProfile.Complexity)
	require.NotNil(t, plan.ExecutionStrategy)
	assert.Equal(t, ReplanPeriodic, plan.ExecutionStrategy.ReplanTrigger)
	assert.Equal(t, 3, plan.ExecutionStrategy.ReplanInterval)

	calls := client.Calls()
	require.Len(t, calls, 2)
	planningPrompt := calls[1].Prompt
	assert.Contains(t, planningPrompt, "web_search")
	assert.Contains(t, planningPrompt, "be thorough")
	assert.Contains(t, planningPrompt, "cite everything")
	assert.Contains(t, planningPrompt, "user prefers short answers")
	assert.Contains(t, planningPrompt, "user: hello")
}

func TestPlanFallsBackToSingleStep(t *testing.T) {
	t.Run("unparseable plan", func(t *testing.T) {
		client := llm.NewScriptedClient().
			Respond(`{"complexity": "simple", "estimated_steps": 1}`).
			Respond("Step one: do the thing. Step two: profit.")
		p := NewPlanner(client, nil, nil)

		plan, err := p.Plan(context.Background(), PlanRequest{Query: "do the thing"})
		require.NoError(t, err)
		require.Len(t, plan.Subtasks, 1)
		assert.Equal(t, "1", plan.Subtasks[0].ID)
		assert.Equal(t, "do the thing", plan.Subtasks[0].Description)
		assert.Empty(t, plan.Subtasks[0].Tool)
		assert.NotEmpty(t, plan.Errors)
		require.NotNil(t, plan.TaskProfile, "profiling ran, so it must be attached")
		assert.Equal(t, ComplexitySimple, plan.TaskProfile.Complexity)
		assert.False(t, plan.ExecutionStrategy.EnableReplan)
	})

	t.Run("transport failure", func(t *testing.T) {
		client := llm.NewScriptedClient().
			Respond(`{"complexity": "simple", "estimated_steps": 1}`).
			Fail(errors.New("overloaded"))
		p := NewPlanner(client, nil, nil)

		plan, err := p.Plan(context.Background(), PlanRequest{Query: "do the thing"})
		require.NoError(t, err)
		require.Len(t, plan.Subtasks, 1)
		assert.Contains(t, plan.Errors[0], "overloaded")
	})

	t.Run("empty step list", func(t *testing.T) {
		client := llm.NewScriptedClient().
			Respond(`{"complexity": "simple", "estimated_steps": 1}`).
			Respond(`{"intent": "nothing", "steps": []}`)
		p := NewPlanner(client, nil, nil)

		plan, err := p.Plan(context.Background(), PlanRequest{Query: "do the thing"})
		require.NoError(t, err)
		require.Len(t, plan.Subtasks, 1)
		assert.NotEmpty(t, plan.Errors)
	})
}

func TestPlanSkipProfiling(t *testing.T) {
	client := llm.NewScriptedClient().RespondWith(observability.PurposePlanning, `{
		"intent": "redo", "steps": [{"id": "1", "description": "retry the search", "tool": "web_search"}]
	}`)
	p := NewPlanner(client, planningRegistry(t), nil)

	plan, err := p.Plan(context.Background(), PlanRequest{Query: "redo", SkipProfiling: true})
	require.NoError(t, err)
	assert.Nil(t, plan.TaskProfile)
	assert.Nil(t, plan.ExecutionStrategy)
	assert.Len(t, client.Calls(), 1, "skip profiling must save the classification call")
}

func TestPlanPreservesPinnedSteps(t *testing.T) {
	initial := &ExecutionPlan{Subtasks: []PlanStep{
		{ID: "9", Description: "always export the report", Tool: "summarize",
			IsPinned: true, PinnedParameters: map[string]interface{}{"format": "pdf"}},
		{ID: "free", Description: "unpinned seed"},
	}}

	t.Run("dropped pinned step is appended", func(t *testing.T) {
		client := llm.NewScriptedClient().
			Respond(`{"complexity": "moderate", "estimated_steps": 2}`).
			Respond(`{"intent": "x", "steps": [{"id": "1", "description": "search", "tool": "web_search"}]}`)
		p := NewPlanner(client, planningRegistry(t), nil)

		plan, err := p.Plan(context.Background(), PlanRequest{Query: "research", InitialPlan: initial})
		require.NoError(t, err)
		require.Len(t, plan.Subtasks, 2)
		assert.Equal(t, initial.Subtasks[0], plan.Subtasks[1])
	})

	t.Run("rewritten pinned step is restored", func(t *testing.T) {
		client := llm.NewScriptedClient().
			Respond(`{"complexity": "moderate", "estimated_steps": 2}`).
			Respond(`{"intent": "x", "steps": [
				{"id": "9", "description": "the model changed this", "tool": "web_search"}
			]}`)
		p := NewPlanner(client, planningRegistry(t), nil)

		plan, err := p.Plan(context.Background(), PlanRequest{Query: "research", InitialPlan: initial})
		require.NoError(t, err)
		require.Len(t, plan.Subtasks, 1)
		assert.Equal(t, initial.Subtasks[0], plan.Subtasks[0])

		prompt := client.Calls()[1].Prompt
		assert.Contains(t, prompt, "Pinned steps")
		assert.Contains(t, prompt, "always export the report")
	})
}

func TestPlanNormalization(t *testing.T) {
	client := llm.NewScriptedClient().
		Respond(`{"complexity": "moderate", "estimated_steps": 2}`).
		Respond(`{"intent": "x", "steps": [
			{"description": "missing id", "tool": "web_search"},
			{"id": "1", "description": "fine", "tool": "summarize"},
			{"id": "1", "description": "duplicate id", "tool": "time_machine"}
		]}`)
	p := NewPlanner(client, planningRegistry(t), nil)

	plan, err := p.Plan(context.Background(), PlanRequest{Query: "x"})
	require.NoError(t, err)
	require.Len(t, plan.Subtasks, 3)
	assert.Equal(t, "1", plan.Subtasks[0].ID, "missing id filled from position")
	assert.Equal(t, "3", plan.Subtasks[2].ID, "duplicate id renumbered")

	require.NotEmpty(t, plan.Warnings)
	assert.Contains(t, plan.Warnings[0], "time_machine")
}
