package observability

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/kernel_go/internal/utils"
)

func TestStartCreatesRootSpan(t *testing.T) {
	tracer := NewTracer(nil)

	ctx, tr := tracer.Start(context.Background(), "list open incidents", "user-1")
	require.NotNil(t, tr)
	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, "list open incidents", tr.Query)
	assert.Equal(t, "user-1", tr.UserID)
	assert.False(t, tr.StartTime.IsZero())

	require.NotNil(t, tr.Root)
	assert.Equal(t, "task", tr.Root.Name)
	assert.Equal(t, SpanTypeRoot, tr.Root.Type)
	assert.Empty(t, tr.Root.ParentID)

	assert.Same(t, tr, TraceFromContext(ctx))
	assert.Same(t, tr.Root, SpanFromContext(ctx))
}

func TestStartSpanNesting(t *testing.T) {
	tracer := NewTracer(nil)
	ctx, tr := tracer.Start(context.Background(), "q", "")

	planCtx, plan := tr.StartSpan(ctx, "planning", SpanTypePlanning)
	require.NotNil(t, plan)
	assert.Equal(t, tr.Root.ID, plan.ParentID)
	require.Len(t, tr.Root.Children, 1)
	assert.Same(t, plan, tr.Root.Children[0])
	assert.Same(t, plan, SpanFromContext(planCtx))

	_, step := tr.StartSpan(planCtx, "step_1", SpanTypeStep)
	assert.Equal(t, plan.ID, step.ParentID)
	require.Len(t, plan.Children, 1)
	assert.Same(t, step, plan.Children[0])

	t.Run("no span in context attaches to root", func(t *testing.T) {
		_, orphan := tr.StartSpan(context.Background(), "binding", SpanTypeBinding)
		assert.Equal(t, tr.Root.ID, orphan.ParentID)
		assert.Len(t, tr.Root.Children, 2)
	})

	t.Run("span from another trace attaches to root", func(t *testing.T) {
		otherCtx, _ := tracer.Start(context.Background(), "other", "")
		_, stray := tr.StartSpan(otherCtx, "replan", SpanTypeReplan)
		assert.Equal(t, tr.Root.ID, stray.ParentID)
		assert.Len(t, tr.Root.Children, 3)
	})
}

func TestEndIsIdempotent(t *testing.T) {
	tracer := NewTracer(nil)
	ctx, tr := tracer.Start(context.Background(), "q", "")
	_, span := tr.StartSpan(ctx, "step_1", SpanTypeStep)

	span.End()
	first := span.EndTime
	require.False(t, first.IsZero())
	span.End()
	assert.Equal(t, first, span.EndTime)

	tr.End()
	end := tr.EndTime
	require.False(t, end.IsZero())
	assert.Equal(t, end, tr.Root.EndTime)
	tr.End()
	assert.Equal(t, end, tr.EndTime)

	var nilSpan *Span
	nilSpan.End()
}

func TestEndAbortedMarksTrace(t *testing.T) {
	tracer := NewTracer(nil)
	_, tr := tracer.Start(context.Background(), "q", "")

	tr.EndAborted()
	assert.True(t, tr.Aborted)
	assert.False(t, tr.EndTime.IsZero())
}

func TestRecordsAttachToContextSpan(t *testing.T) {
	tracer := NewTracer(nil)
	ctx, tr := tracer.Start(context.Background(), "q", "")
	stepCtx, step := tr.StartSpan(ctx, "step_1", SpanTypeStep)

	tr.RecordLLMCall(stepCtx, LLMCallRecord{Purpose: PurposeParamBuild, Model: "m", Success: true})
	tr.RecordToolCall(stepCtx, ToolCallRecord{Tool: "search", Attempt: 1, Success: true})
	require.Len(t, step.Events, 2)
	assert.Equal(t, EventKindLLMCall, step.Events[0].Kind)
	assert.Equal(t, EventKindToolCall, step.Events[1].Kind)
	assert.False(t, step.Events[0].Time.IsZero())
	require.NotNil(t, step.Events[0].LLM)
	assert.Equal(t, PurposeParamBuild, step.Events[0].LLM.Purpose)

	// No span on the context: events land on the root span.
	tr.RecordFlow(context.Background(), FlowRecord{Action: FlowAbort, Reason: "max retries"})
	require.Len(t, tr.Root.Events, 1)
	assert.Equal(t, EventKindFlow, tr.Root.Events[0].Kind)
	assert.Equal(t, FlowAbort, tr.Root.Events[0].Flow.Action)

	tr.RecordMemory(stepCtx, MemoryRecord{Op: "promote", Detail: "3 facts"})
	tr.RecordBinding(stepCtx, BindingRecord{Action: BindingResolve, Param: "query", Status: "resolved"})
	require.Len(t, step.Events, 4)
	assert.Equal(t, EventKindMemory, step.Events[2].Kind)
	assert.Equal(t, EventKindBinding, step.Events[3].Kind)
}

func TestSummaryAggregates(t *testing.T) {
	tracer := NewTracer(nil)
	ctx, tr := tracer.Start(context.Background(), "q", "")
	stepCtx, _ := tr.StartSpan(ctx, "step_1", SpanTypeStep)

	tr.RecordLLMCall(ctx, LLMCallRecord{
		Purpose: PurposePlanning, PromptTokens: 100, ResponseTokens: 40, TotalTokens: 140, Success: true,
	})
	tr.RecordLLMCall(stepCtx, LLMCallRecord{
		Purpose: PurposeParamBuild, PromptTokens: 50, ResponseTokens: 10, TotalTokens: 60, Success: true,
	})
	tr.RecordLLMCall(stepCtx, LLMCallRecord{
		Purpose: PurposeParamBuild, PromptTokens: 30, ResponseTokens: 5, TotalTokens: 35, Success: false,
	})
	tr.RecordToolCall(stepCtx, ToolCallRecord{Tool: "search", Success: true})
	tr.RecordToolCall(stepCtx, ToolCallRecord{Tool: "search", Success: false, Error: "timeout"})
	tr.RecordFlow(stepCtx, FlowRecord{Action: FlowRetry, StepID: "step_1"})
	tr.RecordFlow(stepCtx, FlowRecord{Action: FlowRetry, StepID: "step_1"})
	tr.RecordFlow(ctx, FlowRecord{Action: FlowReplan, Reason: "validation failed"})

	tr.RecordBinding(stepCtx, BindingRecord{Action: BindingPlanCreate})
	tr.RecordBinding(stepCtx, BindingRecord{Action: BindingResolve, Param: "query", Status: "resolved"})
	tr.RecordBinding(stepCtx, BindingRecord{Action: BindingResolve, Param: "limit", Status: "resolved_default"})
	tr.RecordBinding(stepCtx, BindingRecord{Action: BindingResolve, Param: "cursor", Status: "skipped"})
	tr.RecordBinding(stepCtx, BindingRecord{Action: BindingFallback, Param: "filter"})

	tr.End()
	s := tr.Summary()

	assert.Equal(t, tr.ID, s.TraceID)
	assert.False(t, s.Aborted)
	assert.GreaterOrEqual(t, s.DurationMs, int64(0))

	assert.Equal(t, 3, s.LLMCalls)
	assert.Equal(t, 1, s.LLMByPurpose[PurposePlanning])
	assert.Equal(t, 2, s.LLMByPurpose[PurposeParamBuild])
	assert.Equal(t, 180, s.PromptTokens)
	assert.Equal(t, 55, s.ResponseTokens)
	assert.Equal(t, 235, s.TotalTokens)

	assert.Equal(t, 2, s.ToolCalls)
	assert.Equal(t, 1, s.ToolSuccesses)
	assert.Equal(t, 1, s.ToolFailures)

	assert.Equal(t, 2, s.FlowCounts[FlowRetry])
	assert.Equal(t, 1, s.FlowCounts[FlowReplan])

	// plan_create is not a resolution; skipped counts toward the total only.
	assert.Equal(t, 4, s.BindingTotal)
	assert.Equal(t, 2, s.BindingResolved)
	assert.Equal(t, 1, s.BindingFallback)
}

func TestSnapshotTruncatesPrompts(t *testing.T) {
	tracer := NewTracer(nil)
	ctx, tr := tracer.Start(context.Background(), "long prompts", "user-2")
	stepCtx, span := tr.StartSpan(ctx, "step_1", SpanTypeStep)

	prompt := strings.Repeat("p", utils.DefaultPromptChars+200)
	response := strings.Repeat("r", utils.DefaultPromptChars+200)
	tr.RecordLLMCall(stepCtx, LLMCallRecord{Purpose: PurposePlanning, Prompt: prompt, Response: response})
	span.End()
	tr.End()

	snap := tr.Snapshot(true)
	assert.Equal(t, tr.ID, snap["id"])
	assert.Equal(t, "long prompts", snap["query"])
	assert.Contains(t, snap, "end_time")

	root, ok := snap["root"].(map[string]interface{})
	require.True(t, ok)
	children, ok := root["children"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, children, 1)
	assert.Equal(t, span.ID, children[0]["id"])
	assert.Equal(t, tr.Root.ID, children[0]["parent_id"])

	stepEvents, ok := children[0]["events"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, stepEvents, 1)
	rec, ok := stepEvents[0]["llm"].(LLMCallRecord)
	require.True(t, ok)
	assert.Len(t, rec.Prompt, utils.DefaultPromptChars)
	assert.True(t, strings.HasSuffix(rec.Prompt, "..."))
	assert.Len(t, rec.Response, utils.DefaultPromptChars)

	t.Run("full form keeps whole prompts", func(t *testing.T) {
		full := tr.Snapshot(false)
		root := full["root"].(map[string]interface{})
		children := root["children"].([]map[string]interface{})
		events := children[0]["events"].([]map[string]interface{})
		rec := events[0]["llm"].(LLMCallRecord)
		assert.Equal(t, prompt, rec.Prompt)
		assert.Equal(t, response, rec.Response)
	})

	t.Run("truncation does not mutate the trace", func(t *testing.T) {
		assert.Equal(t, prompt, span.Events[0].LLM.Prompt)
	})
}

func TestKnownPurposes(t *testing.T) {
	purposes := KnownPurposes()
	require.Len(t, purposes, 15)
	assert.Equal(t, PurposePlanning, purposes[0])
	assert.Equal(t, PurposeOther, purposes[len(purposes)-1])

	seen := make(map[Purpose]bool, len(purposes))
	for _, p := range purposes {
		assert.False(t, seen[p], "duplicate purpose %s", p)
		seen[p] = true
	}
}
