package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamStampsEnvelope(t *testing.T) {
	s := NewStream("task-1", "trace-1", 0)

	require.True(t, s.Emit(context.Background(), &PlanningData{Query: "find the report"}))
	require.True(t, s.EmitWithSpan(context.Background(), &StageStartData{
		BaseEventData: BaseEventData{Step: 1, StepID: "step_1", Tool: "fetch_page"},
		TotalSteps:    3,
	}, "span-7"))
	s.Close()

	evs := Collect(s.Events())
	require.Len(t, evs, 2)
	assert.Equal(t, 2, s.Emitted())

	assert.Equal(t, Planning, evs[0].Event)
	assert.Equal(t, "task-1", evs[0].TaskID)
	assert.Equal(t, "trace-1", evs[0].TraceID)
	assert.Empty(t, evs[0].SpanID)
	assert.False(t, evs[0].Timestamp.IsZero())

	assert.Equal(t, StageStart, evs[1].Event)
	assert.Equal(t, "span-7", evs[1].SpanID)
	data, ok := evs[1].Data.(*StageStartData)
	require.True(t, ok)
	assert.Equal(t, "fetch_page", data.Tool)
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	s := NewStream("task-1", "", 0)
	s.Close()
	s.Close()

	assert.False(t, s.Emit(context.Background(), &PlanningData{Query: "late"}))
	assert.False(t, s.EmitWithSpan(context.Background(), &PlanningData{Query: "late"}, "span-1"))
	assert.Equal(t, 0, s.Emitted())
	assert.Empty(t, Collect(s.Events()))
}

func TestEmitHonorsContextWhenBufferFull(t *testing.T) {
	s := NewStream("task-1", "", 1)
	require.True(t, s.Emit(context.Background(), &PlanningData{Query: "fills the buffer"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, s.Emit(ctx, &PlanningData{Query: "blocked"}))

	s.Close()
	assert.Len(t, Collect(s.Events()), 1)
}

func TestNilContextEmit(t *testing.T) {
	s := NewStream("task-1", "", 0)
	assert.True(t, s.Emit(nil, &AnswerData{Content: "42"}))
	s.Close()
}

func TestEnvelopeJSON(t *testing.T) {
	s := NewStream("task-9", "trace-9", 0)
	s.Emit(context.Background(), &PlanningData{Query: "summarize", Replan: true})
	s.Close()
	ev := Collect(s.Events())[0]

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "planning", decoded["event"])
	assert.Equal(t, "task-9", decoded["task_id"])

	data, ok := decoded["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "summarize", data["query"])
	assert.Equal(t, true, data["replan"])
}

func TestKnownEventTypes(t *testing.T) {
	types := KnownEventTypes()
	assert.Len(t, types, 16)
	assert.Equal(t, Planning, types[0])
	assert.Equal(t, Done, types[len(types)-1])

	seen := map[EventType]bool{}
	for _, et := range types {
		assert.False(t, seen[et], "duplicate event type %s", et)
		seen[et] = true
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Done))
	assert.False(t, IsTerminal(ExecutionComplete))
	assert.False(t, IsTerminal(ErrorEvent))
}

func TestComponentMapping(t *testing.T) {
	assert.Equal(t, "planner", GetComponentFromEventType(Planning))
	assert.Equal(t, "binding", GetComponentFromEventType(BindingPlanCreated))
	assert.Equal(t, "params", GetComponentFromEventType(ParamBuild))
	assert.Equal(t, "replan", GetComponentFromEventType(StageReplan))
	assert.Equal(t, "engine", GetComponentFromEventType(StageRetry))
	assert.Equal(t, "kernel", GetComponentFromEventType(Answer))
}
