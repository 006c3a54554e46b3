package events

import (
	"time"
)

// EventType names one event on the execution stream. The set is closed:
// consumers switch on these names and the engine emits nothing else.
type EventType string

const (
	// Planning lifecycle
	Planning      EventType = "planning"
	ExecutionPlan EventType = "execution_plan"

	// Per-step lifecycle
	StageStart    EventType = "stage_start"
	ParamBuild    EventType = "param_build"
	StageComplete EventType = "stage_complete"
	StageRetry    EventType = "stage_retry"
	StageJump     EventType = "stage_jump"
	StageAbort    EventType = "stage_abort"
	StageError    EventType = "stage_error"

	// Cross-step signals
	ConsistencyViolation EventType = "consistency_violation"
	StageReplan          EventType = "stage_replan"
	BindingPlanCreated   EventType = "binding_plan"

	// Terminal events
	ExecutionComplete EventType = "execution_complete"
	ErrorEvent        EventType = "error"
	Answer            EventType = "answer"
	Done              EventType = "done"
)

// KnownEventTypes returns the closed event set in stream-typical order.
func KnownEventTypes() []EventType {
	return []EventType{
		Planning, ExecutionPlan,
		StageStart, ParamBuild, StageComplete, StageRetry,
		StageJump, StageAbort, StageError,
		ConsistencyViolation, StageReplan, BindingPlanCreated,
		ExecutionComplete, ErrorEvent, Answer, Done,
	}
}

// IsTerminal reports whether an event type ends the stream section it belongs
// to. Done is always the final event of a task.
func IsTerminal(t EventType) bool {
	return t == Done
}

// GetComponentFromEventType maps an event to the kernel component that emits
// it, for log correlation and storage filtering.
func GetComponentFromEventType(t EventType) string {
	switch t {
	case Planning, ExecutionPlan:
		return "planner"
	case BindingPlanCreated:
		return "binding"
	case ParamBuild:
		return "params"
	case ConsistencyViolation:
		return "consistency"
	case StageReplan:
		return "replan"
	case Answer:
		return "kernel"
	default:
		return "engine"
	}
}

// EventData is implemented by every typed payload.
type EventData interface {
	GetEventType() EventType
}

// AgentEvent is the envelope placed on the stream: `{event, data}` plus
// correlation fields. Data field names are stable; optional additions carry
// an _extra suffix.
type AgentEvent struct {
	Event     EventType `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	TaskID    string    `json:"task_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	SpanID    string    `json:"span_id,omitempty"`
	Data      EventData `json:"data"`
}

// New builds an envelope with the current time.
func New(t EventType, data EventData) AgentEvent {
	return AgentEvent{Event: t, Timestamp: time.Now(), Data: data}
}

// BaseEventData carries the step identity fields shared by stage events.
type BaseEventData struct {
	Step        int    `json:"step,omitempty"`
	StepID      string `json:"step_id,omitempty"`
	Tool        string `json:"tool,omitempty"`
	Description string `json:"description,omitempty"`
}
