package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"agent-kernel/kernel_go/internal/utils"
)

// Purpose classifies why an LLM call was made. Every call made by the kernel
// carries exactly one of these; reports aggregate per purpose.
type Purpose string

const (
	PurposePlanning           Purpose = "planning"
	PurposeBindingPlan        Purpose = "binding_plan"
	PurposeParamBuild         Purpose = "param_build"
	PurposeValidation         Purpose = "validation"
	PurposeErrorAnalysis      Purpose = "error_analysis"
	PurposeParamFix           Purpose = "param_fix"
	PurposeMemoryQuery        Purpose = "memory_query"
	PurposeMemorySummary      Purpose = "memory_summary"
	PurposePromptGen          Purpose = "prompt_gen"
	PurposeReplan             Purpose = "replan"
	PurposeIncrementalReplan  Purpose = "incremental_replan"
	PurposeConsistencyCheck   Purpose = "consistency_check"
	PurposeCheckpointRegister Purpose = "checkpoint_register"
	PurposeWorkingMemory      Purpose = "working_memory"
	PurposeOther              Purpose = "other"
)

// KnownPurposes lists every declared purpose, for validation and reporting.
func KnownPurposes() []Purpose {
	return []Purpose{
		PurposePlanning, PurposeBindingPlan, PurposeParamBuild,
		PurposeValidation, PurposeErrorAnalysis, PurposeParamFix,
		PurposeMemoryQuery, PurposeMemorySummary, PurposePromptGen,
		PurposeReplan, PurposeIncrementalReplan, PurposeConsistencyCheck,
		PurposeCheckpointRegister, PurposeWorkingMemory, PurposeOther,
	}
}

// SpanType tags a span with the logical unit it covers.
type SpanType string

const (
	SpanTypeRoot       SpanType = "root"
	SpanTypePlanning   SpanType = "planning"
	SpanTypeStep       SpanType = "step"
	SpanTypeBinding    SpanType = "binding"
	SpanTypeValidation SpanType = "validation"
	SpanTypeReplan     SpanType = "replan"
	SpanTypeMemory     SpanType = "memory"
)

// FlowAction tags control-flow events recorded on spans.
type FlowAction string

const (
	FlowRetry    FlowAction = "retry"
	FlowJump     FlowAction = "jump"
	FlowAbort    FlowAction = "abort"
	FlowFallback FlowAction = "fallback"
	FlowReplan   FlowAction = "replan"
)

// BindingAction tags binding events recorded on spans.
type BindingAction string

const (
	BindingPlanCreate BindingAction = "plan_create"
	BindingResolve    BindingAction = "resolve"
	BindingFallback   BindingAction = "fallback"
)

// Event kinds carried inside spans.
const (
	EventKindLLMCall  = "llm_call"
	EventKindToolCall = "tool_call"
	EventKindFlow     = "flow"
	EventKindMemory   = "memory"
	EventKindBinding  = "binding"
)

// LLMCallRecord captures one LLM round trip. Prompt and Response hold the
// full text; snapshots truncate for the overview form.
type LLMCallRecord struct {
	Purpose        Purpose `json:"purpose"`
	Model          string  `json:"model"`
	PromptTokens   int     `json:"prompt_tokens"`
	ResponseTokens int     `json:"response_tokens"`
	TotalTokens    int     `json:"total_tokens"`
	Temperature    float64 `json:"temperature"`
	DurationMs     int64   `json:"duration_ms"`
	Success        bool    `json:"success"`
	Error          string  `json:"error,omitempty"`
	Prompt         string  `json:"prompt,omitempty"`
	Response       string  `json:"response,omitempty"`
}

// ToolCallRecord captures one tool dispatch.
type ToolCallRecord struct {
	Tool          string `json:"tool"`
	StepID        string `json:"step_id,omitempty"`
	Attempt       int    `json:"attempt"`
	DurationMs    int64  `json:"duration_ms"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	ArgsPreview   string `json:"args_preview,omitempty"`
	ResultPreview string `json:"result_preview,omitempty"`
}

// FlowRecord captures a control-flow decision (retry, jump, abort, fallback,
// replan).
type FlowRecord struct {
	Action   FlowAction `json:"action"`
	StepID   string     `json:"step_id,omitempty"`
	FromStep int        `json:"from_step,omitempty"`
	ToStep   int        `json:"to_step,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// MemoryRecord captures a working-memory or long-term-memory operation.
type MemoryRecord struct {
	Op     string `json:"op"`
	Detail string `json:"detail,omitempty"`
}

// BindingRecord captures one parameter-binding resolution or plan creation.
type BindingRecord struct {
	Action  BindingAction `json:"action"`
	StepID  string        `json:"step_id,omitempty"`
	Param   string        `json:"param,omitempty"`
	Status  string        `json:"status,omitempty"`
	Path    string        `json:"path,omitempty"`
	Preview string        `json:"preview,omitempty"`
}

// TraceEvent is the tagged union stored on a span; exactly one payload field
// is non-nil, matching Kind.
type TraceEvent struct {
	Kind    string          `json:"kind"`
	Time    time.Time       `json:"time"`
	LLM     *LLMCallRecord  `json:"llm,omitempty"`
	Tool    *ToolCallRecord `json:"tool,omitempty"`
	Flow    *FlowRecord     `json:"flow,omitempty"`
	Memory  *MemoryRecord   `json:"memory,omitempty"`
	Binding *BindingRecord  `json:"binding,omitempty"`
}

// Span is one node of the trace tree.
type Span struct {
	ID        string       `json:"id"`
	ParentID  string       `json:"parent_id,omitempty"`
	Name      string       `json:"name"`
	Type      SpanType     `json:"type"`
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time,omitempty"`
	Events    []TraceEvent `json:"events,omitempty"`
	Children  []*Span      `json:"children,omitempty"`

	trace *Trace
}

// Trace is the per-task span tree. One logical flow drives a task, but the
// server may snapshot a live trace, so mutation goes through the trace mutex.
type Trace struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	UserID    string    `json:"user_id,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Aborted   bool      `json:"aborted"`
	Root      *Span     `json:"root"`

	mu sync.Mutex
}

// Tracer creates traces. It is safe to share one tracer across tasks; each
// Start call returns an independent trace.
type Tracer struct {
	logger utils.ExtendedLogger
}

func NewTracer(logger utils.ExtendedLogger) *Tracer {
	return &Tracer{logger: utils.OrSilent(logger)}
}

// Start opens a trace with its root span and returns a context carrying it.
func (t *Tracer) Start(ctx context.Context, query, userID string) (context.Context, *Trace) {
	tr := &Trace{
		ID:        uuid.NewString(),
		Query:     query,
		UserID:    userID,
		StartTime: time.Now(),
	}
	root := &Span{
		ID:        uuid.NewString(),
		Name:      "task",
		Type:      SpanTypeRoot,
		StartTime: tr.StartTime,
		trace:     tr,
	}
	tr.Root = root
	t.logger.Debugf("🔍 trace %s started for user %s", tr.ID, userID)
	ctx = withTrace(ctx, tr)
	ctx = withSpan(ctx, root)
	return ctx, tr
}

// StartSpan opens a child span under the current context span (the root when
// none is set) and returns a derived context carrying it.
func (tr *Trace) StartSpan(ctx context.Context, name string, typ SpanType) (context.Context, *Span) {
	parent := SpanFromContext(ctx)
	if parent == nil || parent.trace != tr {
		parent = tr.Root
	}
	child := &Span{
		ID:        uuid.NewString(),
		ParentID:  parent.ID,
		Name:      name,
		Type:      typ,
		StartTime: time.Now(),
		trace:     tr,
	}
	tr.mu.Lock()
	parent.Children = append(parent.Children, child)
	tr.mu.Unlock()
	return withSpan(ctx, child), child
}

// End closes the span. Idempotent.
func (s *Span) End() {
	if s == nil || s.trace == nil {
		return
	}
	s.trace.mu.Lock()
	if s.EndTime.IsZero() {
		s.EndTime = time.Now()
	}
	s.trace.mu.Unlock()
}

// End closes the trace and its root span.
func (tr *Trace) End() {
	tr.mu.Lock()
	if tr.EndTime.IsZero() {
		tr.EndTime = time.Now()
	}
	if tr.Root != nil && tr.Root.EndTime.IsZero() {
		tr.Root.EndTime = tr.EndTime
	}
	tr.mu.Unlock()
}

// EndAborted closes the trace with the aborted marker, used on cancellation.
func (tr *Trace) EndAborted() {
	tr.mu.Lock()
	tr.Aborted = true
	tr.mu.Unlock()
	tr.End()
}

func (tr *Trace) appendEvent(ctx context.Context, ev TraceEvent) {
	span := SpanFromContext(ctx)
	if span == nil || span.trace != tr {
		span = tr.Root
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	tr.mu.Lock()
	span.Events = append(span.Events, ev)
	tr.mu.Unlock()
}

// RecordLLMCall attaches an llm_call event to the current span.
func (tr *Trace) RecordLLMCall(ctx context.Context, rec LLMCallRecord) {
	tr.appendEvent(ctx, TraceEvent{Kind: EventKindLLMCall, LLM: &rec})
}

// RecordToolCall attaches a tool_call event to the current span.
func (tr *Trace) RecordToolCall(ctx context.Context, rec ToolCallRecord) {
	tr.appendEvent(ctx, TraceEvent{Kind: EventKindToolCall, Tool: &rec})
}

// RecordFlow attaches a flow event to the current span.
func (tr *Trace) RecordFlow(ctx context.Context, rec FlowRecord) {
	tr.appendEvent(ctx, TraceEvent{Kind: EventKindFlow, Flow: &rec})
}

// RecordMemory attaches a memory event to the current span.
func (tr *Trace) RecordMemory(ctx context.Context, rec MemoryRecord) {
	tr.appendEvent(ctx, TraceEvent{Kind: EventKindMemory, Memory: &rec})
}

// RecordBinding attaches a binding event to the current span.
func (tr *Trace) RecordBinding(ctx context.Context, rec BindingRecord) {
	tr.appendEvent(ctx, TraceEvent{Kind: EventKindBinding, Binding: &rec})
}

type ctxKey int

const (
	traceKey ctxKey = iota
	spanKey
)

func withTrace(ctx context.Context, tr *Trace) context.Context {
	return context.WithValue(ctx, traceKey, tr)
}

func withSpan(ctx context.Context, s *Span) context.Context {
	return context.WithValue(ctx, spanKey, s)
}

// TraceFromContext returns the trace attached to ctx, or nil.
func TraceFromContext(ctx context.Context) *Trace {
	tr, _ := ctx.Value(traceKey).(*Trace)
	return tr
}

// SpanFromContext returns the span attached to ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(spanKey).(*Span)
	return s
}
