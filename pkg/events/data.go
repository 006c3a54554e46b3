package events

// Typed payloads for every event on the stream. One struct per event name;
// all implement EventData.

// PlanningData announces that planning has begun for a query.
type PlanningData struct {
	Query   string `json:"query"`
	Message string `json:"message,omitempty"`
	Replan  bool   `json:"replan,omitempty"`
}

func (d *PlanningData) GetEventType() EventType { return Planning }

// PlanStepView is the plan step shape carried on the stream.
type PlanStepView struct {
	ID           string                 `json:"id"`
	Description  string                 `json:"description"`
	Tool         string                 `json:"tool,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Expectations string                 `json:"expectations,omitempty"`
	IsPinned     bool                   `json:"is_pinned,omitempty"`
}

// ExecutionPlanData carries the produced plan.
type ExecutionPlanData struct {
	Intent            string                 `json:"intent"`
	Steps             []PlanStepView         `json:"steps"`
	TotalSteps        int                    `json:"total_steps"`
	StateSchema       map[string]interface{} `json:"state_schema,omitempty"`
	ExpectedOutcome   string                 `json:"expected_outcome,omitempty"`
	Warnings          []string               `json:"warnings,omitempty"`
	Errors            []string               `json:"errors,omitempty"`
	TaskProfile       map[string]interface{} `json:"task_profile,omitempty"`
	ExecutionStrategy map[string]interface{} `json:"execution_strategy,omitempty"`
}

func (d *ExecutionPlanData) GetEventType() EventType { return ExecutionPlan }

// StageStartData opens one step.
type StageStartData struct {
	BaseEventData
	TotalSteps int `json:"total_steps,omitempty"`
	Attempt    int `json:"attempt,omitempty"`
}

func (d *StageStartData) GetEventType() EventType { return StageStart }

// ParamBuildData reports the arguments resolved for a step before dispatch.
// Values are previews, truncated for the stream.
type ParamBuildData struct {
	BaseEventData
	Args            map[string]string `json:"args"`
	IsLoopExecution bool              `json:"is_loop_execution"`
	LLMFilled       []string          `json:"llm_filled,omitempty"`
	CacheHit        bool              `json:"cache_hit,omitempty"`
}

func (d *ParamBuildData) GetEventType() EventType { return ParamBuild }

// StageCompleteData closes one step attempt.
type StageCompleteData struct {
	BaseEventData
	Success           bool                   `json:"success"`
	Result            map[string]interface{} `json:"result,omitempty"`
	Error             string                 `json:"error,omitempty"`
	ExpectationFailed bool                   `json:"expectation_failed,omitempty"`
	EvaluationReason  string                 `json:"evaluation_reason,omitempty"`
	DurationMs        int64                  `json:"duration_ms,omitempty"`
}

func (d *StageCompleteData) GetEventType() EventType { return StageComplete }

// StageRetryData reports one retry attempt of a failed step.
type StageRetryData struct {
	BaseEventData
	Attempt     int    `json:"attempt"`
	MaxRetries  int    `json:"max_retries"`
	DelayMs     int64  `json:"delay_ms"`
	Error       string `json:"error,omitempty"`
	ErrorType   string `json:"error_type,omitempty"`
	Alternative string `json:"alternative,omitempty"`
}

func (d *StageRetryData) GetEventType() EventType { return StageRetry }

// StageJumpData reports a goto decision.
type StageJumpData struct {
	FromStep int    `json:"from_step"`
	ToStep   int    `json:"to_step"`
	Reason   string `json:"reason,omitempty"`
}

func (d *StageJumpData) GetEventType() EventType { return StageJump }

// StageAbortData reports an abort decision.
type StageAbortData struct {
	BaseEventData
	Reason string `json:"reason,omitempty"`
}

func (d *StageAbortData) GetEventType() EventType { return StageAbort }

// StageErrorData reports a terminal step failure.
type StageErrorData struct {
	BaseEventData
	Error     string `json:"error"`
	ErrorType string `json:"error_type,omitempty"`
}

func (d *StageErrorData) GetEventType() EventType { return StageError }

// ConsistencyViolationData reports one violation found by a pre-execution
// check. Execution continues; the violation is advisory.
type ConsistencyViolationData struct {
	BaseEventData
	CheckpointID  string `json:"checkpoint_id"`
	ViolationType string `json:"violation_type,omitempty"`
	Severity      string `json:"severity"`
	Detail        string `json:"detail,omitempty"`
	Suggestion    string `json:"suggestion,omitempty"`
}

func (d *ConsistencyViolationData) GetEventType() EventType { return ConsistencyViolation }

// StageReplanData reports that the remaining plan was rewritten.
type StageReplanData struct {
	TriggerReason string         `json:"trigger_reason"`
	Mode          string         `json:"mode"`
	Patterns      []string       `json:"patterns,omitempty"`
	OldSteps      int            `json:"old_steps"`
	NewSteps      int            `json:"new_steps"`
	Steps         []PlanStepView `json:"steps,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
}

func (d *StageReplanData) GetEventType() EventType { return StageReplan }

// BindingPlanData reports the precomputed parameter bindings.
type BindingPlanData struct {
	Steps               int     `json:"steps"`
	Bindings            int     `json:"bindings"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	Reasoning           string  `json:"reasoning,omitempty"`
}

func (d *BindingPlanData) GetEventType() EventType { return BindingPlanCreated }

// ExecutionCompleteData closes the step loop, before the final answer/done.
type ExecutionCompleteData struct {
	StepsCompleted int   `json:"steps_completed"`
	StepsFailed    int   `json:"steps_failed"`
	Iterations     int   `json:"iterations"`
	DurationMs     int64 `json:"duration_ms"`
}

func (d *ExecutionCompleteData) GetEventType() EventType { return ExecutionComplete }

// ErrorData reports a kernel-level error outside any single step.
type ErrorData struct {
	Error string `json:"error"`
	Phase string `json:"phase,omitempty"`
}

func (d *ErrorData) GetEventType() EventType { return ErrorEvent }

// AnswerData carries the final natural-language answer when one is produced.
type AnswerData struct {
	Content string `json:"content"`
}

func (d *AnswerData) GetEventType() EventType { return Answer }

// DoneData is always the last event, even on abort. It carries the final
// state, the execution context snapshot, and the trace in truncated and full
// forms.
type DoneData struct {
	Iterations       int                    `json:"iterations"`
	Success          bool                   `json:"success"`
	Aborted          bool                   `json:"aborted,omitempty"`
	FinalState       map[string]interface{} `json:"final_state"`
	ExecutionContext map[string]interface{} `json:"execution_context,omitempty"`
	Trace            map[string]interface{} `json:"trace,omitempty"`
	TraceFull        map[string]interface{} `json:"trace_full,omitempty"`
}

func (d *DoneData) GetEventType() EventType { return Done }
