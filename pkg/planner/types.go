package planner

import (
	"fmt"
	"strings"
	"time"
)

// ComplexityLevel buckets a task by how much machinery it needs.
type ComplexityLevel string

const (
	ComplexitySimple   ComplexityLevel = "simple"
	ComplexityModerate ComplexityLevel = "moderate"
	ComplexityComplex  ComplexityLevel = "complex"
	ComplexityProject  ComplexityLevel = "project"
)

// TaskProfile is the classifier's output.
type TaskProfile struct {
	Complexity           ComplexityLevel `json:"complexity"`
	EstimatedSteps       int             `json:"estimated_steps"`
	HasCodeGeneration    bool            `json:"has_code_generation"`
	HasCrossDependencies bool            `json:"has_cross_dependencies"`
	RequiresConsistency  bool            `json:"requires_consistency"`
	IsReversible         bool            `json:"is_reversible"`
	Reasoning            string          `json:"reasoning"`
}

// ReplanTrigger selects when the replan manager runs its checks.
type ReplanTrigger string

const (
	ReplanOnFailure ReplanTrigger = "on_failure"
	ReplanPeriodic  ReplanTrigger = "periodic"
	ReplanProactive ReplanTrigger = "proactive"
)

// ExecutionStrategy tunes the engine per complexity level.
type ExecutionStrategy struct {
	EnableReplan           bool          `json:"enable_replan"`
	ReplanTrigger          ReplanTrigger `json:"replan_trigger,omitempty"`
	ReplanInterval         int           `json:"replan_interval,omitempty"`
	EnableConsistencyCheck bool          `json:"enable_consistency_check"`
	ConsistencyCheckOn     []string      `json:"consistency_check_on,omitempty"`
	EnableLookahead        bool          `json:"enable_lookahead"`
	CheckpointInterval     int           `json:"checkpoint_interval,omitempty"`
	RequirePhaseReview     bool          `json:"require_phase_review"`
}

// DeriveStrategy is the complexity-to-strategy table.
func DeriveStrategy(profile TaskProfile) ExecutionStrategy {
	switch profile.Complexity {
	case ComplexitySimple:
		return ExecutionStrategy{}
	case ComplexityComplex:
		return ExecutionStrategy{
			EnableReplan:           true,
			ReplanTrigger:          ReplanPeriodic,
			ReplanInterval:         3,
			EnableConsistencyCheck: true,
			ConsistencyCheckOn:     []string{"code", "interface"},
			CheckpointInterval:     3,
		}
	case ComplexityProject:
		return ExecutionStrategy{
			EnableReplan:           true,
			ReplanTrigger:          ReplanProactive,
			EnableConsistencyCheck: true,
			ConsistencyCheckOn:     []string{"code", "interface", "schema", "requirements"},
			EnableLookahead:        true,
			CheckpointInterval:     3,
			RequirePhaseReview:     true,
		}
	default: // moderate and anything unrecognized
		return ExecutionStrategy{
			EnableReplan:  true,
			ReplanTrigger: ReplanOnFailure,
		}
	}
}

// PlanStep is one unit of work in an execution plan.
type PlanStep struct {
	ID           string                 `json:"id"`
	Description  string                 `json:"description"`
	Tool         string                 `json:"tool,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Expectations string                 `json:"expectations,omitempty"`

	// OnFailStrategy is a natural-language hint parsed by the engine:
	// retry, goto a step, abort, or the default soft fallback.
	OnFailStrategy string `json:"on_fail_strategy,omitempty"`

	ReadFields  []string `json:"read_fields,omitempty"`
	WriteFields []string `json:"write_fields,omitempty"`

	// Pinned steps survive every replan unchanged.
	IsPinned          bool                   `json:"is_pinned,omitempty"`
	PinnedParameters  map[string]interface{} `json:"pinned_parameters,omitempty"`
	ParameterTemplate map[string]interface{} `json:"parameter_template,omitempty"`
}

// ExecutionPlan is the planner's output and the engine's input.
type ExecutionPlan struct {
	Intent          string                 `json:"intent"`
	Subtasks        []PlanStep             `json:"subtasks"`
	ExpectedOutcome string                 `json:"expected_outcome,omitempty"`
	StateSchema     map[string]interface{} `json:"state_schema,omitempty"`
	Warnings        []string               `json:"warnings,omitempty"`
	Errors          []string               `json:"errors,omitempty"`

	TaskProfile       *TaskProfile       `json:"task_profile,omitempty"`
	ExecutionStrategy *ExecutionStrategy `json:"execution_strategy,omitempty"`
}

// Step returns the subtask with the id.
func (p *ExecutionPlan) Step(id string) (*PlanStep, bool) {
	for i := range p.Subtasks {
		if p.Subtasks[i].ID == id {
			return &p.Subtasks[i], true
		}
	}
	return nil, false
}

// StepIndex returns the position of a step id, or -1.
func (p *ExecutionPlan) StepIndex(id string) int {
	for i := range p.Subtasks {
		if p.Subtasks[i].ID == id {
			return i
		}
	}
	return -1
}

// PinnedSteps returns the pinned subtasks in plan order.
func (p *ExecutionPlan) PinnedSteps() []PlanStep {
	var out []PlanStep
	for _, s := range p.Subtasks {
		if s.IsPinned {
			out = append(out, s)
		}
	}
	return out
}

// AllPinned reports whether the plan consists only of pinned steps.
func (p *ExecutionPlan) AllPinned() bool {
	if len(p.Subtasks) == 0 {
		return false
	}
	for _, s := range p.Subtasks {
		if !s.IsPinned {
			return false
		}
	}
	return true
}

// Strategy returns the attached strategy or a zero value.
func (p *ExecutionPlan) Strategy() ExecutionStrategy {
	if p.ExecutionStrategy != nil {
		return *p.ExecutionStrategy
	}
	return ExecutionStrategy{}
}

// StepRecord is one history entry: a single attempt of a single step.
type StepRecord struct {
	StepID              string                 `json:"step_id"`
	StepNum             int                    `json:"step_num"`
	ToolName            string                 `json:"tool_name"`
	Description         string                 `json:"description,omitempty"`
	Arguments           map[string]interface{} `json:"arguments,omitempty"`
	Output              map[string]interface{} `json:"output,omitempty"`
	Success             bool                   `json:"success"`
	Error               string                 `json:"error,omitempty"`
	Target              string                 `json:"target,omitempty"`
	SemanticDescription string                 `json:"semantic_description,omitempty"`
	InputSummary        string                 `json:"input_summary,omitempty"`
	OutputSummary       string                 `json:"output_summary,omitempty"`
	Timestamp           time.Time              `json:"timestamp"`
}

// SemanticDescription derives a short summary of a tool output from its
// well-known keys, for history entries whose tool provided none.
func SemanticDescription(toolName string, output map[string]interface{}) string {
	if output == nil {
		return fmt.Sprintf("%s returned nothing", toolName)
	}
	var parts []string
	for _, key := range []string{"documents", "docs"} {
		if n, ok := countable(output[key]); ok {
			parts = append(parts, fmt.Sprintf("returned %d documents", n))
			break
		}
	}
	if n, ok := countable(output["results"]); ok {
		parts = append(parts, fmt.Sprintf("returned %d results", n))
	}
	if n, ok := countable(output["queries"]); ok {
		parts = append(parts, fmt.Sprintf("generated %d queries", n))
	}
	if n, ok := countable(output["outline"]); ok {
		parts = append(parts, fmt.Sprintf("produced an outline with %d sections", n))
	}
	if content, ok := output["content"].(string); ok && content != "" {
		parts = append(parts, fmt.Sprintf("produced %d chars of content", len(content)))
	}
	if len(parts) == 0 {
		if msg, ok := output["message"].(string); ok && msg != "" {
			return fmt.Sprintf("%s: %s", toolName, msg)
		}
		return fmt.Sprintf("%s completed", toolName)
	}
	return strings.Join(parts, "; ")
}

func countable(v interface{}) (int, bool) {
	switch x := v.(type) {
	case []interface{}:
		return len(x), true
	case []string:
		return len(x), true
	case map[string]interface{}:
		return len(x), true
	}
	return 0, false
}
