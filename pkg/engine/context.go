package engine

import (
	"context"

	"agent-kernel/kernel_go/pkg/binding"
	"agent-kernel/kernel_go/pkg/memory"
	"agent-kernel/kernel_go/pkg/planner"
	"agent-kernel/kernel_go/pkg/state"
)

// ToolExecutor replaces direct tool handler invocation when set, for callers
// that route dispatch through their own transport. A returned error counts
// as {success: false}.
type ToolExecutor func(ctx context.Context, toolName string, args map[string]interface{}) (map[string]interface{}, error)

// ExecutionContext is the mutable per-task bundle: the plan being executed,
// the blackboard, task-scoped memory, and the step history. One goroutine
// owns it for the duration of the task.
type ExecutionContext struct {
	TaskID string
	UserID string
	Query  string

	Plan        *planner.ExecutionPlan
	State       *state.ExecutionState
	BindingPlan *binding.BindingPlan

	WorkingMemory *memory.WorkingMemory
	Consistency   *memory.ConsistencyChecker

	History []planner.StepRecord

	Executor ToolExecutor

	outputs map[string]map[string]interface{}
}

// NewExecutionContext builds a context around a plan. State defaults to an
// empty blackboard; the consistency checker stays nil until the caller wires
// one with an LLM client.
func NewExecutionContext(taskID, userID, query string, plan *planner.ExecutionPlan, st *state.ExecutionState) *ExecutionContext {
	if st == nil {
		st = state.New(nil)
	}
	return &ExecutionContext{
		TaskID:        taskID,
		UserID:        userID,
		Query:         query,
		Plan:          plan,
		State:         st,
		WorkingMemory: memory.NewWorkingMemory(),
		outputs:       make(map[string]map[string]interface{}),
	}
}

// StepOutput returns a completed step's output, preferring the in-memory
// cache over the blackboard copy.
func (c *ExecutionContext) StepOutput(stepID string) (map[string]interface{}, bool) {
	if out, ok := c.outputs[stepID]; ok {
		return out, true
	}
	if c.State == nil {
		return nil, false
	}
	return c.State.StepOutput(stepID)
}

func (c *ExecutionContext) cacheOutput(stepID string, out map[string]interface{}) {
	if c.outputs == nil {
		c.outputs = make(map[string]map[string]interface{})
	}
	c.outputs[stepID] = out
}

// succeededSteps collects the ids whose latest attempt succeeded; a later
// failure clears the earlier success.
func (c *ExecutionContext) succeededSteps() map[string]bool {
	done := make(map[string]bool)
	for _, rec := range c.History {
		if rec.Success {
			done[rec.StepID] = true
		} else {
			delete(done, rec.StepID)
		}
	}
	return done
}

// Snapshot renders the context for the final done event.
func (c *ExecutionContext) Snapshot() map[string]interface{} {
	history := make([]map[string]interface{}, 0, len(c.History))
	for _, rec := range c.History {
		entry := map[string]interface{}{
			"step_id": rec.StepID,
			"tool":    rec.ToolName,
			"success": rec.Success,
		}
		if rec.SemanticDescription != "" {
			entry["description"] = rec.SemanticDescription
		}
		if rec.Error != "" {
			entry["error"] = rec.Error
		}
		history = append(history, entry)
	}
	snap := map[string]interface{}{
		"task_id": c.TaskID,
		"history": history,
	}
	if c.WorkingMemory != nil && !c.WorkingMemory.IsEmpty() {
		snap["working_memory"] = c.WorkingMemory.ContextBlock()
	}
	if c.Consistency != nil && len(c.Consistency.Checkpoints) > 0 {
		snap["checkpoints"] = len(c.Consistency.Checkpoints)
		snap["violations"] = len(c.Consistency.Violations)
	}
	return snap
}
