// Package engine executes plans step by step: it resolves arguments against
// the blackboard, dispatches tools under a retry policy, validates results
// against step expectations, and hands control to the replanner when
// execution goes sideways. Everything it does lands on the event stream.
package engine

import (
	"context"
	"fmt"
	"time"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/metrics"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/binding"
	"agent-kernel/kernel_go/pkg/events"
	"agent-kernel/kernel_go/pkg/memory"
	"agent-kernel/kernel_go/pkg/params"
	"agent-kernel/kernel_go/pkg/planner"
	"agent-kernel/kernel_go/pkg/replan"
	"agent-kernel/kernel_go/pkg/state"
	"agent-kernel/kernel_go/pkg/tools"
)

// Config wires an Engine. Registry is required. Everything else degrades
// gracefully: a nil Binder skips static bindings, a nil Replanner pins the
// plan, a nil Memory skips recovery lookups.
type Config struct {
	Client    llm.Client
	Registry  *tools.Registry
	Params    *params.Builder
	Binder    *binding.Planner
	Replanner *replan.Manager
	Extractor *memory.Extractor
	Memory    *memory.Store
	Retry     RetryConfig
	Logger    utils.ExtendedLogger
}

// Engine drives plan execution. One Engine serves any number of tasks; all
// per-task mutable data lives in the ExecutionContext.
type Engine struct {
	client    llm.Client
	registry  *tools.Registry
	params    *params.Builder
	binder    *binding.Planner
	replanner *replan.Manager
	extractor *memory.Extractor
	memory    *memory.Store
	retry     RetryConfig
	logger    utils.ExtendedLogger
}

// New builds an Engine from the config.
func New(cfg Config) *Engine {
	e := &Engine{
		client:    cfg.Client,
		registry:  cfg.Registry,
		params:    cfg.Params,
		binder:    cfg.Binder,
		replanner: cfg.Replanner,
		extractor: cfg.Extractor,
		memory:    cfg.Memory,
		retry:     cfg.Retry.withDefaults(),
		logger:    utils.OrSilent(cfg.Logger),
	}
	if e.registry == nil {
		e.registry = tools.NewRegistry(cfg.Logger)
	}
	if e.params == nil {
		e.params = params.NewBuilder(cfg.Client, cfg.Logger)
	}
	return e
}

// Result summarizes one plan execution.
type Result struct {
	StepsCompleted int
	StepsFailed    int
	Iterations     int
	Aborted        bool
	// LastOutput is the most recent successful step output, for answer
	// synthesis.
	LastOutput map[string]interface{}
}

// stepOutcome is everything the loop needs to decide what happens after one
// step attempt.
type stepOutcome struct {
	Tool              *tools.Tool
	Result            map[string]interface{}
	Args              map[string]interface{}
	Success           bool
	ExpectationFailed bool
	Reason            string
	ErrText           string
}

// ExecutePlanStream runs the plan to termination, emitting stage events as
// it goes. The caller owns the surrounding plan-level events (planning,
// execution_plan, answer, done). The returned error is non-nil only when the
// context ended before the plan did.
func (e *Engine) ExecutePlanStream(ctx context.Context, ec *ExecutionContext, stream *events.Stream) (*Result, error) {
	res := &Result{}
	if ec == nil || ec.Plan == nil {
		stream.Emit(ctx, &events.ExecutionCompleteData{})
		return res, nil
	}
	if ec.State == nil {
		ec.State = state.New(nil)
	}
	started := time.Now()

	// skipDone lists steps a replan carried over as already completed; the
	// loop walks past them without re-dispatching.
	skipDone := make(map[string]bool)
	attempts := make(map[string]int)
	idx := 0
	stepsSinceReplan := 0

	for idx < len(ec.Plan.Subtasks) {
		if err := ctx.Err(); err != nil {
			res.Aborted = true
			res.Iterations = ec.State.Iterations()
			return res, err
		}
		step := &ec.Plan.Subtasks[idx]
		if skipDone[step.ID] {
			idx++
			continue
		}

		if ec.State.Iterations() >= ec.State.MaxIterations() {
			e.logger.Warnf("⚠️ Iteration budget exhausted at step %s (%d/%d)", step.ID, ec.State.Iterations(), ec.State.MaxIterations())
			stream.Emit(ctx, &events.StageAbortData{
				BaseEventData: baseEvent(idx+1, step),
				Reason:        fmt.Sprintf("iteration budget exhausted after %d iterations", ec.State.Iterations()),
			})
			res.Aborted = true
			break
		}
		res.Iterations = ec.State.IncrementIterations()

		stepNum := idx + 1
		attempts[step.ID]++
		e.logger.Infof("📋 Step %d/%d: %s", stepNum, len(ec.Plan.Subtasks), step.Description)
		stream.Emit(ctx, &events.StageStartData{
			BaseEventData: baseEvent(stepNum, step),
			TotalSteps:    len(ec.Plan.Subtasks),
			Attempt:       attempts[step.ID],
		})

		e.ensureBindingPlan(ctx, ec, stream)

		outcome := e.runStep(ctx, ec, step, stepNum, stream)
		if outcome == nil {
			res.Aborted = true
			res.Iterations = ec.State.Iterations()
			return res, ctx.Err()
		}
		if outcome.Success {
			res.StepsCompleted++
			res.LastOutput = outcome.Result
			stepsSinceReplan++
		} else {
			res.StepsFailed++
		}

		next := idx + 1
		aborted := false
		if !outcome.Success {
			next, aborted = e.handleFailure(ctx, ec, step, stepNum, idx, skipDone, stream)
		}
		if aborted {
			res.Aborted = true
			break
		}

		if e.replanner != nil {
			replanned, err := e.maybeReplan(ctx, ec, step, outcome, stepsSinceReplan, stream)
			if err != nil {
				res.Aborted = true
				res.Iterations = ec.State.Iterations()
				return res, err
			}
			if replanned {
				skipDone = ec.succeededSteps()
				idx = 0
				stepsSinceReplan = 0
				continue
			}
		}

		idx = next
	}

	res.Iterations = ec.State.Iterations()
	stream.Emit(ctx, &events.ExecutionCompleteData{
		StepsCompleted: res.StepsCompleted,
		StepsFailed:    res.StepsFailed,
		Iterations:     res.Iterations,
		DurationMs:     time.Since(started).Milliseconds(),
	})
	e.logger.Infof("✅ Plan finished: %d completed, %d failed, %d iterations", res.StepsCompleted, res.StepsFailed, res.Iterations)
	return res, nil
}

// runStep takes one step through arguments, dispatch, expectation
// validation, state update, and its stage_complete. A nil return means the
// context ended mid-step.
func (e *Engine) runStep(ctx context.Context, ec *ExecutionContext, step *planner.PlanStep, stepNum int, stream *events.Stream) *stepOutcome {
	started := time.Now()

	// The planner writes toolless steps when nothing registered fits; they
	// complete on the spot so the history and events stay regular.
	if step.Tool == "" {
		result := map[string]interface{}{"success": true, "message": step.Description}
		return e.finishStep(ctx, ec, step, stepNum, nil, nil, result, false, "", stream, started)
	}

	tool, ok := e.registry.Get(step.Tool)
	if !ok {
		errText := fmt.Sprintf("tool %s is not registered", step.Tool)
		e.logger.Warnf("❌ Step %s: %s", step.ID, errText)
		stream.Emit(ctx, &events.StageErrorData{
			BaseEventData: baseEvent(stepNum, step),
			Error:         errText,
			ErrorType:     ErrDependency,
		})
		result := map[string]interface{}{"success": false, "error": errText}
		return e.finishStep(ctx, ec, step, stepNum, nil, nil, result, false, "", stream, started)
	}

	e.preCheck(ctx, ec, step, stepNum, tool, stream)

	built, err := e.params.Build(ctx, params.BuildRequest{
		Step:        step,
		Tool:        tool,
		State:       ec.State,
		UserQuery:   ec.Query,
		BindingPlan: ec.BindingPlan,
		StepOutputs: ec.StepOutput,
		History:     ec.History,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		e.logger.Warnf("⚠️ Arguments for step %s could not be completed: %v", step.ID, err)
		stream.Emit(ctx, &events.StageErrorData{
			BaseEventData: baseEvent(stepNum, step),
			Error:         utils.TruncateString(err.Error(), 500),
			ErrorType:     ErrParameter,
		})
		result := map[string]interface{}{"success": false, "error": err.Error()}
		return e.finishStep(ctx, ec, step, stepNum, tool, nil, result, false, "", stream, started)
	}
	stream.Emit(ctx, &events.ParamBuildData{
		BaseEventData:   baseEvent(stepNum, step),
		Args:            previewArgs(built.Args),
		IsLoopExecution: built.IsLoop,
		LLMFilled:       built.LLMFilled,
		CacheHit:        built.CacheHit,
	})

	out := e.dispatch(ctx, ec, step, tool, built.Args, stream, stepNum)
	if ctx.Err() != nil {
		return nil
	}

	expectationFailed := false
	reason := ""
	if tools.ResultSuccess(out.Result) && step.Expectations != "" {
		passed, why := e.validateExpectation(ctx, ec, step, out.Tool, out.Result)
		if !passed {
			expectationFailed = true
			reason = why
		}
	}

	return e.finishStep(ctx, ec, step, stepNum, out.Tool, out.Args, out.Result, expectationFailed, reason, stream, started)
}

// finishStep writes the result into state and history, applies the tool's
// post-success policy, and closes the step with stage_complete. A tool-level
// success whose expectation failed still lands in state; the failure reason
// goes to last_failure so later steps can react.
func (e *Engine) finishStep(ctx context.Context, ec *ExecutionContext, step *planner.PlanStep, stepNum int, tool *tools.Tool, args, result map[string]interface{}, expectationFailed bool, reason string, stream *events.Stream, started time.Time) *stepOutcome {
	toolName := step.Tool
	if tool != nil {
		toolName = tool.Name
	}
	toolOK := tools.ResultSuccess(result)
	success := toolOK && !expectationFailed
	errText := tools.ResultError(result)
	policy := tool.EffectivePostPolicy()

	if toolOK {
		ec.State.SetStepOutput(step.ID, toolName, result)
		ec.cacheOutput(step.ID, result)
		ec.State.ApplyOutput(result, policy.ResultHandling.StateMapping)
	}
	switch {
	case expectationFailed:
		ec.State.SetLastFailure(toolName, reason)
		ec.State.AddFailedStep(step.ID)
	case !toolOK:
		ec.State.SetLastFailure(toolName, errText)
		ec.State.AddFailedStep(step.ID)
	}

	rec := planner.StepRecord{
		StepID:      step.ID,
		StepNum:     stepNum,
		ToolName:    toolName,
		Description: step.Description,
		Arguments:   args,
		Output:      result,
		Success:     success,
		Timestamp:   time.Now(),
	}
	if success {
		rec.SemanticDescription = planner.SemanticDescription(toolName, result)
	} else if reason != "" {
		rec.Error = reason
	} else {
		rec.Error = errText
	}
	ec.History = append(ec.History, rec)

	if success && tool != nil {
		e.applyPostSuccess(ctx, ec, step, tool, policy, result)
	}

	stream.Emit(ctx, &events.StageCompleteData{
		BaseEventData:     baseEvent(stepNum, step),
		Success:           success,
		Result:            result,
		Error:             errText,
		ExpectationFailed: expectationFailed,
		EvaluationReason:  reason,
		DurationMs:        time.Since(started).Milliseconds(),
	})
	if success {
		e.logger.Infof("✅ Step %s (%s) done", step.ID, toolName)
	} else if expectationFailed {
		e.logger.Warnf("🔍 Step %s (%s) missed its expectation: %s", step.ID, toolName, reason)
	} else {
		e.logger.Warnf("❌ Step %s (%s) failed: %s", step.ID, toolName, errText)
	}

	return &stepOutcome{
		Tool:              tool,
		Result:            result,
		Args:              args,
		Success:           success,
		ExpectationFailed: expectationFailed,
		Reason:            reason,
		ErrText:           errText,
	}
}

// applyPostSuccess runs the tool's post-success policy: working-memory
// extraction, checkpoint distillation, and output compression.
func (e *Engine) applyPostSuccess(ctx context.Context, ec *ExecutionContext, step *planner.PlanStep, tool *tools.Tool, policy *tools.ToolPostPolicy, result map[string]interface{}) {
	if policy.PostSuccess.ExtractWorkingMemory && e.extractor != nil && ec.WorkingMemory != nil {
		n, err := e.extractor.ExtractFromOutput(ctx, ec.WorkingMemory, step.ID, tool.Name, result)
		if err != nil {
			e.logger.Warnf("⚠️ Working-memory extraction failed for step %s: %v", step.ID, err)
		} else if n > 0 {
			e.logger.Infof("🧠 Extracted %d working-memory item(s) from step %s", n, step.ID)
		}
	}
	if policy.ResultHandling.RegisterAsCheckpoint && ec.Consistency != nil {
		artifact := memory.ArtifactType(policy.ResultHandling.CheckpointType)
		if artifact == "" {
			artifact = memory.ArtifactDocument
		}
		if err := ec.Consistency.DistillCheckpoint(ctx, step.ID, tool.Name, artifact, result); err != nil {
			e.logger.Warnf("⚠️ Checkpoint distillation failed for step %s: %v", step.ID, err)
		}
	}
	if tool.Compressor != nil {
		if compressed := tool.Compressor.Compress(result, ec.State.Snapshot()); len(compressed) > 0 {
			ec.State.SetStepOutput(step.ID, tool.Name, compressed)
			ec.cacheOutput(step.ID, compressed)
			e.logger.Debugf("🧹 Compressed output of step %s for later prompts", step.ID)
		}
	}
}

// handleFailure applies the step's onFailStrategy and returns the next index
// plus whether the loop should stop.
func (e *Engine) handleFailure(ctx context.Context, ec *ExecutionContext, step *planner.PlanStep, stepNum, idx int, skipDone map[string]bool, stream *events.Stream) (int, bool) {
	action, target := parseFailStrategy(step.OnFailStrategy)
	switch action {
	case failRetry:
		e.logger.Infof("🔄 Step %s re-enters per its failure strategy", step.ID)
		recordFlow(ctx, observability.FlowRecord{
			Action: observability.FlowRetry,
			StepID: step.ID,
			Reason: step.OnFailStrategy,
		})
		return idx, false
	case failGoto:
		if target >= 1 && target <= len(ec.Plan.Subtasks) {
			e.logger.Infof("↩️ Step %s failed, jumping back to step %d", step.ID, target)
			stream.Emit(ctx, &events.StageJumpData{FromStep: stepNum, ToStep: target, Reason: step.OnFailStrategy})
			recordFlow(ctx, observability.FlowRecord{
				Action:   observability.FlowJump,
				StepID:   step.ID,
				FromStep: stepNum,
				ToStep:   target,
				Reason:   step.OnFailStrategy,
			})
			// The jump target runs again even if a replan marked it done.
			delete(skipDone, ec.Plan.Subtasks[target-1].ID)
			return target - 1, false
		}
		e.logger.Warnf("⚠️ Step %s wants to jump to step %d, which does not exist; advancing", step.ID, target)
		stream.Emit(ctx, &events.StageJumpData{FromStep: stepNum, ToStep: stepNum + 1, Reason: "jump target out of range"})
		return idx + 1, false
	case failAbort:
		reason := step.OnFailStrategy
		if reason == "" {
			reason = "step failed"
		}
		e.logger.Warnf("🛑 Step %s failed, aborting the plan", step.ID)
		stream.Emit(ctx, &events.StageAbortData{BaseEventData: baseEvent(stepNum, step), Reason: reason})
		recordFlow(ctx, observability.FlowRecord{
			Action: observability.FlowAbort,
			StepID: step.ID,
			Reason: reason,
		})
		return idx, true
	default:
		e.logger.Infof("➡️ Step %s failed, tolerating and moving on", step.ID)
		stream.Emit(ctx, &events.StageJumpData{FromStep: stepNum, ToStep: stepNum + 1, Reason: "failure tolerated, continuing with the next step"})
		recordFlow(ctx, observability.FlowRecord{
			Action:   observability.FlowFallback,
			StepID:   step.ID,
			FromStep: stepNum,
			ToStep:   stepNum + 1,
			Reason:   "failure tolerated",
		})
		return idx + 1, false
	}
}

// maybeReplan consults the replanner after a step. A non-nil outcome swaps
// the plan in place, invalidates bindings and the argument cache, and tells
// the loop to restart from the top.
func (e *Engine) maybeReplan(ctx context.Context, ec *ExecutionContext, step *planner.PlanStep, outcome *stepOutcome, stepsSinceReplan int, stream *events.Stream) (bool, error) {
	check, err := e.replanner.Check(ctx, replan.CheckInput{
		Plan:             ec.Plan,
		Step:             step,
		Tool:             outcome.Tool,
		StepSucceeded:    outcome.Success,
		LastOutput:       outcome.Result,
		History:          ec.History,
		State:            ec.State,
		StepsSinceReplan: stepsSinceReplan,
		UserQuery:        ec.Query,
		WorkingMemory:    workingMemoryBlock(ec),
		Consistency:      consistencyBlock(ec),
	})
	if err != nil {
		return false, err
	}
	if check == nil {
		return false, nil
	}

	oldSteps := len(ec.Plan.Subtasks)
	ec.Plan = check.Plan
	ec.BindingPlan = nil
	e.params.ResetCache()

	mode := "full"
	if check.Incremental {
		mode = "incremental"
	}
	metrics.Replans.WithLabelValues(mode).Inc()
	recordFlow(ctx, observability.FlowRecord{
		Action: observability.FlowReplan,
		StepID: step.ID,
		Reason: check.Reason,
	})
	patterns := make([]string, 0, len(check.Patterns))
	for _, p := range check.Patterns {
		patterns = append(patterns, string(p.Type))
	}
	stream.Emit(ctx, &events.StageReplanData{
		TriggerReason: check.Reason,
		Mode:          mode,
		Patterns:      patterns,
		OldSteps:      oldSteps,
		NewSteps:      len(check.Plan.Subtasks),
		Steps:         stepViews(check.Plan),
		Warnings:      check.Plan.Warnings,
	})
	e.logger.Infof("🔄 Replanned (%s): %s", mode, check.Reason)
	return true, nil
}

// preCheck runs the advisory consistency check before a risky dispatch.
// Critical violations reach the stream; execution continues regardless.
func (e *Engine) preCheck(ctx context.Context, ec *ExecutionContext, step *planner.PlanStep, stepNum int, tool *tools.Tool, stream *events.Stream) {
	if ec.Consistency == nil || len(ec.Consistency.Checkpoints) == 0 {
		return
	}
	ps := tool.EffectivePostPolicy().PostSuccess
	if !ps.HighImpact && !ps.RequiresConsistencyCheck && !ec.Plan.Strategy().RequirePhaseReview {
		return
	}

	draft := make(map[string]interface{}, len(step.Parameters)+len(step.PinnedParameters))
	for k, v := range step.Parameters {
		draft[k] = v
	}
	for k, v := range step.PinnedParameters {
		draft[k] = v
	}

	violations, err := ec.Consistency.Check(ctx, step.ID, tool.Name, step.Description, draft, ps.ConsistencyCheckAgainst)
	if err != nil {
		e.logger.Warnf("⚠️ Consistency check failed before step %s: %v", step.ID, err)
		return
	}
	for _, v := range violations {
		metrics.ConsistencyViolations.WithLabelValues(string(v.Severity)).Inc()
		if v.Severity != memory.SeverityCritical {
			continue
		}
		stream.Emit(ctx, &events.ConsistencyViolationData{
			BaseEventData: events.BaseEventData{Step: stepNum, StepID: step.ID, Tool: tool.Name},
			CheckpointID:  v.CheckpointID,
			ViolationType: v.ViolationType,
			Severity:      string(v.Severity),
			Detail:        v.Description,
			Suggestion:    v.Suggestion,
		})
	}
}

// validateExpectation judges a successful result against the step's stated
// expectations. Tools without a validator, and validator transport errors,
// let the result stand.
func (e *Engine) validateExpectation(ctx context.Context, ec *ExecutionContext, step *planner.PlanStep, tool *tools.Tool, result map[string]interface{}) (bool, string) {
	if tool == nil || tool.Validator == nil {
		return true, ""
	}
	passed, reason, err := tool.Validator.Validate(ctx, result, step.Expectations, ec.State.Snapshot(), "execution")
	if err != nil {
		e.logger.Warnf("⚠️ Expectation validation errored for step %s, letting the result stand: %v", step.ID, err)
		return true, ""
	}
	return passed, reason
}

// ensureBindingPlan creates the static binding plan on first use and again
// after a replan dropped the old one.
func (e *Engine) ensureBindingPlan(ctx context.Context, ec *ExecutionContext, stream *events.Stream) {
	if e.binder == nil || ec.BindingPlan != nil {
		return
	}
	bp, err := e.binder.Create(ctx, ec.Plan, ec.Query, ec.State)
	if err != nil {
		e.logger.Warnf("⚠️ Binding plan creation failed, resolving per step instead: %v", err)
		ec.BindingPlan = &binding.BindingPlan{}
		return
	}
	ec.BindingPlan = bp
	count := 0
	for _, sb := range bp.Steps {
		count += len(sb.Bindings)
	}
	stream.Emit(ctx, &events.BindingPlanData{
		Steps:               len(bp.Steps),
		Bindings:            count,
		ConfidenceThreshold: bp.Threshold(),
		Reasoning:           bp.Reasoning,
	})
	e.logger.Infof("🔗 Binding plan ready: %d binding(s) across %d step(s)", count, len(bp.Steps))
}

func baseEvent(stepNum int, step *planner.PlanStep) events.BaseEventData {
	return events.BaseEventData{
		Step:        stepNum,
		StepID:      step.ID,
		Tool:        step.Tool,
		Description: step.Description,
	}
}

func previewArgs(args map[string]interface{}) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = utils.PreviewValue(v)
	}
	return out
}

func stepViews(p *planner.ExecutionPlan) []events.PlanStepView {
	out := make([]events.PlanStepView, 0, len(p.Subtasks))
	for _, s := range p.Subtasks {
		out = append(out, events.PlanStepView{
			ID:           s.ID,
			Description:  s.Description,
			Tool:         s.Tool,
			Parameters:   s.Parameters,
			Dependencies: s.Dependencies,
			Expectations: s.Expectations,
			IsPinned:     s.IsPinned,
		})
	}
	return out
}

func workingMemoryBlock(ec *ExecutionContext) string {
	if ec.WorkingMemory == nil || ec.WorkingMemory.IsEmpty() {
		return ""
	}
	return ec.WorkingMemory.ContextBlock()
}

func consistencyBlock(ec *ExecutionContext) string {
	if ec.Consistency == nil {
		return ""
	}
	return ec.Consistency.ContextBlock()
}

func recordFlow(ctx context.Context, rec observability.FlowRecord) {
	if tr := observability.TraceFromContext(ctx); tr != nil {
		tr.RecordFlow(ctx, rec)
	}
}
