package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/metrics"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/events"
	"agent-kernel/kernel_go/pkg/memory"
	"agent-kernel/kernel_go/pkg/params"
	"agent-kernel/kernel_go/pkg/planner"
	"agent-kernel/kernel_go/pkg/tools"
)

// RetryStrategy selects how retry delays grow.
type RetryStrategy string

const (
	RetryImmediate          RetryStrategy = "immediate"
	RetryExponentialBackoff RetryStrategy = "exponential_backoff"
	RetryLinearBackoff      RetryStrategy = "linear_backoff"
)

// Error types assigned by classification. Parameter errors additionally get
// a fix pass; permission errors never retry.
const (
	ErrParameter  = "parameter_error"
	ErrNetwork    = "network_error"
	ErrTimeout    = "timeout_error"
	ErrResource   = "resource_error"
	ErrLogic      = "logic_error"
	ErrDependency = "dependency_error"
	ErrPermission = "permission_error"
	ErrUnknown    = "unknown_error"
)

var knownErrorTypes = map[string]bool{
	ErrParameter: true, ErrNetwork: true, ErrTimeout: true, ErrResource: true,
	ErrLogic: true, ErrDependency: true, ErrPermission: true, ErrUnknown: true,
}

// RetryConfig bounds the smart-retry loop around each tool dispatch.
// MaxRetries counts retries after the first attempt; a negative value
// disables retrying entirely.
type RetryConfig struct {
	MaxRetries    int
	Strategy      RetryStrategy
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// RetryOn restricts retries to the listed error types. Empty allows
	// every recoverable type.
	RetryOn []string
}

// DefaultRetryConfig returns the stock policy: three retries with
// exponential backoff from one second, capped at thirty.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		Strategy:      RetryExponentialBackoff,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	switch {
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	case c.MaxRetries == 0:
		c.MaxRetries = d.MaxRetries
	}
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = d.BackoffFactor
	}
	return c
}

// Delay returns the wait before retry n (zero-based), capped at MaxDelay.
func (c RetryConfig) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	switch c.Strategy {
	case RetryImmediate:
		return 0
	case RetryLinearBackoff:
		d := time.Duration(n+1) * c.BaseDelay
		if d > c.MaxDelay {
			return c.MaxDelay
		}
		return d
	default:
		d := c.BaseDelay
		for i := 0; i < n; i++ {
			d = time.Duration(float64(d) * c.BackoffFactor)
			if d >= c.MaxDelay {
				return c.MaxDelay
			}
		}
		if d > c.MaxDelay {
			return c.MaxDelay
		}
		return d
	}
}

func (c RetryConfig) retriable(errorType string) bool {
	if len(c.RetryOn) == 0 {
		return true
	}
	for _, t := range c.RetryOn {
		if t == errorType {
			return true
		}
	}
	return false
}

// errorAnalysis classifies one failed tool call.
type errorAnalysis struct {
	ErrorType     string                 `json:"error_type"`
	IsRecoverable bool                   `json:"is_recoverable"`
	RootCause     string                 `json:"root_cause,omitempty"`
	ParamFixes    map[string]interface{} `json:"param_fixes,omitempty"`

	fromMemory bool
}

// recoveryConfidence is the minimum match score for reusing a past recovery
// without consulting the LLM.
const recoveryConfidence = 0.8

// dispatchOutcome is what one dispatch, retries and alternatives included,
// finally produced.
type dispatchOutcome struct {
	Tool      *tools.Tool
	Result    map[string]interface{}
	Args      map[string]interface{}
	Attempts  int
	ErrorType string
}

// dispatch runs the tool under the retry policy: classify each failure,
// back off, patch parameters when the classification says so, and walk the
// alternative tools once retries are spent.
func (e *Engine) dispatch(ctx context.Context, ec *ExecutionContext, step *planner.PlanStep, tool *tools.Tool, args map[string]interface{}, stream *events.Stream, stepNum int) *dispatchOutcome {
	out := &dispatchOutcome{Tool: tool, Args: args}
	original := copyArgs(args)
	current := args
	var analysis *errorAnalysis
	firstError := ""

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		out.Result = e.invoke(ctx, ec, step, tool, current, attempt)
		out.Args = current
		if tools.ResultSuccess(out.Result) {
			e.rememberRecovery(ec, tool, analysis, firstError, original, current)
			return out
		}
		errText := tools.ResultError(out.Result)
		if firstError == "" {
			firstError = errText
		}
		if ctx.Err() != nil || attempt > e.retry.MaxRetries {
			break
		}

		analysis = e.classifyError(ctx, ec, tool, errText, current)
		out.ErrorType = analysis.ErrorType
		if !analysis.IsRecoverable || !e.retry.retriable(analysis.ErrorType) {
			e.logger.Warnf("❌ Step %s hit a %s, not retrying: %s", step.ID, analysis.ErrorType, analysis.RootCause)
			break
		}

		delay := e.retry.Delay(attempt - 1)
		e.logger.Infof("🔄 Retrying step %s in %s (attempt %d/%d, %s)", step.ID, delay, attempt, e.retry.MaxRetries, analysis.ErrorType)
		stream.Emit(ctx, &events.StageRetryData{
			BaseEventData: events.BaseEventData{Step: stepNum, StepID: step.ID, Tool: tool.Name},
			Attempt:       attempt,
			MaxRetries:    e.retry.MaxRetries,
			DelayMs:       delay.Milliseconds(),
			Error:         utils.TruncateString(errText, 300),
			ErrorType:     analysis.ErrorType,
		})
		if tr := observability.TraceFromContext(ctx); tr != nil {
			tr.RecordFlow(ctx, observability.FlowRecord{
				Action: observability.FlowRetry,
				StepID: step.ID,
				Reason: analysis.ErrorType,
			})
		}
		metrics.StepRetries.Inc()
		if !sleepCtx(ctx, delay) {
			return out
		}

		if analysis.ErrorType == ErrParameter {
			fixes := analysis.ParamFixes
			if len(fixes) == 0 {
				fixes = e.proposeParamFixes(ctx, tool, current, errText, analysis.RootCause)
			}
			if len(fixes) > 0 {
				current = copyArgs(current)
				applyFixes(step, tool, current, fixes)
				e.logger.Infof("🔧 Patched %d parameter(s) for step %s before retrying", len(fixes), step.ID)
			}
		}
	}

	if ctx.Err() != nil {
		return out
	}
	return e.tryAlternatives(ctx, ec, step, tool, current, stream, stepNum, out)
}

// tryAlternatives walks the tool's declared fallbacks in order, rebuilding
// arguments against each alternative's schema. The first success wins.
func (e *Engine) tryAlternatives(ctx context.Context, ec *ExecutionContext, step *planner.PlanStep, tool *tools.Tool, lastArgs map[string]interface{}, stream *events.Stream, stepNum int, out *dispatchOutcome) *dispatchOutcome {
	lastErr := tools.ResultError(out.Result)
	for _, name := range tool.AlternativeTools {
		alt, ok := e.registry.Get(name)
		if !ok {
			e.logger.Warnf("⚠️ Alternative tool %s is not registered, skipping", name)
			continue
		}
		out.Attempts++
		e.logger.Infof("🔄 Step %s falls over from %s to %s", step.ID, tool.Name, alt.Name)
		stream.Emit(ctx, &events.StageRetryData{
			BaseEventData: events.BaseEventData{Step: stepNum, StepID: step.ID, Tool: tool.Name},
			Attempt:       out.Attempts,
			MaxRetries:    e.retry.MaxRetries,
			Error:         utils.TruncateString(lastErr, 300),
			ErrorType:     out.ErrorType,
			Alternative:   alt.Name,
		})
		if tr := observability.TraceFromContext(ctx); tr != nil {
			tr.RecordFlow(ctx, observability.FlowRecord{
				Action: observability.FlowFallback,
				StepID: step.ID,
				Reason: "alternative tool " + alt.Name,
			})
		}

		built, err := e.params.Build(ctx, params.BuildRequest{
			Step:        step,
			Tool:        alt,
			State:       ec.State,
			Existing:    lastArgs,
			UserQuery:   ec.Query,
			BindingPlan: ec.BindingPlan,
			StepOutputs: ec.StepOutput,
			History:     ec.History,
		})
		if err != nil {
			e.logger.Warnf("⚠️ Could not build arguments for alternative %s: %v", alt.Name, err)
			continue
		}
		result := e.invoke(ctx, ec, step, alt, built.Args, out.Attempts)
		if tools.ResultSuccess(result) {
			out.Tool = alt
			out.Result = result
			out.Args = built.Args
			return out
		}
		lastErr = tools.ResultError(result)
		if ctx.Err() != nil {
			return out
		}
	}
	return out
}

// invoke makes exactly one tool call, through the injected executor when one
// is set, and records it on the trace.
func (e *Engine) invoke(ctx context.Context, ec *ExecutionContext, step *planner.PlanStep, t *tools.Tool, args map[string]interface{}, attempt int) map[string]interface{} {
	start := time.Now()
	var result map[string]interface{}
	if ec.Executor != nil {
		raw, err := ec.Executor(ctx, t.Name, args)
		switch {
		case err != nil:
			result = map[string]interface{}{"success": false, "error": err.Error()}
		case raw == nil:
			result = map[string]interface{}{"success": true}
		default:
			result = raw
		}
	} else {
		result = t.Execute(ctx, args)
	}
	ok := tools.ResultSuccess(result)
	metrics.StepsExecuted.WithLabelValues(t.Name, strconv.FormatBool(ok)).Inc()
	if tr := observability.TraceFromContext(ctx); tr != nil {
		tr.RecordToolCall(ctx, observability.ToolCallRecord{
			Tool:          t.Name,
			StepID:        step.ID,
			Attempt:       attempt,
			DurationMs:    time.Since(start).Milliseconds(),
			Success:       ok,
			Error:         tools.ResultError(result),
			ArgsPreview:   utils.PreviewValue(args),
			ResultPreview: utils.PreviewValue(result),
		})
	}
	return result
}

// classifyError decides whether a failure is worth retrying. The long-term
// recovery index is consulted first so a known fix skips the LLM round-trip;
// keyword matching covers the no-client case and unparseable responses.
func (e *Engine) classifyError(ctx context.Context, ec *ExecutionContext, tool *tools.Tool, errText string, args map[string]interface{}) *errorAnalysis {
	guess := classifyByKeywords(errText)

	if e.memory != nil && ec.UserID != "" {
		rec, score := e.memory.FindRecovery(ec.UserID, tool.Name, guess.ErrorType, errText)
		if rec != nil && score >= recoveryConfidence {
			e.logger.Infof("💾 Reusing a past %s recovery for %s (confidence %.2f)", rec.ErrorType, tool.Name, score)
			if tr := observability.TraceFromContext(ctx); tr != nil {
				tr.RecordMemory(ctx, observability.MemoryRecord{
					Op:     "recovery_hit",
					Detail: fmt.Sprintf("%s on %s", rec.ErrorType, tool.Name),
				})
			}
			errorType := rec.ErrorType
			if !knownErrorTypes[errorType] {
				errorType = ErrParameter
			}
			return &errorAnalysis{
				ErrorType:     errorType,
				IsRecoverable: true,
				RootCause:     "matched a past recovery: " + rec.Message,
				ParamFixes:    rec.FixedParams,
				fromMemory:    true,
			}
		}
	}

	if e.client != nil {
		if a := e.classifyWithLLM(ctx, tool, errText, args); a != nil {
			return a
		}
	}
	return guess
}

func (e *Engine) classifyWithLLM(ctx context.Context, tool *tools.Tool, errText string, args map[string]interface{}) *errorAnalysis {
	argsJSON, _ := json.Marshal(args)
	prompt := fmt.Sprintf(`A tool call failed. Classify the failure so the executor knows whether to retry.

Tool: %s
Arguments: %s
Error: %s

Return JSON:
{
  "error_type": "parameter_error|network_error|timeout_error|resource_error|logic_error|dependency_error|permission_error|unknown_error",
  "is_recoverable": true,
  "root_cause": "one sentence",
  "param_fixes": {"param_name": "corrected value"}
}

param_fixes only for parameter errors, and only for parameters whose value you can actually correct.
Return ONLY the JSON object.`,
		tool.Name, utils.TruncateString(string(argsJSON), 800), utils.TruncateString(errText, 800))

	response, _, err := e.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(prompt)},
		Purpose:  observability.PurposeErrorAnalysis,
		JSONMode: true,
	})
	if err != nil {
		e.logger.Warnf("⚠️ Error analysis call failed: %v", err)
		return nil
	}
	parsed, err := utils.DecodeJSON[errorAnalysis](response)
	if err != nil {
		e.logger.Warnf("⚠️ Error analysis response unparseable: %v", err)
		return nil
	}
	if !knownErrorTypes[parsed.ErrorType] {
		parsed.ErrorType = ErrUnknown
	}
	return &parsed
}

// classifyByKeywords is the offline classifier of last resort.
func classifyByKeywords(errText string) *errorAnalysis {
	text := strings.ToLower(errText)
	switch {
	case hasAny(text, "timeout", "timed out", "deadline exceeded"):
		return &errorAnalysis{ErrorType: ErrTimeout, IsRecoverable: true, RootCause: "the call ran out of time"}
	case hasAny(text, "connection", "network", "unreachable", "refused", "reset by peer", "dns"):
		return &errorAnalysis{ErrorType: ErrNetwork, IsRecoverable: true, RootCause: "the remote side could not be reached"}
	case hasAny(text, "rate limit", "too many requests", "quota", "resource exhausted", "out of memory", "capacity"):
		return &errorAnalysis{ErrorType: ErrResource, IsRecoverable: true, RootCause: "a resource limit was hit"}
	case hasAny(text, "permission", "forbidden", "unauthorized", "access denied"):
		return &errorAnalysis{ErrorType: ErrPermission, IsRecoverable: false, RootCause: "the caller lacks permission"}
	case hasAny(text, "parameter", "argument", "invalid input", "missing required", "validation failed"):
		return &errorAnalysis{ErrorType: ErrParameter, IsRecoverable: true, RootCause: "an argument was rejected"}
	case hasAny(text, "unavailable", "try again", "temporarily"):
		return &errorAnalysis{ErrorType: ErrDependency, IsRecoverable: true, RootCause: "a dependency is temporarily down"}
	case hasAny(text, "not found", "no such", "does not exist"):
		return &errorAnalysis{ErrorType: ErrDependency, IsRecoverable: false, RootCause: "a dependency is missing"}
	default:
		return &errorAnalysis{ErrorType: ErrUnknown, IsRecoverable: true, RootCause: "unclassified failure"}
	}
}

// proposeParamFixes asks for corrected arguments after a parameter error
// whose analysis carried no fixes of its own.
func (e *Engine) proposeParamFixes(ctx context.Context, tool *tools.Tool, args map[string]interface{}, errText, rootCause string) map[string]interface{} {
	if e.client == nil {
		return nil
	}
	argsJSON, _ := json.Marshal(args)
	var schema strings.Builder
	for _, p := range tool.Parameters {
		required := ""
		if p.Required {
			required = ", required"
		}
		fmt.Fprintf(&schema, "- %s (%s%s): %s\n", p.Name, p.Type, required, p.Description)
	}
	prompt := fmt.Sprintf(`A tool rejected its arguments. Correct them.

Tool: %s
Parameters:
%s
Arguments sent: %s
Error: %s
Diagnosis: %s

Return a JSON object containing ONLY the parameters that need a different value, with their corrected values. Return {} if nothing can be corrected.`,
		tool.Name, schema.String(), utils.TruncateString(string(argsJSON), 800),
		utils.TruncateString(errText, 500), rootCause)

	response, _, err := e.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(prompt)},
		Purpose:  observability.PurposeParamFix,
		JSONMode: true,
	})
	if err != nil {
		e.logger.Warnf("⚠️ Parameter fix call failed: %v", err)
		return nil
	}
	fixes, err := utils.DecodeJSONMap(response)
	if err != nil {
		e.logger.Warnf("⚠️ Parameter fix response unparseable: %v", err)
		return nil
	}
	return fixes
}

// rememberRecovery writes the error-to-fix pair to long-term memory, but only
// when the succeeding attempt actually ran with different arguments.
func (e *Engine) rememberRecovery(ec *ExecutionContext, tool *tools.Tool, analysis *errorAnalysis, firstError string, original, final map[string]interface{}) {
	if analysis == nil || analysis.fromMemory || e.memory == nil || ec.UserID == "" {
		return
	}
	if sameArgs(original, final) {
		return
	}
	rec := memory.RecoveryRecord{
		ErrorType:      analysis.ErrorType,
		Message:        utils.TruncateString(firstError, 500),
		Tool:           tool.Name,
		OriginalParams: original,
		FixedParams:    copyArgs(final),
	}
	if err := e.memory.RecordRecovery(ec.UserID, rec); err != nil {
		e.logger.Warnf("⚠️ Could not record the recovery: %v", err)
	}
}

// applyFixes merges corrected parameters, keeping pinned values and dropping
// names the tool does not declare.
func applyFixes(step *planner.PlanStep, t *tools.Tool, args, fixes map[string]interface{}) {
	declared := make(map[string]bool, len(t.Parameters))
	for _, p := range t.Parameters {
		declared[p.Name] = true
	}
	for k, v := range fixes {
		if len(declared) > 0 && !declared[k] {
			continue
		}
		if step.PinnedParameters != nil {
			if _, pinned := step.PinnedParameters[k]; pinned {
				continue
			}
		}
		args[k] = v
	}
}

// sleepCtx waits out the delay unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func copyArgs(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sameArgs(a, b map[string]interface{}) bool {
	ja, _ := json.Marshal(a)
	jb, _ := json.Marshal(b)
	return bytes.Equal(ja, jb)
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
