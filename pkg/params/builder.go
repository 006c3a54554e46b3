// Package params turns a plan step into a complete, validated argument map.
// Resolution is layered: values pinned or planned first, then static
// bindings, then legacy state fills, and only then LLM inference for
// whatever is still missing, with a bounded repair loop at the end.
package params

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/binding"
	"agent-kernel/kernel_go/pkg/planner"
	"agent-kernel/kernel_go/pkg/state"
	"agent-kernel/kernel_go/pkg/tools"
)

// maxRepairRounds bounds the validate-and-repair loop.
const maxRepairRounds = 2

// maxHistoryRecords caps the step history shown to the fallback prompt.
const maxHistoryRecords = 10

// ParameterError is what the engine sees when arguments cannot be completed:
// a terminal binding failure, or validation problems that survived repair.
type ParameterError struct {
	StepID   string
	Tool     string
	Reason   string
	Problems []string
}

func (e *ParameterError) Error() string {
	msg := fmt.Sprintf("parameters for step %s (tool %s)", e.StepID, e.Tool)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	return msg
}

// BuildRequest carries everything one build needs. StepOutputs is the
// engine's in-memory output cache; History holds prior step records, newest
// last.
type BuildRequest struct {
	Step        *planner.PlanStep
	Tool        *tools.Tool
	State       *state.ExecutionState
	Existing    map[string]interface{}
	UserQuery   string
	BindingPlan *binding.BindingPlan
	StepOutputs func(stepID string) (map[string]interface{}, bool)
	History     []planner.StepRecord
}

// BuildResult is the completed argument set plus how it was reached.
type BuildResult struct {
	Args         map[string]interface{}
	IsLoop       bool
	LLMUsed      bool
	LLMFilled    []string
	CacheHit     bool
	RepairRounds int
	Resolutions  []binding.Resolution
}

// Builder builds arguments for plan steps. Safe for use across steps of one
// task; the inference cache deduplicates retries against unchanged state.
type Builder struct {
	client llm.Client
	logger utils.ExtendedLogger

	mu    sync.Mutex
	cache map[string]map[string]interface{}
}

// NewBuilder returns a Builder. A nil client disables inference; steps whose
// arguments need it then fail with a ParameterError.
func NewBuilder(client llm.Client, logger utils.ExtendedLogger) *Builder {
	return &Builder{
		client: client,
		logger: utils.OrSilent(logger),
		cache:  make(map[string]map[string]interface{}),
	}
}

// Build runs the full pipeline for one step.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	if req.Step == nil || req.Tool == nil {
		return nil, fmt.Errorf("parameter build needs a step and a tool")
	}
	if req.State == nil {
		req.State = state.New(nil)
	}
	b.logger.Debugf("🔧 Building arguments for step %s (%s)", req.Step.ID, req.Tool.Name)

	args := b.seed(req)
	result := &BuildResult{Args: args}
	deferred := map[string]bool{}

	result.IsLoop = b.isLoopExecution(req)
	if result.IsLoop {
		b.logger.Infof("🔄 Step %s re-entered, arguments go back to the LLM", req.Step.ID)
	} else {
		resolutions, err := b.resolveBindings(ctx, req, args, deferred)
		result.Resolutions = resolutions
		if err != nil {
			return nil, err
		}
	}

	b.legacyFills(req, args)

	if result.IsLoop || len(deferred) > 0 || len(missingRequired(req.Tool, args)) > 0 {
		if err := b.inferMissing(ctx, req, args, deferred, result); err != nil {
			return nil, err
		}
	}

	if err := b.validateAndRepair(ctx, req, args, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ResetCache drops memoized inference results, for plan changes that make
// old step ids meaningless.
func (b *Builder) ResetCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = make(map[string]map[string]interface{})
}

// seed layers plan parameters, caller-supplied arguments, then pinned values.
func (b *Builder) seed(req BuildRequest) map[string]interface{} {
	args := make(map[string]interface{})
	for k, v := range req.Step.Parameters {
		args[k] = v
	}
	for k, v := range req.Existing {
		if v != nil {
			args[k] = v
		}
	}
	for k, v := range req.Step.PinnedParameters {
		args[k] = v
	}
	return args
}

// isLoopExecution reports whether this step already produced output, which
// means a retry or a jump brought execution back here.
func (b *Builder) isLoopExecution(req BuildRequest) bool {
	if req.StepOutputs != nil {
		if _, ok := req.StepOutputs(req.Step.ID); ok {
			return true
		}
	}
	return req.State.HasStepOutput(req.Step.ID)
}

// resolveBindings applies the static binding plan to still-empty parameters.
func (b *Builder) resolveBindings(ctx context.Context, req BuildRequest, args map[string]interface{}, deferred map[string]bool) ([]binding.Resolution, error) {
	sb, ok := req.BindingPlan.For(req.Step.ID)
	if !ok || len(sb.Bindings) == 0 {
		return nil, nil
	}
	resolver := &binding.Resolver{State: req.State, StepOutputs: req.StepOutputs}
	threshold := req.BindingPlan.Threshold()
	tr := observability.TraceFromContext(ctx)

	names := make([]string, 0, len(sb.Bindings))
	for name := range sb.Bindings {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []binding.Resolution
	for _, name := range names {
		var res binding.Resolution
		if hasValue(args, name) {
			res = binding.Resolution{Param: name, Status: binding.StatusSkipped}
		} else {
			res = resolver.Resolve(name, sb.Bindings[name], threshold)
		}
		out = append(out, res)
		emitResolution(ctx, tr, req.Step.ID, res)

		switch {
		case res.Err != nil:
			return out, &ParameterError{StepID: req.Step.ID, Tool: req.Tool.Name, Reason: res.Err.Error()}
		case res.Deferred:
			deferred[name] = true
		case res.Status != binding.StatusSkipped:
			args[name] = res.Value
		}
	}
	return out, nil
}

func emitResolution(ctx context.Context, tr *observability.Trace, stepID string, res binding.Resolution) {
	if tr == nil {
		return
	}
	rec := observability.BindingRecord{
		Action: observability.BindingResolve,
		StepID: stepID,
		Param:  res.Param,
		Status: string(res.Status),
		Path:   res.Path,
	}
	if res.Status == binding.StatusFallback {
		rec.Action = observability.BindingFallback
	}
	if res.Value != nil {
		rec.Preview = utils.PreviewValue(res.Value)
	}
	tr.RecordBinding(ctx, rec)
}

// legacyFills covers plans without bindings (readFields) and tool-level
// declarations that predate them (paramAliases, schema defaults).
func (b *Builder) legacyFills(req BuildRequest, args map[string]interface{}) {
	if req.BindingPlan.IsEmpty() {
		for _, field := range req.Step.ReadFields {
			name := field
			if i := strings.LastIndex(field, "."); i >= 0 {
				name = field[i+1:]
			}
			if name == "" || hasValue(args, name) {
				continue
			}
			if v, ok := req.State.Get(field); ok {
				args[name] = v
			}
		}
	}
	for param, path := range req.Tool.ParamAliases {
		if hasValue(args, param) {
			continue
		}
		if v, ok := req.State.Get(strings.TrimPrefix(path, "state.")); ok {
			args[param] = v
		}
	}
	for _, p := range req.Tool.Parameters {
		if p.Required && p.Default != nil && !hasValue(args, p.Name) {
			args[p.Name] = p.Default
		}
	}
}

// inferMissing is the LLM phase: one call fills every open parameter, with
// results memoized so a retry against unchanged state stays free.
func (b *Builder) inferMissing(ctx context.Context, req BuildRequest, args map[string]interface{}, deferred map[string]bool, result *BuildResult) error {
	if b.client == nil {
		return nil
	}
	missing := missingParams(req.Tool, args, deferred)
	key := strings.Join([]string{req.Step.ID, req.Tool.Name, strings.Join(missing, ","), req.State.Fingerprint()}, "|")

	if fill, ok := b.cached(key); ok {
		b.logger.Debugf("💾 Argument cache hit for step %s", req.Step.ID)
		result.CacheHit = true
		result.LLMFilled = sortedKeys(fill)
		b.merge(req, args, fill)
		return nil
	}

	b.logger.Infof("🤔 Inferring parameters for step %s: [%s]", req.Step.ID, strings.Join(missing, ", "))
	prompt := b.fallbackPrompt(req, args, missing, result.IsLoop)
	response, _, err := b.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(prompt)},
		Purpose:  observability.PurposeParamBuild,
		JSONMode: true,
	})
	if err != nil {
		return fmt.Errorf("parameter inference for step %s failed: %w", req.Step.ID, err)
	}
	result.LLMUsed = true

	fill, err := utils.DecodeJSONMap(response)
	if err != nil {
		b.logger.Warnf("⚠️ Parameter inference unparseable for step %s: %v", req.Step.ID, err)
		return nil
	}
	fill = filterToDeclared(req.Tool, fill)
	resolveStateRefs(req.State, fill)
	result.LLMFilled = sortedKeys(fill)
	b.merge(req, args, fill)
	b.store(key, fill)
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// merge applies a fill map, never touching pinned parameters.
func (b *Builder) merge(req BuildRequest, args, fill map[string]interface{}) {
	for k, v := range fill {
		if req.Step.PinnedParameters != nil {
			if _, pinned := req.Step.PinnedParameters[k]; pinned {
				continue
			}
		}
		args[k] = v
	}
}

func (b *Builder) cached(key string) (map[string]interface{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fill, ok := b.cache[key]
	if !ok {
		return nil, false
	}
	return copyJSONMap(fill), true
}

func (b *Builder) store(key string, fill map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache[key] = copyJSONMap(fill)
}

// validateAndRepair runs declared validators and asks the LLM to correct
// failures, at most maxRepairRounds times.
func (b *Builder) validateAndRepair(ctx context.Context, req BuildRequest, args map[string]interface{}, result *BuildResult) error {
	problems := validateArgs(req.Tool, args)
	for len(problems) > 0 && result.RepairRounds < maxRepairRounds && b.client != nil {
		result.RepairRounds++
		b.logger.Warnf("⚠️ Arguments for step %s failed validation (round %d): %s",
			req.Step.ID, result.RepairRounds, strings.Join(problems, "; "))

		prompt := b.repairPrompt(req, args, problems)
		response, _, err := b.client.Chat(ctx, llm.ChatRequest{
			Messages: []llm.Message{llm.UserMessage(prompt)},
			Purpose:  observability.PurposeParamFix,
			JSONMode: true,
		})
		if err != nil {
			return fmt.Errorf("parameter repair for step %s failed: %w", req.Step.ID, err)
		}
		result.LLMUsed = true

		fix, err := utils.DecodeJSONMap(response)
		if err != nil {
			b.logger.Warnf("⚠️ Parameter repair unparseable for step %s: %v", req.Step.ID, err)
			break
		}
		fix = filterToDeclared(req.Tool, fix)
		resolveStateRefs(req.State, fix)
		b.merge(req, args, fix)
		problems = validateArgs(req.Tool, args)
	}
	if len(problems) > 0 {
		return &ParameterError{StepID: req.Step.ID, Tool: req.Tool.Name, Problems: problems}
	}
	return nil
}

func (b *Builder) fallbackPrompt(req BuildRequest, args map[string]interface{}, missing []string, isLoop bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `You fill in missing tool arguments during plan execution.

User's original query (MOST IMPORTANT; parameters about requirements or
intent must come from it):
%q

Step %s: %s

%s
Arguments already known:
%s

Parameters to fill: %s

`, req.UserQuery, req.Step.ID, req.Step.Description,
		toolSchemaBlock(req.Tool), knownArgsJSON(args), missingList(missing))

	if block := historyBlock(req.History); block != "" {
		fmt.Fprintf(&sb, "Recent steps:\n%s\n", block)
	}
	fmt.Fprintf(&sb, "Current state:\n%s\n", req.State.CompressedView())

	if isLoop {
		if prior, ok := b.priorOutput(req); ok {
			fmt.Fprintf(&sb, "\nThis step ran before and produced:\n%s\nReconsider the arguments instead of repeating them.\n", prior)
		} else {
			sb.WriteString("\nThis step ran before. Reconsider the arguments instead of repeating them.\n")
		}
	}

	sb.WriteString(`
Rules:
- Return a JSON object containing ONLY the parameters to fill.
- A string of the form "state.<path>" copies that state value.
- Never invent parameters the tool does not declare.`)
	return sb.String()
}

func (b *Builder) repairPrompt(req BuildRequest, args map[string]interface{}, problems []string) string {
	return fmt.Sprintf(`Arguments for tool %s failed validation.

Current arguments:
%s

Problems:
- %s

%s
Current state:
%s

Return a JSON object with corrected values for the failing parameters only.`,
		req.Tool.Name, knownArgsJSON(args), strings.Join(problems, "\n- "),
		toolSchemaBlock(req.Tool), req.State.CompressedView())
}

func (b *Builder) priorOutput(req BuildRequest) (string, bool) {
	var out map[string]interface{}
	var ok bool
	if req.StepOutputs != nil {
		out, ok = req.StepOutputs(req.Step.ID)
	}
	if !ok {
		out, ok = req.State.StepOutput(req.Step.ID)
	}
	if !ok {
		return "", false
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", false
	}
	return utils.TruncateString(string(data), 1500), true
}

// missingParams is the union of required-but-absent and binding-deferred
// parameters, sorted for stable prompts and cache keys.
func missingParams(t *tools.Tool, args map[string]interface{}, deferred map[string]bool) []string {
	set := map[string]bool{}
	for _, name := range missingRequired(t, args) {
		set[name] = true
	}
	for name := range deferred {
		if !hasValue(args, name) {
			set[name] = true
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func missingRequired(t *tools.Tool, args map[string]interface{}) []string {
	var out []string
	for _, name := range t.RequiredParams() {
		if !hasValue(args, name) {
			out = append(out, name)
		}
	}
	return out
}

// filterToDeclared drops keys the tool does not declare, plus nulls. Tools
// without declared parameters accept anything.
func filterToDeclared(t *tools.Tool, fill map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fill))
	for k, v := range fill {
		if v == nil {
			continue
		}
		if len(t.Parameters) > 0 {
			if _, ok := t.Param(k); !ok {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// resolveStateRefs replaces "state.<path>" strings with the referenced
// values. Unresolvable references stay as literal strings.
func resolveStateRefs(st *state.ExecutionState, fill map[string]interface{}) {
	for k, v := range fill {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "state.") {
			continue
		}
		if value, found := st.Get(strings.TrimPrefix(s, "state.")); found {
			fill[k] = value
		}
	}
}

func toolSchemaBlock(t *tools.Tool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tool %s: %s\n", t.Name, t.Description)
	if len(t.Parameters) == 0 {
		sb.WriteString("(no declared parameters)\n")
		return sb.String()
	}
	for _, p := range t.Parameters {
		requirement := "optional"
		if p.Required {
			requirement = "required"
		}
		fmt.Fprintf(&sb, "- %s (%s, %s): %s", p.Name, p.Type, requirement, p.Description)
		if p.Default != nil {
			fmt.Fprintf(&sb, " [default: %v]", p.Default)
		}
		if len(p.Enum) > 0 {
			fmt.Fprintf(&sb, " [one of: %s]", strings.Join(p.Enum, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func knownArgsJSON(args map[string]interface{}) string {
	known := make(map[string]interface{}, len(args))
	for k, v := range args {
		if v != nil {
			known[k] = v
		}
	}
	data, err := json.Marshal(known)
	if err != nil {
		return "{}"
	}
	return utils.TruncateString(string(data), 1000)
}

func missingList(missing []string) string {
	if len(missing) == 0 {
		return "(none strictly missing; review the known arguments)"
	}
	return strings.Join(missing, ", ")
}

func historyBlock(records []planner.StepRecord) string {
	if len(records) == 0 {
		return ""
	}
	if len(records) > maxHistoryRecords {
		records = records[len(records)-maxHistoryRecords:]
	}
	var sb strings.Builder
	for _, rec := range records {
		desc := rec.SemanticDescription
		if desc == "" {
			desc = rec.Description
		}
		if rec.Success {
			fmt.Fprintf(&sb, "- step %s (%s): %s\n", rec.StepID, rec.ToolName, desc)
		} else {
			fmt.Fprintf(&sb, "- step %s (%s) FAILED: %s\n", rec.StepID, rec.ToolName, rec.Error)
		}
	}
	return sb.String()
}

func copyJSONMap(m map[string]interface{}) map[string]interface{} {
	data, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]interface{}, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}
