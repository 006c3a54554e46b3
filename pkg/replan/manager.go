// Package replan watches execution for pathologies and, when needed,
// rewrites the rest of the plan. Incremental replans freeze the completed
// prefix and regenerate only the suffix; full replans start over from the
// execution history. A replan is always optional: whenever generation or
// parsing fails, execution keeps going with the plan it has.
package replan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/planner"
	"agent-kernel/kernel_go/pkg/state"
	"agent-kernel/kernel_go/pkg/tools"
)

// Manager evaluates the detection rules after every step.
type Manager struct {
	client   llm.Client
	cond     *llm.ConditionalLLM
	registry *tools.Registry
	logger   utils.ExtendedLogger
}

// NewManager wires a replan manager. The registry supplies the tools catalog
// for replan prompts and may be nil.
func NewManager(client llm.Client, registry *tools.Registry, logger utils.ExtendedLogger) *Manager {
	m := &Manager{client: client, registry: registry, logger: utils.OrSilent(logger)}
	if client != nil {
		m.cond = llm.NewConditionalLLM(client, m.logger)
	}
	return m
}

// CheckInput is everything the detection rules see after one step.
type CheckInput struct {
	Plan          *planner.ExecutionPlan
	Step          *planner.PlanStep
	Tool          *tools.Tool
	StepSucceeded bool
	LastOutput    map[string]interface{}
	History       []planner.StepRecord
	State         *state.ExecutionState
	// StepsSinceReplan counts executed steps since the last plan change,
	// for the periodic trigger.
	StepsSinceReplan int
	UserQuery        string
	// WorkingMemory and Consistency are pre-rendered context blocks.
	WorkingMemory string
	Consistency   string
}

// Outcome is a replan decision with its generated plan.
type Outcome struct {
	Plan        *planner.ExecutionPlan
	Incremental bool
	Patterns    []Pattern
	Reason      string
}

// Check runs detection and, when something fires, generates a new plan. A
// nil outcome means keep executing as is; that includes every generation or
// parsing failure.
func (m *Manager) Check(ctx context.Context, in CheckInput) (*Outcome, error) {
	if in.Plan == nil || in.Step == nil {
		return nil, nil
	}
	if in.State == nil {
		in.State = state.New(nil)
	}
	patterns := m.detect(ctx, in)
	if len(patterns) == 0 {
		return nil, nil
	}
	reason := describePatterns(patterns)
	m.logger.Infof("🔍 Replan triggered after step %s: %s", in.Step.ID, reason)

	prefix := completedPrefix(in.Plan, in.History)
	incremental := prefix > 0 && !hasPattern(patterns, PatternCircular)

	var newPlan *planner.ExecutionPlan
	if incremental {
		newPlan = m.incremental(ctx, in, prefix, reason)
	} else {
		newPlan = m.full(ctx, in, patterns, reason)
	}
	if newPlan == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.logger.Warnf("⚠️ Replan generation yielded nothing, keeping the current plan")
		return nil, nil
	}
	return &Outcome{Plan: newPlan, Incremental: incremental, Patterns: patterns, Reason: reason}, nil
}

func (m *Manager) detect(ctx context.Context, in CheckInput) []Pattern {
	var patterns []Pattern
	if p, ok := detectRepeatedFailure(in.History); ok {
		patterns = append(patterns, p)
	}
	if p, ok := detectCircular(in.History); ok {
		patterns = append(patterns, p)
	}

	if p, ok := m.toolForced(ctx, in); ok {
		patterns = append(patterns, p)
	}

	strategy := in.Plan.Strategy()
	if !strategy.EnableReplan {
		return patterns
	}

	switch strategy.ReplanTrigger {
	case planner.ReplanPeriodic:
		interval := strategy.ReplanInterval
		if interval <= 0 {
			interval = 3
		}
		if in.StepsSinceReplan > 0 && in.StepsSinceReplan%interval == 0 && isHighImpact(in.Tool) {
			patterns = append(patterns, Pattern{
				Type:        PatternPeriodic,
				Description: fmt.Sprintf("periodic review after %d steps", in.StepsSinceReplan),
			})
		}
	case planner.ReplanProactive:
		if isHighImpact(in.Tool) {
			patterns = append(patterns, Pattern{
				Type:        PatternProactive,
				Description: fmt.Sprintf("high-impact tool %s finished", in.Tool.Name),
			})
		}
	case planner.ReplanOnFailure:
		if !in.StepSucceeded {
			patterns = append(patterns, Pattern{
				Type:        PatternOnFailure,
				Description: fmt.Sprintf("step %s failed", in.Step.ID),
			})
		}
	}

	if trailingFailures(in.History) && !hasPattern(patterns, PatternOnFailure) && !hasPattern(patterns, PatternRepeatedFailure) {
		patterns = append(patterns, Pattern{
			Type:        PatternRecentFailures,
			Description: "two of the last three steps failed",
		})
	}
	return patterns
}

// toolForced evaluates the tool's natural-language replan condition.
func (m *Manager) toolForced(ctx context.Context, in CheckInput) (Pattern, bool) {
	if in.Tool == nil || m.cond == nil || !in.Tool.ForceReplanCheck() {
		return Pattern{}, false
	}
	condition := in.Tool.EffectivePostPolicy().PostSuccess.ReplanCondition
	if condition == "" {
		return Pattern{}, false
	}

	block := "Current state:\n" + in.State.CompressedView()
	if in.LastOutput != nil {
		if data, err := json.Marshal(in.LastOutput); err == nil {
			block += "\n\nLast tool output:\n" + utils.TruncateString(string(data), 1500)
		}
	}
	decision, err := m.cond.Decide(ctx, block, condition, observability.PurposeReplan)
	if err != nil || !decision.Result {
		return Pattern{}, false
	}
	return Pattern{
		Type:        PatternToolForced,
		Description: fmt.Sprintf("tool %s condition met: %s", in.Tool.Name, decision.Reason),
	}, true
}

func isHighImpact(t *tools.Tool) bool {
	return t != nil && t.EffectivePostPolicy().PostSuccess.HighImpact
}

// suffixResponse is the incremental replan's expected JSON shape.
type suffixResponse struct {
	Steps     []planner.PlanStep `json:"steps"`
	Reasoning string             `json:"reasoning"`
}

// fullResponse is the full replan's expected JSON shape.
type fullResponse struct {
	Intent          string                 `json:"intent"`
	Steps           []planner.PlanStep     `json:"steps"`
	StateSchema     map[string]interface{} `json:"state_schema"`
	ExpectedOutcome string                 `json:"expected_outcome"`
	Reasoning       string                 `json:"reasoning"`
}

// incremental regenerates only the suffix after the completed prefix.
func (m *Manager) incremental(ctx context.Context, in CheckInput, prefixLen int, reason string) *planner.ExecutionPlan {
	if m.client == nil {
		return nil
	}
	prefix := in.Plan.Subtasks[:prefixLen]
	remaining := in.Plan.Subtasks[prefixLen:]

	response, _, err := m.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(m.incrementalPrompt(in, prefix, remaining, reason))},
		Purpose:  observability.PurposeIncrementalReplan,
		JSONMode: true,
	})
	if err != nil {
		m.logger.Warnf("⚠️ Incremental replan request failed: %v", err)
		return nil
	}
	parsed, err := utils.DecodeJSON[suffixResponse](response)
	if err != nil {
		m.logger.Warnf("⚠️ Incremental replan unparseable: %v", err)
		return nil
	}
	if len(parsed.Steps) == 0 {
		return nil
	}

	suffix := preservePinned(remaining, parsed.Steps)
	ensureUniqueIDs(prefix, suffix)

	subtasks := make([]planner.PlanStep, 0, len(prefix)+len(suffix))
	subtasks = append(subtasks, prefix...)
	subtasks = append(subtasks, suffix...)

	newPlan := *in.Plan
	newPlan.Subtasks = subtasks
	newPlan.Warnings = append(append([]string{}, in.Plan.Warnings...),
		fmt.Sprintf("plan revised after step %s: %s", in.Step.ID, reason))
	m.logger.Infof("🔄 Incremental replan: kept %d steps, %d new", len(prefix), len(suffix))
	return &newPlan
}

// full rebuilds the whole plan from history; used for severe pathologies.
func (m *Manager) full(ctx context.Context, in CheckInput, patterns []Pattern, reason string) *planner.ExecutionPlan {
	if m.client == nil {
		return nil
	}
	response, _, err := m.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(m.fullPrompt(in, patterns))},
		Purpose:  observability.PurposeReplan,
		JSONMode: true,
	})
	if err != nil {
		m.logger.Warnf("⚠️ Full replan request failed: %v", err)
		return nil
	}
	parsed, err := utils.DecodeJSON[fullResponse](response)
	if err != nil {
		m.logger.Warnf("⚠️ Full replan unparseable: %v", err)
		return nil
	}
	if len(parsed.Steps) == 0 {
		return nil
	}

	subtasks := preservePinned(pendingPinned(in.Plan, in.History), parsed.Steps)
	ensureUniqueIDs(nil, subtasks)

	intent := parsed.Intent
	if intent == "" {
		intent = in.Plan.Intent
	}
	// The old schema keeps its meaning across a rebuild; the parsed one only
	// fills a plan that never had one.
	schema := in.Plan.StateSchema
	if schema == nil {
		schema = parsed.StateSchema
	}
	newPlan := &planner.ExecutionPlan{
		Intent:          intent,
		Subtasks:        subtasks,
		StateSchema:     schema,
		ExpectedOutcome: firstNonEmpty(parsed.ExpectedOutcome, in.Plan.ExpectedOutcome),
		Warnings: append(append([]string{}, in.Plan.Warnings...),
			fmt.Sprintf("plan rebuilt after step %s: %s", in.Step.ID, reason)),
		TaskProfile:       in.Plan.TaskProfile,
		ExecutionStrategy: in.Plan.ExecutionStrategy,
	}
	m.logger.Infof("🔄 Full replan: %d new steps", len(subtasks))
	return newPlan
}

func (m *Manager) incrementalPrompt(in CheckInput, prefix, remaining []planner.PlanStep, reason string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `Execution of a tool plan ran into trouble (%s) and the remaining steps need
to be rewritten. The completed steps are frozen; plan ONLY what comes next.

Goal: %s

Completed steps (do not repeat, reuse their outputs):
%s
Remaining steps in the old plan (to be replaced):
%s
`, reason, firstNonEmpty(in.Plan.Intent, in.UserQuery), renderSteps(prefix, in.History), renderSteps(remaining, nil))

	if banned := failedTwice(in.History); len(banned) > 0 {
		fmt.Fprintf(&sb, "\nSteps that already failed twice, do not recreate their equivalents: %s\n",
			strings.Join(banned, ", "))
	}
	if in.WorkingMemory != "" {
		fmt.Fprintf(&sb, "\n%s\n", in.WorkingMemory)
	}
	if in.Consistency != "" {
		fmt.Fprintf(&sb, "\n%s\n", in.Consistency)
	}
	fmt.Fprintf(&sb, "\nCurrent state:\n%s\n", in.State.CompressedView())
	if m.registry != nil {
		fmt.Fprintf(&sb, "\nAvailable tools:\n%s\n", m.registry.Catalog())
	}
	fmt.Fprintf(&sb, `
Return JSON only:
{
  "steps": [
    {"id": "...", "description": "...", "tool": "...", "parameters": {}, "dependencies": [], "expectations": "", "on_fail_strategy": "", "read_fields": [], "write_fields": []}
  ],
  "reasoning": "..."
}

Number new step ids after the completed ones. New steps must read data the
completed steps produced (reference their outputs in read_fields).`)
	return sb.String()
}

func (m *Manager) fullPrompt(in CheckInput, patterns []Pattern) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `Execution of a tool plan has gone badly wrong and needs a brand-new plan.

Goal: %s

Detected problems:
`, firstNonEmpty(in.Plan.Intent, in.UserQuery))
	for _, p := range patterns {
		fmt.Fprintf(&sb, "- [%s] %s\n", p.Type, p.Description)
	}

	history := in.History
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	fmt.Fprintf(&sb, "\nExecution history:\n%s", renderHistory(history))
	fmt.Fprintf(&sb, "\nCurrent state:\n%s\n", in.State.CompressedView())
	if m.registry != nil {
		fmt.Fprintf(&sb, "\nAvailable tools:\n%s\n", m.registry.Catalog())
	}
	fmt.Fprintf(&sb, `
Return JSON only:
{
  "intent": "...",
  "steps": [
    {"id": "...", "description": "...", "tool": "...", "parameters": {}, "dependencies": [], "expectations": "", "on_fail_strategy": "", "read_fields": [], "write_fields": []}
  ],
  "state_schema": {},
  "expected_outcome": "...",
  "reasoning": "..."
}

Take a different approach from the one that failed.`)
	return sb.String()
}

// renderSteps lists steps one per line; when history is supplied, completed
// steps show what they produced.
func renderSteps(steps []planner.PlanStep, history []planner.StepRecord) string {
	results := map[string]string{}
	for _, rec := range history {
		if rec.Success {
			desc := rec.SemanticDescription
			if desc == "" {
				desc = "completed"
			}
			results[rec.StepID] = desc
		}
	}
	var sb strings.Builder
	for _, s := range steps {
		fmt.Fprintf(&sb, "- id=%s tool=%s: %s", s.ID, s.Tool, s.Description)
		if outcome, ok := results[s.ID]; ok {
			fmt.Fprintf(&sb, " => %s", outcome)
		}
		if s.IsPinned {
			sb.WriteString(" [pinned]")
		}
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "(none)\n"
	}
	return sb.String()
}

func renderHistory(records []planner.StepRecord) string {
	var sb strings.Builder
	for _, rec := range records {
		status := "ok"
		if !rec.Success {
			status = "FAILED: " + rec.Error
		}
		desc := rec.SemanticDescription
		if desc == "" {
			desc = rec.Description
		}
		fmt.Fprintf(&sb, "- step %s (%s) %s: %s\n", rec.StepID, rec.ToolName, status, desc)
	}
	if sb.Len() == 0 {
		return "(empty)\n"
	}
	return sb.String()
}

// pendingPinned returns the plan's pinned steps that have no success record;
// those must reappear in a rebuilt plan.
func pendingPinned(plan *planner.ExecutionPlan, history []planner.StepRecord) []planner.PlanStep {
	done := map[string]bool{}
	for _, rec := range history {
		if rec.Success {
			done[rec.StepID] = true
		}
	}
	var out []planner.PlanStep
	for _, s := range plan.Subtasks {
		if s.IsPinned && !done[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

// preservePinned forces the old pinned steps through the regenerated list
// unchanged: matching ids are replaced with the originals, missing ones are
// appended in their original order.
func preservePinned(old []planner.PlanStep, generated []planner.PlanStep) []planner.PlanStep {
	out := append([]planner.PlanStep{}, generated...)
	for _, pinned := range old {
		if !pinned.IsPinned {
			continue
		}
		replaced := false
		for i := range out {
			if out[i].ID == pinned.ID {
				out[i] = pinned
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, pinned)
		}
	}
	return out
}

// ensureUniqueIDs renames generated steps that collide with the prefix or
// with each other, and fills in missing ids.
func ensureUniqueIDs(prefix []planner.PlanStep, steps []planner.PlanStep) {
	taken := map[string]bool{}
	for _, s := range prefix {
		taken[s.ID] = true
	}
	next := 1
	for i := range steps {
		id := steps[i].ID
		if id == "" || (taken[id] && !steps[i].IsPinned) {
			for {
				candidate := fmt.Sprintf("r%d", next)
				next++
				if !taken[candidate] {
					id = candidate
					break
				}
			}
			steps[i].ID = id
		}
		taken[id] = true
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
