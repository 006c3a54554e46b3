package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/tools"
)

// Planner turns a user query into an ExecutionPlan: classify complexity,
// derive the execution strategy, generate steps. Planning never hard-fails;
// unusable LLM output degrades to a single-step fallback plan.
type Planner struct {
	client   llm.Client
	registry *tools.Registry
	logger   utils.ExtendedLogger
}

// NewPlanner wires a planner. The registry supplies the tools catalog for
// prompts and tool-name validation; it may be nil.
func NewPlanner(client llm.Client, registry *tools.Registry, logger utils.ExtendedLogger) *Planner {
	return &Planner{client: client, registry: registry, logger: utils.OrSilent(logger)}
}

// PlanRequest carries everything a planning round can draw on.
type PlanRequest struct {
	Query       string
	Goals       string
	Constraints string
	// MemoryExcerpt is the user's long-term memory rendered for prompts.
	MemoryExcerpt       string
	UserContext         string
	ConversationContext string
	// InitialPlan seeds pinned steps. A fully pinned plan short-circuits
	// planning entirely.
	InitialPlan *ExecutionPlan
	// SkipProfiling suppresses reclassification, set on replan rounds.
	SkipProfiling bool
}

// ClassifyTaskComplexity profiles the query with one LLM call. Any failure
// yields the moderate fallback profile instead of an error.
func (p *Planner) ClassifyTaskComplexity(ctx context.Context, query string) *TaskProfile {
	fallback := &TaskProfile{Complexity: ComplexityModerate, EstimatedSteps: 3, Reasoning: "fallback"}
	if p.client == nil {
		return fallback
	}

	response, _, err := p.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(complexityPrompt(query))},
		Purpose:  observability.PurposePlanning,
		JSONMode: true,
	})
	if err != nil {
		p.logger.Warnf("⚠️ Complexity classification failed, assuming moderate: %v", err)
		return fallback
	}
	profile, err := utils.DecodeJSON[TaskProfile](response)
	if err != nil {
		p.logger.Warnf("⚠️ Complexity classification unparseable, assuming moderate: %v", err)
		return fallback
	}

	switch profile.Complexity {
	case ComplexitySimple, ComplexityModerate, ComplexityComplex, ComplexityProject:
	default:
		profile.Complexity = ComplexityModerate
	}
	if profile.EstimatedSteps <= 0 {
		profile.EstimatedSteps = 3
	}
	p.logger.Infof("🤔 Task classified as %s (~%d steps): %s",
		profile.Complexity, profile.EstimatedSteps, utils.TruncateString(profile.Reasoning, 120))
	return &profile
}

// Plan produces an execution plan for the query. The returned error is only
// ever a context error; planning problems surface in plan.Warnings and
// plan.Errors instead.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*ExecutionPlan, error) {
	if req.InitialPlan != nil && req.InitialPlan.AllPinned() {
		p.logger.Infof("📌 Every step is pinned, using the provided plan as is (%d steps)",
			len(req.InitialPlan.Subtasks))
		return req.InitialPlan, nil
	}

	var profile *TaskProfile
	var strategy *ExecutionStrategy
	if !req.SkipProfiling {
		profile = p.ClassifyTaskComplexity(ctx, req.Query)
		s := DeriveStrategy(*profile)
		strategy = &s
	}

	plan := p.generate(ctx, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	plan.TaskProfile = profile
	plan.ExecutionStrategy = strategy

	p.logger.Infof("📋 Plan ready: %d steps, %d warnings", len(plan.Subtasks), len(plan.Warnings))
	return plan, nil
}

// planResponse is the planning call's expected JSON shape.
type planResponse struct {
	Intent          string                 `json:"intent"`
	Steps           []PlanStep             `json:"steps"`
	StateSchema     map[string]interface{} `json:"state_schema"`
	ExpectedOutcome string                 `json:"expected_outcome"`
	Warnings        []string               `json:"warnings"`
	Errors          []string               `json:"errors"`
}

func (p *Planner) generate(ctx context.Context, req PlanRequest) *ExecutionPlan {
	if p.client == nil {
		return p.fallbackPlan(req, "no LLM client configured")
	}

	response, _, err := p.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(p.buildPrompt(req))},
		Purpose:  observability.PurposePlanning,
		JSONMode: true,
	})
	if err != nil {
		return p.fallbackPlan(req, fmt.Sprintf("planning request failed: %v", err))
	}
	parsed, err := utils.DecodeJSON[planResponse](response)
	if err != nil {
		return p.fallbackPlan(req, fmt.Sprintf("planning response unparseable: %v", err))
	}
	if len(parsed.Steps) == 0 {
		return p.fallbackPlan(req, "planning response contained no steps")
	}

	plan := &ExecutionPlan{
		Intent:          parsed.Intent,
		Subtasks:        parsed.Steps,
		StateSchema:     parsed.StateSchema,
		ExpectedOutcome: parsed.ExpectedOutcome,
		Warnings:        parsed.Warnings,
		Errors:          parsed.Errors,
	}
	if plan.Intent == "" {
		plan.Intent = req.Query
	}
	p.normalize(plan, req)
	return plan
}

// normalize fills missing step ids, forces pinned steps back in unchanged,
// and flags steps that reference tools the registry does not know.
func (p *Planner) normalize(plan *ExecutionPlan, req PlanRequest) {
	seen := map[string]bool{}
	for i := range plan.Subtasks {
		if id := plan.Subtasks[i].ID; id != "" && !seen[id] {
			seen[id] = true
			continue
		}
		n := i + 1
		for seen[fmt.Sprintf("%d", n)] {
			n++
		}
		plan.Subtasks[i].ID = fmt.Sprintf("%d", n)
		seen[plan.Subtasks[i].ID] = true
	}

	if req.InitialPlan != nil {
		for _, pinned := range req.InitialPlan.PinnedSteps() {
			if idx := plan.StepIndex(pinned.ID); idx >= 0 {
				plan.Subtasks[idx] = pinned
			} else {
				plan.Subtasks = append(plan.Subtasks, pinned)
			}
		}
	}

	if p.registry == nil {
		return
	}
	for _, step := range plan.Subtasks {
		if step.Tool == "" {
			continue
		}
		if _, ok := p.registry.Get(step.Tool); !ok {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("step %s references unknown tool %q", step.ID, step.Tool))
		}
	}
}

// fallbackPlan is the degenerate plan: one step forwarding the raw query to
// no tool, with the failure recorded on the plan itself.
func (p *Planner) fallbackPlan(req PlanRequest, reason string) *ExecutionPlan {
	p.logger.Warnf("⚠️ Falling back to a single-step plan: %s", reason)
	return &ExecutionPlan{
		Intent:   req.Query,
		Subtasks: []PlanStep{{ID: "1", Description: req.Query}},
		Warnings: []string{"fell back to a single-step plan"},
		Errors:   []string{reason},
	}
}

func complexityPrompt(query string) string {
	return fmt.Sprintf(`Classify how complex this task is before it gets planned.

Task: %q

Levels:
- simple: one or two obvious steps, nothing to keep consistent afterwards
- moderate: a short sequence of steps that feed each other
- complex: produces code or interface artifacts that later steps must stay consistent with
- project: long multi-phase work with cross-cutting requirements

Return JSON only:
{"complexity": "simple|moderate|complex|project", "estimated_steps": 3, "has_code_generation": false, "has_cross_dependencies": false, "requires_consistency": false, "is_reversible": true, "reasoning": "one or two sentences"}`, query)
}

func (p *Planner) buildPrompt(req PlanRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `You plan tool executions for an autonomous agent. Break the task into ordered
steps that tools can execute, passing data to each other through shared state.

Task: %q
`, req.Query)

	if req.Goals != "" {
		fmt.Fprintf(&sb, "\nAgent goals:\n%s\n", req.Goals)
	}
	if req.Constraints != "" {
		fmt.Fprintf(&sb, "\nAgent constraints:\n%s\n", req.Constraints)
	}
	if req.MemoryExcerpt != "" {
		fmt.Fprintf(&sb, "\nWhat is known about this user from earlier tasks:\n%s\n", req.MemoryExcerpt)
	}
	if req.UserContext != "" {
		fmt.Fprintf(&sb, "\nUser context:\n%s\n", req.UserContext)
	}
	if req.ConversationContext != "" {
		fmt.Fprintf(&sb, "\nConversation so far:\n%s\n", req.ConversationContext)
	}

	catalog := "(no tools registered)"
	if p.registry != nil {
		catalog = p.registry.Catalog()
	}
	fmt.Fprintf(&sb, "\nAvailable tools:\n%s\n", catalog)

	if req.InitialPlan != nil {
		if pinned := req.InitialPlan.PinnedSteps(); len(pinned) > 0 {
			sb.WriteString("\nPinned steps. Include each one in the plan unchanged, same id and parameters:\n")
			for _, step := range pinned {
				if data, err := json.Marshal(step); err == nil {
					sb.WriteString("- " + string(data) + "\n")
				}
			}
		}
	}

	sb.WriteString(`
Return JSON only:
{
  "intent": "one line restating what the task is really after",
  "steps": [
    {
      "id": "1",
      "description": "what this step does",
      "tool": "tool_name or empty for pure reasoning",
      "parameters": {},
      "dependencies": [],
      "expectations": "what a successful output must contain",
      "on_fail_strategy": "retry, go back to step N, abort, or continue",
      "read_fields": ["state paths this step consumes"],
      "write_fields": ["state paths this step produces"]
    }
  ],
  "state_schema": {"field_name": "what the field holds"},
  "expected_outcome": "what the finished task delivers",
  "warnings": [],
  "errors": []
}

Rules:
- Each step uses exactly one tool from the catalog, or no tool at all.
- dependencies list the ids of steps whose output the step needs.
- read_fields and write_fields use dotted state paths; a later step reads what an earlier step wrote.
- state_schema declares every field any step reads or writes.
- Keep the plan as short as the task allows.`)
	return sb.String()
}
