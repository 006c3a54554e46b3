package binding

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

// Planner asks the LLM to map every tool argument of a plan to a source
// before execution starts. Its output is advisory; execution falls back to
// per-step inference for anything it misses.
type Planner struct {
	client   llm.Client
	registry *tools.Registry
	logger   utils.ExtendedLogger
}

// NewPlanner builds a binding planner. The registry is optional; when set,
// tool parameter schemas are included in the prompt.
func NewPlanner(client llm.Client, registry *tools.Registry, logger utils.ExtendedLogger) *Planner {
	return &Planner{client: client, registry: registry, logger: utils.OrSilent(logger)}
}

// Create produces a BindingPlan for the plan's current subtasks. An empty
// plan (never nil) comes back when there is nothing to bind or the LLM
// response cannot be parsed; only transport failures return an error.
func (p *Planner) Create(ctx context.Context, plan *planner.ExecutionPlan, userQuery string, initial *state.ExecutionState) (*BindingPlan, error) {
	empty := &BindingPlan{}
	if plan == nil || len(plan.Subtasks) == 0 {
		return empty, nil
	}

	prompt := p.buildPrompt(plan, userQuery, initial)
	response, _, err := p.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(prompt)},
		Purpose:  observability.PurposeBindingPlan,
		JSONMode: true,
	})
	if err != nil {
		return empty, fmt.Errorf("binding plan request failed: %w", err)
	}

	bindingPlan, err := utils.DecodeJSON[BindingPlan](response)
	if err != nil {
		p.logger.Warnf("⚠️ Binding plan unparseable, continuing without static bindings: %v", err)
		return empty, nil
	}
	bindingPlan.Normalize()

	total := 0
	for _, s := range bindingPlan.Steps {
		total += len(s.Bindings)
	}
	p.logger.Infof("📋 Binding plan ready: %d steps, %d bindings (threshold %.2f)",
		len(bindingPlan.Steps), total, bindingPlan.Threshold())
	if tr := observability.TraceFromContext(ctx); tr != nil {
		tr.RecordBinding(ctx, observability.BindingRecord{
			Action:  observability.BindingPlanCreate,
			Preview: fmt.Sprintf("%d steps, %d bindings", len(bindingPlan.Steps), total),
		})
	}
	return &bindingPlan, nil
}

func (p *Planner) buildPrompt(plan *planner.ExecutionPlan, userQuery string, initial *state.ExecutionState) string {
	var steps strings.Builder
	toolNames := make([]string, 0, len(plan.Subtasks))
	seen := map[string]bool{}
	for i, step := range plan.Subtasks {
		fmt.Fprintf(&steps, "%d. id=%s tool=%s: %s\n", i+1, step.ID, step.Tool, step.Description)
		if len(step.Dependencies) > 0 {
			fmt.Fprintf(&steps, "   depends on: %s\n", strings.Join(step.Dependencies, ", "))
		}
		if len(step.Parameters) > 0 {
			known, _ := json.Marshal(step.Parameters)
			fmt.Fprintf(&steps, "   preset parameters: %s\n", utils.TruncateString(string(known), 300))
		}
		if step.Tool != "" && !seen[step.Tool] {
			seen[step.Tool] = true
			toolNames = append(toolNames, step.Tool)
		}
	}

	catalog := "(no tool schemas available)"
	if p.registry != nil && len(toolNames) > 0 {
		catalog = p.registry.CatalogFor(toolNames)
	}

	stateView := "{}"
	if initial != nil {
		stateView = initial.CompressedView()
	}

	return fmt.Sprintf(`You plan data flow for a step-by-step tool execution. Decide, for every tool
parameter of every step, where its value will come from at execution time.

User query:
%s

Plan steps:
%s
Tool schemas:
%s

Initial state:
%s

Source types and their "source" path grammar:
- user_input: a field of the user's inputs, e.g. "inputs.query"
- step_output: output of an earlier step, e.g. "step_<id>.output.<field>"
- state: any dotted state path, e.g. "last_failure.search"
- literal: a constant; put the value in "default_value"
- generated: no source exists, the value must be inferred during execution

Fallback policies when your confidence is below threshold: "llm_infer" (defer
to execution-time inference), "use_default" (use "default_value"), "error"
(resolution must succeed or the step fails).

Return JSON only:
{
  "steps": [
    {
      "step_id": "...",
      "tool": "...",
      "bindings": {
        "<param>": {"source": "...", "source_type": "...", "confidence": 0.0, "reasoning": "...", "fallback": "llm_infer", "default_value": null}
      }
    }
  ],
  "confidence_threshold": 0.7,
  "reasoning": "..."
}

Confidence reflects how certain you are the source holds the right value.
Never invent step ids; bind only parameters the tool declares.`,
		userQuery, steps.String(), catalog, stateView)
}
