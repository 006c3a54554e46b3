package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/internal/utils"
)

// Priority orders constraints and todos.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 2
}

// DesignDecision records a choice made during execution.
type DesignDecision struct {
	Decision string   `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	StepID   string   `json:"step_id,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Constraint restricts what later steps may do.
type Constraint struct {
	Text     string   `json:"text"`
	Source   string   `json:"source,omitempty"`
	Scope    string   `json:"scope,omitempty"`
	Priority Priority `json:"priority,omitempty"`
}

// TodoItem is outstanding work noted by a step.
type TodoItem struct {
	Text       string   `json:"text"`
	CreatedBy  string   `json:"created_by,omitempty"`
	TargetStep string   `json:"target_step,omitempty"`
	Priority   Priority `json:"priority,omitempty"`
	Completed  bool     `json:"completed"`
}

// InterfaceDefinition is a named contract produced by a step (function
// signature, API shape, schema).
type InterfaceDefinition struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	DefinedBy  string `json:"defined_by,omitempty"`
	Type       string `json:"type,omitempty"`
}

// WorkingMemory is the per-task blackboard. Append-only during execution;
// one task owns one instance, so no locking.
type WorkingMemory struct {
	Decisions    []DesignDecision      `json:"decisions"`
	Constraints  []Constraint          `json:"constraints"`
	Todos        []TodoItem            `json:"todos"`
	Interfaces   []InterfaceDefinition `json:"interfaces"`
	Dependencies map[string][]string   `json:"dependencies,omitempty"`
}

// NewWorkingMemory returns an empty blackboard.
func NewWorkingMemory() *WorkingMemory {
	return &WorkingMemory{Dependencies: make(map[string][]string)}
}

// AddDecision appends a design decision.
func (wm *WorkingMemory) AddDecision(d DesignDecision) {
	if strings.TrimSpace(d.Decision) == "" {
		return
	}
	wm.Decisions = append(wm.Decisions, d)
}

// AddConstraint appends a constraint; empty priority becomes normal.
func (wm *WorkingMemory) AddConstraint(c Constraint) {
	if strings.TrimSpace(c.Text) == "" {
		return
	}
	if c.Priority == "" {
		c.Priority = PriorityNormal
	}
	wm.Constraints = append(wm.Constraints, c)
}

// AddTodo appends a pending todo.
func (wm *WorkingMemory) AddTodo(t TodoItem) {
	if strings.TrimSpace(t.Text) == "" {
		return
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	wm.Todos = append(wm.Todos, t)
}

// CompleteTodo marks the first pending todo whose text matches. Completed
// items stay in the list for audit.
func (wm *WorkingMemory) CompleteTodo(text string) bool {
	for i := range wm.Todos {
		if !wm.Todos[i].Completed && wm.Todos[i].Text == text {
			wm.Todos[i].Completed = true
			return true
		}
	}
	return false
}

// AddInterface appends an interface definition.
func (wm *WorkingMemory) AddInterface(def InterfaceDefinition) {
	if strings.TrimSpace(def.Name) == "" {
		return
	}
	wm.Interfaces = append(wm.Interfaces, def)
}

// AddDependency records that file depends on deps.
func (wm *WorkingMemory) AddDependency(file string, deps ...string) {
	if wm.Dependencies == nil {
		wm.Dependencies = make(map[string][]string)
	}
	wm.Dependencies[file] = append(wm.Dependencies[file], deps...)
}

// PendingTodos returns todos not yet completed, in insertion order.
func (wm *WorkingMemory) PendingTodos() []TodoItem {
	var out []TodoItem
	for _, t := range wm.Todos {
		if !t.Completed {
			out = append(out, t)
		}
	}
	return out
}

// DecisionsByTag returns decisions carrying any of the tags.
func (wm *WorkingMemory) DecisionsByTag(tags ...string) []DesignDecision {
	want := make(map[string]bool, len(tags))
	for _, tag := range tags {
		want[tag] = true
	}
	var out []DesignDecision
	for _, d := range wm.Decisions {
		for _, tag := range d.Tags {
			if want[tag] {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// RecentDecisions returns the last n decisions, oldest first.
func (wm *WorkingMemory) RecentDecisions(n int) []DesignDecision {
	if n <= 0 || len(wm.Decisions) == 0 {
		return nil
	}
	if n > len(wm.Decisions) {
		n = len(wm.Decisions)
	}
	return wm.Decisions[len(wm.Decisions)-n:]
}

// IsEmpty reports whether nothing has been recorded.
func (wm *WorkingMemory) IsEmpty() bool {
	return len(wm.Decisions) == 0 && len(wm.Constraints) == 0 &&
		len(wm.Todos) == 0 && len(wm.Interfaces) == 0 && len(wm.Dependencies) == 0
}

// ContextBlock renders the blackboard as the context prelude for LLM
// prompts: last ten decisions, constraints by priority (critical/high
// flagged), first five pending todos, first five interface names.
func (wm *WorkingMemory) ContextBlock() string {
	if wm.IsEmpty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Working memory\n")

	if decisions := wm.RecentDecisions(10); len(decisions) > 0 {
		b.WriteString("Decisions:\n")
		for _, d := range decisions {
			fmt.Fprintf(&b, "- %s", d.Decision)
			if d.Reason != "" {
				fmt.Fprintf(&b, " (because: %s)", d.Reason)
			}
			b.WriteString("\n")
		}
	}

	if len(wm.Constraints) > 0 {
		sorted := make([]Constraint, len(wm.Constraints))
		copy(sorted, wm.Constraints)
		sort.SliceStable(sorted, func(i, j int) bool {
			return priorityRank(sorted[i].Priority) < priorityRank(sorted[j].Priority)
		})
		b.WriteString("Constraints:\n")
		for _, c := range sorted {
			if c.Priority == PriorityCritical || c.Priority == PriorityHigh {
				fmt.Fprintf(&b, "- ⚠️ [%s] %s\n", c.Priority, c.Text)
			} else {
				fmt.Fprintf(&b, "- %s\n", c.Text)
			}
		}
	}

	if todos := wm.PendingTodos(); len(todos) > 0 {
		if len(todos) > 5 {
			todos = todos[:5]
		}
		b.WriteString("Pending todos:\n")
		for _, t := range todos {
			fmt.Fprintf(&b, "- %s\n", t.Text)
		}
	}

	if len(wm.Interfaces) > 0 {
		defs := wm.Interfaces
		if len(defs) > 5 {
			defs = defs[:5]
		}
		b.WriteString("Defined interfaces:\n")
		for _, def := range defs {
			fmt.Fprintf(&b, "- %s (%s)\n", def.Name, def.Type)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// ToJSON serializes the blackboard.
func (wm *WorkingMemory) ToJSON() ([]byte, error) {
	return json.MarshalIndent(wm, "", "  ")
}

// WorkingMemoryFromJSON reloads a serialized blackboard.
func WorkingMemoryFromJSON(data []byte) (*WorkingMemory, error) {
	wm := NewWorkingMemory()
	if err := json.Unmarshal(data, wm); err != nil {
		return nil, fmt.Errorf("failed to parse working memory: %w", err)
	}
	if wm.Dependencies == nil {
		wm.Dependencies = make(map[string][]string)
	}
	return wm, nil
}

// extractedItems is the JSON the extraction prompt asks for.
type extractedItems struct {
	Decisions []struct {
		Decision string   `json:"decision"`
		Reason   string   `json:"reason"`
		Tags     []string `json:"tags"`
	} `json:"decisions"`
	Constraints []struct {
		Text     string `json:"text"`
		Scope    string `json:"scope"`
		Priority string `json:"priority"`
	} `json:"constraints"`
	Todos []struct {
		Text       string `json:"text"`
		TargetStep string `json:"target_step"`
		Priority   string `json:"priority"`
	} `json:"todos"`
	Interfaces []struct {
		Name       string `json:"name"`
		Definition string `json:"definition"`
		Type       string `json:"type"`
	} `json:"interfaces"`
}

// Extractor distills working-memory items out of tool outputs.
type Extractor struct {
	client llm.Client
	logger utils.ExtendedLogger
}

// NewExtractor wires the LLM client used for extraction.
func NewExtractor(client llm.Client, logger utils.ExtendedLogger) *Extractor {
	return &Extractor{client: client, logger: utils.OrSilent(logger)}
}

// ExtractFromOutput asks the LLM which decisions, constraints, todos, and
// interface definitions the step output implies, and appends them to the
// blackboard. Unparseable responses extract nothing.
func (e *Extractor) ExtractFromOutput(ctx context.Context, wm *WorkingMemory, stepID, toolName string, output map[string]interface{}) (int, error) {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return 0, fmt.Errorf("failed to render output for extraction: %w", err)
	}
	outputText := utils.TruncateString(string(outputJSON), 4000)

	prompt := fmt.Sprintf(`A tool just finished during plan execution.

Tool: %s
Step: %s
Output:
%s

Extract anything future steps must remember. Return JSON:
{
  "decisions": [{"decision": "...", "reason": "...", "tags": ["..."]}],
  "constraints": [{"text": "...", "scope": "...", "priority": "critical|high|normal|low"}],
  "todos": [{"text": "...", "target_step": "", "priority": "normal"}],
  "interfaces": [{"name": "...", "definition": "...", "type": "function|api|schema"}]
}

Use empty arrays for categories with nothing worth keeping. Return ONLY the JSON object.`, toolName, stepID, outputText)

	response, _, err := e.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(prompt)},
		Purpose:  observability.PurposeWorkingMemory,
		JSONMode: true,
	})
	if err != nil {
		return 0, err
	}

	items, err := utils.DecodeJSON[extractedItems](response)
	if err != nil {
		e.logger.Warnf("⚠️ Working memory extraction unparseable for step %s: %v", stepID, err)
		return 0, nil
	}

	before := len(wm.Decisions) + len(wm.Constraints) + len(wm.Todos) + len(wm.Interfaces)
	for _, d := range items.Decisions {
		wm.AddDecision(DesignDecision{Decision: d.Decision, Reason: d.Reason, StepID: stepID, Tags: d.Tags})
	}
	for _, c := range items.Constraints {
		wm.AddConstraint(Constraint{Text: c.Text, Source: stepID, Scope: c.Scope, Priority: Priority(c.Priority)})
	}
	for _, t := range items.Todos {
		wm.AddTodo(TodoItem{Text: t.Text, CreatedBy: stepID, TargetStep: t.TargetStep, Priority: Priority(t.Priority)})
	}
	for _, def := range items.Interfaces {
		wm.AddInterface(InterfaceDefinition{Name: def.Name, Definition: def.Definition, DefinedBy: stepID, Type: def.Type})
	}
	added := len(wm.Decisions) + len(wm.Constraints) + len(wm.Todos) + len(wm.Interfaces) - before
	if added > 0 {
		e.logger.Infof("🧠 Extracted %d working memory items from step %s", added, stepID)
	}
	return added, nil
}
