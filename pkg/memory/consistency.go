package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/internal/utils"
)

// ArtifactType classifies what a checkpoint protects.
type ArtifactType string

const (
	ArtifactCode         ArtifactType = "code"
	ArtifactDocument     ArtifactType = "document"
	ArtifactConfig       ArtifactType = "config"
	ArtifactInterface    ArtifactType = "interface"
	ArtifactSchema       ArtifactType = "schema"
	ArtifactRequirements ArtifactType = "requirements"
)

// Severity grades a violation.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Checkpoint freezes an artifact's key elements so later steps can be
// checked against them. One checkpoint per step id.
type Checkpoint struct {
	StepID               string                 `json:"step_id"`
	ArtifactType         ArtifactType           `json:"artifact_type"`
	KeyElements          map[string]interface{} `json:"key_elements,omitempty"`
	ConstraintsForFuture []string               `json:"constraints_for_future,omitempty"`
	Description          string                 `json:"description,omitempty"`
}

// Violation is one inconsistency between a pending step and a checkpoint.
type Violation struct {
	CheckpointID  string   `json:"checkpoint_id"`
	CurrentStepID string   `json:"current_step_id"`
	ViolationType string   `json:"violation_type"`
	Severity      Severity `json:"severity"`
	Description   string   `json:"description"`
	Suggestion    string   `json:"suggestion,omitempty"`
}

// ConsistencyChecker holds checkpoints and accumulated violations for one
// task. Advisory only: the engine reports critical violations but never
// blocks on them.
type ConsistencyChecker struct {
	Checkpoints       []Checkpoint `json:"checkpoints"`
	Violations        []Violation  `json:"violations"`
	GlobalConstraints []string     `json:"global_constraints"`

	client llm.Client
	logger utils.ExtendedLogger
}

// NewConsistencyChecker wires the LLM client used for checks and checkpoint
// distillation.
func NewConsistencyChecker(client llm.Client, logger utils.ExtendedLogger) *ConsistencyChecker {
	return &ConsistencyChecker{client: client, logger: utils.OrSilent(logger)}
}

// RegisterCheckpoint stores the checkpoint and promotes its future
// constraints to the global list. A second registration for the same step id
// is rejected.
func (cc *ConsistencyChecker) RegisterCheckpoint(cp Checkpoint) error {
	if cp.StepID == "" {
		return fmt.Errorf("checkpoint requires a step id")
	}
	for _, existing := range cc.Checkpoints {
		if existing.StepID == cp.StepID {
			return fmt.Errorf("checkpoint already registered for step %s", cp.StepID)
		}
	}
	cc.Checkpoints = append(cc.Checkpoints, cp)
	cc.GlobalConstraints = append(cc.GlobalConstraints, cp.ConstraintsForFuture...)
	cc.logger.Infof("📌 Registered %s checkpoint for step %s (%d constraints)", cp.ArtifactType, cp.StepID, len(cp.ConstraintsForFuture))
	return nil
}

// HasCheckpoint reports whether the step already registered one.
func (cc *ConsistencyChecker) HasCheckpoint(stepID string) bool {
	for _, cp := range cc.Checkpoints {
		if cp.StepID == stepID {
			return true
		}
	}
	return false
}

// CheckpointFor returns the step's checkpoint.
func (cc *ConsistencyChecker) CheckpointFor(stepID string) (Checkpoint, bool) {
	for _, cp := range cc.Checkpoints {
		if cp.StepID == stepID {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

// HasCriticalViolations reports whether any recorded violation is critical.
func (cc *ConsistencyChecker) HasCriticalViolations() bool {
	for _, v := range cc.Violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// distilledCheckpoint is the JSON shape the distillation prompt asks for.
type distilledCheckpoint struct {
	KeyElements          map[string]interface{} `json:"key_elements"`
	ConstraintsForFuture []string               `json:"constraints_for_future"`
	Description          string                 `json:"description"`
}

// DistillCheckpoint asks the LLM to reduce a step output to a checkpoint
// (key elements plus constraints) and registers it. A step that already has
// a checkpoint is left alone.
func (cc *ConsistencyChecker) DistillCheckpoint(ctx context.Context, stepID, toolName string, artifactType ArtifactType, output map[string]interface{}) error {
	if cc.HasCheckpoint(stepID) {
		return nil
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to render output for checkpoint: %w", err)
	}
	prompt := fmt.Sprintf(`A step produced a %s artifact that later steps must stay consistent with.

Tool: %s
Step: %s
Output:
%s

Distill it into a checkpoint. Return JSON:
{
  "key_elements": {"element_name": "its fixed value or shape"},
  "constraints_for_future": ["what later steps must respect"],
  "description": "one line describing the artifact"
}

Return ONLY the JSON object.`, artifactType, toolName, stepID, utils.TruncateString(string(outputJSON), 4000))

	response, _, err := cc.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(prompt)},
		Purpose:  observability.PurposeCheckpointRegister,
		JSONMode: true,
	})
	if err != nil {
		return err
	}

	distilled, err := utils.DecodeJSON[distilledCheckpoint](response)
	if err != nil {
		cc.logger.Warnf("⚠️ Checkpoint distillation unparseable for step %s: %v", stepID, err)
		return nil
	}
	return cc.RegisterCheckpoint(Checkpoint{
		StepID:               stepID,
		ArtifactType:         artifactType,
		KeyElements:          distilled.KeyElements,
		ConstraintsForFuture: distilled.ConstraintsForFuture,
		Description:          distilled.Description,
	})
}

// relevantCheckpoints filters by artifact types; an empty filter keeps all.
func (cc *ConsistencyChecker) relevantCheckpoints(against []string) []Checkpoint {
	if len(against) == 0 {
		return cc.Checkpoints
	}
	want := make(map[ArtifactType]bool, len(against))
	for _, a := range against {
		want[ArtifactType(a)] = true
	}
	var out []Checkpoint
	for _, cp := range cc.Checkpoints {
		if want[cp.ArtifactType] {
			out = append(out, cp)
		}
	}
	return out
}

// Check compares an about-to-run step against the relevant checkpoints and
// records any violations the LLM finds. Unparseable responses record
// nothing. An empty checkpoint set is a no-op.
func (cc *ConsistencyChecker) Check(ctx context.Context, currentStepID, toolName, description string, args map[string]interface{}, against []string) ([]Violation, error) {
	relevant := cc.relevantCheckpoints(against)
	if len(relevant) == 0 {
		return nil, nil
	}

	var block strings.Builder
	for _, cp := range relevant {
		fmt.Fprintf(&block, "### Checkpoint %s (%s)\n", cp.StepID, cp.ArtifactType)
		if cp.Description != "" {
			fmt.Fprintf(&block, "%s\n", cp.Description)
		}
		if len(cp.KeyElements) > 0 {
			elems, _ := json.Marshal(cp.KeyElements)
			fmt.Fprintf(&block, "Key elements: %s\n", utils.TruncateString(string(elems), 800))
		}
		for _, c := range cp.ConstraintsForFuture {
			fmt.Fprintf(&block, "- must: %s\n", c)
		}
		block.WriteString("\n")
	}

	argsJSON, _ := json.Marshal(args)
	prompt := fmt.Sprintf(`Registered checkpoints from earlier steps:

%s
About to execute:
Step: %s
Tool: %s
Description: %s
Arguments: %s

List every inconsistency between the pending call and the checkpoints.
Return a JSON array (empty if consistent):
[
  {
    "checkpoint_id": "step id of the violated checkpoint",
    "violation_type": "naming|structure|contract|requirement|other",
    "severity": "critical|warning|info",
    "description": "...",
    "suggestion": "..."
  }
]

Return ONLY the JSON array.`, block.String(), currentStepID, toolName, description, utils.TruncateString(string(argsJSON), 1000))

	response, _, err := cc.client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{llm.UserMessage(prompt)},
		Purpose:  observability.PurposeConsistencyCheck,
		JSONMode: true,
	})
	if err != nil {
		return nil, err
	}

	found, err := utils.DecodeJSON[[]Violation](response)
	if err != nil {
		cc.logger.Warnf("⚠️ Consistency check response unparseable for step %s: %v", currentStepID, err)
		return nil, nil
	}
	for i := range found {
		found[i].CurrentStepID = currentStepID
		if found[i].Severity == "" {
			found[i].Severity = SeverityInfo
		}
	}
	cc.Violations = append(cc.Violations, found...)
	if len(found) > 0 {
		cc.logger.Warnf("⚠️ %d consistency violations detected before step %s", len(found), currentStepID)
	}
	return found, nil
}

// ToJSON serializes checkpoints, violations, and constraints.
func (cc *ConsistencyChecker) ToJSON() ([]byte, error) {
	return json.MarshalIndent(cc, "", "  ")
}

// LoadJSON restores a serialized checker into this instance, keeping the
// wired client and logger.
func (cc *ConsistencyChecker) LoadJSON(data []byte) error {
	var stored ConsistencyChecker
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to parse consistency state: %w", err)
	}
	cc.Checkpoints = stored.Checkpoints
	cc.Violations = stored.Violations
	cc.GlobalConstraints = stored.GlobalConstraints
	return nil
}

// ContextBlock renders checkpoints for replan prompts.
func (cc *ConsistencyChecker) ContextBlock() string {
	if len(cc.Checkpoints) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Consistency checkpoints\n")
	for _, cp := range cc.Checkpoints {
		fmt.Fprintf(&b, "- step %s (%s): %s\n", cp.StepID, cp.ArtifactType, cp.Description)
	}
	for _, c := range cc.GlobalConstraints {
		fmt.Fprintf(&b, "- constraint: %s\n", c)
	}
	return strings.TrimRight(b.String(), "\n")
}
