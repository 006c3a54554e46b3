// Package binding declares parameter bindings: where each tool argument of a
// plan step comes from, how confident the binding planner is about it, and
// what to do when the source cannot be resolved at execution time.
package binding

import "strings"

// SourceType says where a bound value lives.
type SourceType string

const (
	SourceUserInput  SourceType = "user_input"
	SourceStepOutput SourceType = "step_output"
	SourceState      SourceType = "state"
	SourceLiteral    SourceType = "literal"
	SourceGenerated  SourceType = "generated"
)

// FallbackPolicy picks the recovery path for a low-confidence or
// unresolvable binding.
type FallbackPolicy string

const (
	FallbackLLMInfer   FallbackPolicy = "llm_infer"
	FallbackUseDefault FallbackPolicy = "use_default"
	FallbackError      FallbackPolicy = "error"
)

// Status classifies the outcome of one binding resolution.
type Status string

const (
	StatusResolved              Status = "resolved"
	StatusResolvedDefault       Status = "resolved_default"
	StatusResolvedLowConfidence Status = "resolved_low_confidence"
	StatusFallback              Status = "fallback"
	StatusSkipped               Status = "skipped"
	StatusError                 Status = "error"
)

// DefaultConfidenceThreshold applies when a plan does not set its own.
const DefaultConfidenceThreshold = 0.7

// ParameterBinding describes the planned source of a single tool argument.
type ParameterBinding struct {
	Source       string         `json:"source"`
	SourceType   SourceType     `json:"source_type"`
	Confidence   float64        `json:"confidence"`
	Reasoning    string         `json:"reasoning,omitempty"`
	Fallback     FallbackPolicy `json:"fallback,omitempty"`
	DefaultValue interface{}    `json:"default_value,omitempty"`
}

// StepBindings groups the bindings of one plan step.
type StepBindings struct {
	StepID   string                      `json:"step_id"`
	Tool     string                      `json:"tool,omitempty"`
	Bindings map[string]ParameterBinding `json:"bindings"`
}

// BindingPlan carries the bindings for a whole execution plan. It is
// advisory: execution recovers from anything it gets wrong.
type BindingPlan struct {
	Steps               []StepBindings `json:"steps"`
	ConfidenceThreshold float64        `json:"confidence_threshold,omitempty"`
	Reasoning           string         `json:"reasoning,omitempty"`
}

// Threshold returns the plan's confidence threshold or the default.
func (p *BindingPlan) Threshold() float64 {
	if p == nil || p.ConfidenceThreshold <= 0 {
		return DefaultConfidenceThreshold
	}
	return p.ConfidenceThreshold
}

// For returns the bindings of the given step.
func (p *BindingPlan) For(stepID string) (*StepBindings, bool) {
	if p == nil {
		return nil, false
	}
	for i := range p.Steps {
		if p.Steps[i].StepID == stepID {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// IsEmpty reports whether the plan carries no bindings at all.
func (p *BindingPlan) IsEmpty() bool {
	if p == nil {
		return true
	}
	for _, s := range p.Steps {
		if len(s.Bindings) > 0 {
			return false
		}
	}
	return true
}

// Normalize lowercases the enum fields, clamps confidences into [0,1] and
// drops step groups without an id. LLM output passes through here once.
func (p *BindingPlan) Normalize() {
	if p == nil {
		return
	}
	kept := p.Steps[:0]
	for _, s := range p.Steps {
		if s.StepID == "" {
			continue
		}
		for name, b := range s.Bindings {
			b.SourceType = SourceType(strings.ToLower(strings.TrimSpace(string(b.SourceType))))
			b.Fallback = FallbackPolicy(strings.ToLower(strings.TrimSpace(string(b.Fallback))))
			if b.Confidence < 0 {
				b.Confidence = 0
			}
			if b.Confidence > 1 {
				b.Confidence = 1
			}
			s.Bindings[name] = b
		}
		kept = append(kept, s)
	}
	p.Steps = kept
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		p.ConfidenceThreshold = 0
	}
}
