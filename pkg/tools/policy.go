package tools

// OnFail selects the reaction to a failed expectation validation.
type OnFail string

const (
	OnFailRetry    OnFail = "retry"
	OnFailReplan   OnFail = "replan"
	OnFailAbort    OnFail = "abort"
	OnFailContinue OnFail = "continue"
)

// ValidationPolicy governs expectation validation after a tool call.
type ValidationPolicy struct {
	OnFail     OnFail `json:"on_fail,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// PostSuccessPolicy governs what happens after a successful tool call.
type PostSuccessPolicy struct {
	HighImpact               bool     `json:"high_impact,omitempty"`
	RequiresConsistencyCheck bool     `json:"requires_consistency_check,omitempty"`
	ExtractWorkingMemory     bool     `json:"extract_working_memory,omitempty"`
	ReplanCondition          string   `json:"replan_condition,omitempty"`
	ConsistencyCheckAgainst  []string `json:"consistency_check_against,omitempty"`
}

// ResultHandlingPolicy governs how a result lands in state and memory.
type ResultHandlingPolicy struct {
	RegisterAsCheckpoint bool   `json:"register_as_checkpoint,omitempty"`
	CheckpointType       string `json:"checkpoint_type,omitempty"`
	// StateMapping maps result keys to dotted state paths.
	StateMapping map[string]string `json:"state_mapping,omitempty"`
	// Compressor names the compressor to apply; empty means the tool's own.
	Compressor string `json:"compressor,omitempty"`
}

// ToolPostPolicy groups everything that happens after a tool call.
type ToolPostPolicy struct {
	Validation     *ValidationPolicy     `json:"validation,omitempty"`
	PostSuccess    *PostSuccessPolicy    `json:"post_success,omitempty"`
	ResultHandling *ResultHandlingPolicy `json:"result_handling,omitempty"`
}

// ReplanPolicy is the legacy flat policy kept for configs written before
// ToolPostPolicy existed.
type ReplanPolicy struct {
	HighImpact           bool              `json:"high_impact,omitempty"`
	ForceReplanCheck     bool              `json:"force_replan_check,omitempty"`
	ReplanCondition      string            `json:"replan_condition,omitempty"`
	RegisterAsCheckpoint bool              `json:"register_as_checkpoint,omitempty"`
	CheckpointType       string            `json:"checkpoint_type,omitempty"`
	StateMapping         map[string]string `json:"state_mapping,omitempty"`
}

// EffectivePostPolicy merges the modern policy with the legacy one. The
// modern policy wins per field; legacy fields fill only gaps. The result is
// never nil and safe to read without nil checks on the three sections.
func (t *Tool) EffectivePostPolicy() *ToolPostPolicy {
	merged := &ToolPostPolicy{
		Validation:     &ValidationPolicy{},
		PostSuccess:    &PostSuccessPolicy{},
		ResultHandling: &ResultHandlingPolicy{},
	}
	if t == nil {
		return merged
	}
	if p := t.PostPolicy; p != nil {
		if p.Validation != nil {
			*merged.Validation = *p.Validation
		}
		if p.PostSuccess != nil {
			*merged.PostSuccess = *p.PostSuccess
		}
		if p.ResultHandling != nil {
			*merged.ResultHandling = *p.ResultHandling
		}
	}
	if legacy := t.LegacyReplanPolicy; legacy != nil {
		ps := merged.PostSuccess
		if !ps.HighImpact {
			ps.HighImpact = legacy.HighImpact
		}
		if ps.ReplanCondition == "" {
			ps.ReplanCondition = legacy.ReplanCondition
		}
		rh := merged.ResultHandling
		if !rh.RegisterAsCheckpoint {
			rh.RegisterAsCheckpoint = legacy.RegisterAsCheckpoint
		}
		if rh.CheckpointType == "" {
			rh.CheckpointType = legacy.CheckpointType
		}
		if rh.StateMapping == nil && legacy.StateMapping != nil {
			rh.StateMapping = legacy.StateMapping
		}
	}
	return merged
}

// ForceReplanCheck reports whether the tool demands a conditional replan
// check after success. The modern policy expresses this with a non-empty
// ReplanCondition; the legacy flag alone also counts.
func (t *Tool) ForceReplanCheck() bool {
	if t == nil {
		return false
	}
	if t.LegacyReplanPolicy != nil && t.LegacyReplanPolicy.ForceReplanCheck {
		return true
	}
	p := t.EffectivePostPolicy()
	return p.PostSuccess.ReplanCondition != ""
}
