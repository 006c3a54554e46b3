package binding

import (
	"fmt"
	"strings"

	"agent-kernel/kernel_go/pkg/state"
)

// Resolution is the outcome of resolving one binding against live state.
type Resolution struct {
	Param  string
	Status Status
	// Path is the realized state path the value came from, when it came
	// from state at all.
	Path  string
	Value interface{}
	// Deferred parks the parameter for LLM inference.
	Deferred bool
	// Err is terminal: the binding declared fallback "error" and the
	// source did not resolve.
	Err error
}

// Resolver evaluates bindings against the execution state. StepOutputs, when
// set, is consulted before state for step_output sources; the engine points
// it at its in-memory output cache so retried steps see fresh values.
type Resolver struct {
	State       *state.ExecutionState
	StepOutputs func(stepID string) (map[string]interface{}, bool)
}

// Resolve applies the full per-binding decision: confidence gate, fallback
// policy, then source lookup. Deterministic for a fixed (binding, state) pair.
func (r *Resolver) Resolve(param string, b ParameterBinding, threshold float64) Resolution {
	if b.SourceType == SourceGenerated {
		return Resolution{Param: param, Status: StatusFallback, Deferred: true}
	}

	if b.Confidence < threshold {
		switch b.Fallback {
		case FallbackUseDefault:
			if b.DefaultValue != nil {
				return Resolution{Param: param, Status: StatusResolvedDefault, Value: b.DefaultValue}
			}
			return Resolution{Param: param, Status: StatusFallback, Deferred: true}
		case FallbackError:
			if value, path, ok := r.lookup(b); ok {
				return Resolution{Param: param, Status: StatusResolvedLowConfidence, Path: path, Value: value}
			}
			return Resolution{Param: param, Status: StatusError,
				Err: fmt.Errorf("binding for %q: low-confidence source %q (%s) did not resolve", param, b.Source, b.SourceType)}
		default:
			return Resolution{Param: param, Status: StatusFallback, Deferred: true}
		}
	}

	value, path, ok := r.lookup(b)
	if ok {
		return Resolution{Param: param, Status: StatusResolved, Path: path, Value: value}
	}
	if b.Fallback == FallbackUseDefault && b.DefaultValue != nil {
		return Resolution{Param: param, Status: StatusResolvedDefault, Value: b.DefaultValue}
	}
	if b.Fallback == FallbackError {
		return Resolution{Param: param, Status: StatusError,
			Err: fmt.Errorf("binding for %q: source %q (%s) did not resolve", param, b.Source, b.SourceType)}
	}
	return Resolution{Param: param, Status: StatusFallback, Deferred: true}
}

// lookup navigates the binding's source. The bool is false when the source
// does not exist; the caller decides what that means.
func (r *Resolver) lookup(b ParameterBinding) (interface{}, string, bool) {
	switch b.SourceType {
	case SourceUserInput:
		path := userInputPath(b.Source)
		if path == "" {
			return nil, "", false
		}
		v, ok := r.State.Get(path)
		return v, path, ok
	case SourceStepOutput:
		return r.lookupStepOutput(b.Source)
	case SourceState:
		path := strings.TrimPrefix(b.Source, "state.")
		if path == "" {
			return nil, "", false
		}
		v, ok := r.State.Get(path)
		return v, path, ok
	case SourceLiteral:
		if b.DefaultValue == nil {
			return nil, "", false
		}
		return b.DefaultValue, "", true
	default:
		return nil, "", false
	}
}

// userInputPath pins user_input sources under inputs regardless of how the
// planner spelled them.
func userInputPath(source string) string {
	s := strings.TrimPrefix(strings.TrimSpace(source), "state.")
	if s == "" {
		return ""
	}
	if s == state.KeyInputs || strings.HasPrefix(s, state.KeyInputs+".") {
		return s
	}
	return state.KeyInputs + "." + s
}

// lookupStepOutput accepts "step_<id>.output.field", bare "step_<id>", and
// the state-prefixed spellings, trying the output cache before state.
func (r *Resolver) lookupStepOutput(source string) (interface{}, string, bool) {
	s := strings.TrimPrefix(strings.TrimSpace(source), "state.")
	s = strings.TrimPrefix(s, state.KeySteps+".")
	if s == "" {
		return nil, "", false
	}
	parts := strings.Split(s, ".")
	fields := parts[1:]
	if len(fields) > 0 && fields[0] == "output" {
		fields = fields[1:]
	}

	ref := parts[0]
	candidates := []string{ref}
	if trimmed := strings.TrimPrefix(ref, "step_"); trimmed != ref {
		candidates = append(candidates, trimmed)
	}
	for _, id := range candidates {
		output, ok := r.stepOutput(id)
		if !ok {
			continue
		}
		value, ok := dig(output, fields)
		if !ok {
			return nil, "", false
		}
		path := state.KeySteps + "." + id + ".output"
		if len(fields) > 0 {
			path += "." + strings.Join(fields, ".")
		}
		return value, path, true
	}
	return nil, "", false
}

func (r *Resolver) stepOutput(stepID string) (map[string]interface{}, bool) {
	if r.StepOutputs != nil {
		if out, ok := r.StepOutputs(stepID); ok {
			return out, true
		}
	}
	if r.State == nil {
		return nil, false
	}
	return r.State.StepOutput(stepID)
}

func dig(node interface{}, fields []string) (interface{}, bool) {
	current := node
	for _, f := range fields {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[f]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
