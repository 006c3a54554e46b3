package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Reserved top-level keys of the execution state.
const (
	KeyInputs  = "inputs"
	KeyControl = "control"
	KeySteps   = "steps"
)

// Control sub-keys owned by the kernel.
const (
	ControlIterations    = "iterations"
	ControlMaxIterations = "maxIterations"
	ControlFailedSteps   = "failedSteps"
)

// DefaultMaxIterations bounds the global step budget of one task.
const DefaultMaxIterations = 20

// ExecutionState is the task-local blackboard: a nested mapping keyed by
// dotted paths. Reserved keys: inputs (immutable user data), control
// (kernel-owned counters), steps (per-step outputs). Tools write flat keys
// according to their output schema and state mapping.
//
// One logical flow owns a state; it is not synchronized.
type ExecutionState struct {
	data map[string]interface{}
}

// New builds a state with the given immutable inputs and default control.
func New(inputs map[string]interface{}) *ExecutionState {
	if inputs == nil {
		inputs = map[string]interface{}{}
	}
	return &ExecutionState{data: map[string]interface{}{
		KeyInputs: inputs,
		KeyControl: map[string]interface{}{
			ControlIterations:    0,
			ControlMaxIterations: DefaultMaxIterations,
			ControlFailedSteps:   []interface{}{},
		},
		KeySteps: map[string]interface{}{},
	}}
}

// FromMap wraps an existing nested map, filling missing reserved keys.
func FromMap(data map[string]interface{}) *ExecutionState {
	if data == nil {
		return New(nil)
	}
	s := &ExecutionState{data: data}
	if _, ok := data[KeyInputs]; !ok {
		data[KeyInputs] = map[string]interface{}{}
	}
	if _, ok := data[KeyControl].(map[string]interface{}); !ok {
		data[KeyControl] = map[string]interface{}{
			ControlIterations:    0,
			ControlMaxIterations: DefaultMaxIterations,
			ControlFailedSteps:   []interface{}{},
		}
	}
	if _, ok := data[KeySteps]; !ok {
		data[KeySteps] = map[string]interface{}{}
	}
	return s
}

// Raw returns the underlying map. Callers must not retain it across state
// mutations.
func (s *ExecutionState) Raw() map[string]interface{} {
	return s.data
}

// Get walks the dotted path. The bool reports whether the full path existed.
func (s *ExecutionState) Get(path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	return walk(s.data, strings.Split(path, "."))
}

func walk(node interface{}, parts []string) (interface{}, bool) {
	current := node
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetString returns the string at path, or "".
func (s *ExecutionState) GetString(path string) string {
	v, ok := s.Get(path)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// Has reports whether the dotted path resolves.
func (s *ExecutionState) Has(path string) bool {
	_, ok := s.Get(path)
	return ok
}

// Set writes value at the dotted path, creating intermediate maps. An
// intermediate non-map value is an error.
func (s *ExecutionState) Set(path string, value interface{}) error {
	if path == "" {
		return fmt.Errorf("empty state path")
	}
	parts := strings.Split(path, ".")
	current := s.data
	for i, part := range parts[:len(parts)-1] {
		next, ok := current[part]
		if !ok {
			m := map[string]interface{}{}
			current[part] = m
			current = m
			continue
		}
		m, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("state path %q blocked by non-map at %q", path, strings.Join(parts[:i+1], "."))
		}
		current = m
	}
	current[parts[len(parts)-1]] = value
	return nil
}

// Delete removes the value at the dotted path if present.
func (s *ExecutionState) Delete(path string) {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return
	}
	parent, ok := walkParent(s.data, parts)
	if !ok {
		return
	}
	delete(parent, parts[len(parts)-1])
}

func walkParent(node map[string]interface{}, parts []string) (map[string]interface{}, bool) {
	current := node
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Input returns inputs.<name>.
func (s *ExecutionState) Input(name string) (interface{}, bool) {
	return s.Get(KeyInputs + "." + name)
}

func (s *ExecutionState) control() map[string]interface{} {
	c, _ := s.data[KeyControl].(map[string]interface{})
	return c
}

// Iterations returns control.iterations.
func (s *ExecutionState) Iterations() int {
	return intValue(s.control()[ControlIterations])
}

// IncrementIterations bumps control.iterations and returns the new value.
func (s *ExecutionState) IncrementIterations() int {
	c := s.control()
	n := intValue(c[ControlIterations]) + 1
	c[ControlIterations] = n
	return n
}

// MaxIterations returns control.maxIterations.
func (s *ExecutionState) MaxIterations() int {
	n := intValue(s.control()[ControlMaxIterations])
	if n <= 0 {
		return DefaultMaxIterations
	}
	return n
}

// SetMaxIterations overrides the global step budget.
func (s *ExecutionState) SetMaxIterations(n int) {
	if n > 0 {
		s.control()[ControlMaxIterations] = n
	}
}

// FailedSteps returns control.failedSteps as step ids in record order.
func (s *ExecutionState) FailedSteps() []string {
	raw, _ := s.control()[ControlFailedSteps].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			out = append(out, id)
		}
	}
	return out
}

// AddFailedStep appends the id to control.failedSteps.
func (s *ExecutionState) AddFailedStep(stepID string) {
	c := s.control()
	raw, _ := c[ControlFailedSteps].([]interface{})
	c[ControlFailedSteps] = append(raw, stepID)
}

// SetStepOutput writes steps.<id> = {tool, output}. Step ids are used as
// literal keys, never split on dots.
func (s *ExecutionState) SetStepOutput(stepID, tool string, output map[string]interface{}) {
	steps, _ := s.data[KeySteps].(map[string]interface{})
	if steps == nil {
		steps = map[string]interface{}{}
		s.data[KeySteps] = steps
	}
	steps[stepID] = map[string]interface{}{
		"tool":   tool,
		"output": output,
	}
}

// StepOutput returns steps.<id>.output.
func (s *ExecutionState) StepOutput(stepID string) (map[string]interface{}, bool) {
	steps, _ := s.data[KeySteps].(map[string]interface{})
	entry, ok := steps[stepID].(map[string]interface{})
	if !ok {
		return nil, false
	}
	output, ok := entry["output"].(map[string]interface{})
	return output, ok
}

// HasStepOutput reports whether steps.<id>.output exists.
func (s *ExecutionState) HasStepOutput(stepID string) bool {
	_, ok := s.StepOutput(stepID)
	return ok
}

// reservedOutputKeys are never mapped to flat state.
var reservedOutputKeys = map[string]bool{"success": true, "error": true, "message": true}

// ApplyOutput writes tool output into flat top-level state: every non-control
// output key lands under its own name, renamed through stateMapping when one
// is declared. Keys success/error/message are excluded.
func (s *ExecutionState) ApplyOutput(output map[string]interface{}, stateMapping map[string]string) {
	for key, value := range output {
		if reservedOutputKeys[key] {
			continue
		}
		target := key
		if mapped, ok := stateMapping[key]; ok && mapped != "" {
			target = mapped
		}
		if err := s.Set(target, value); err != nil {
			// A blocked path only affects that key.
			continue
		}
	}
}

// SetLastFailure records last_failure.<tool> = reason for the next step.
func (s *ExecutionState) SetLastFailure(tool, reason string) {
	_ = s.Set("last_failure."+tool, reason)
}

// Snapshot deep-copies the state map for safe external use.
func (s *ExecutionState) Snapshot() map[string]interface{} {
	b, err := json.Marshal(s.data)
	if err != nil {
		return map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

func intValue(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	default:
		return 0
	}
}
