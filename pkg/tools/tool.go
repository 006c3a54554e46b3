package tools

import (
	"context"
	"fmt"
)

// ParamType is the declared type of one tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// ValidParamType reports whether t is one of the declared types.
func ValidParamType(t ParamType) bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// Parameter declares one tool parameter.
type Parameter struct {
	Name        string      `json:"name"`
	Type        ParamType   `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
}

// Handler executes the tool. The returned map observes
// {success bool, error string, ...}; a returned Go error is equivalent to
// {success: false, error: err.Error()}.
type Handler interface {
	Execute(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

func (f HandlerFunc) Execute(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, args)
}

// Validator checks a tool result against a natural-language expectation. It
// may call the LLM (implementations capture their own client). Mode
// distinguishes call sites ("execution", "replan").
type Validator interface {
	Validate(ctx context.Context, result map[string]interface{}, expectation string, stateView map[string]interface{}, mode string) (bool, string, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, result map[string]interface{}, expectation string, stateView map[string]interface{}, mode string) (bool, string, error)

func (f ValidatorFunc) Validate(ctx context.Context, result map[string]interface{}, expectation string, stateView map[string]interface{}, mode string) (bool, string, error) {
	return f(ctx, result, expectation, stateView, mode)
}

// Compressor reduces a tool result to the compact form kept for future LLM
// prompts.
type Compressor interface {
	Compress(result map[string]interface{}, stateView map[string]interface{}) map[string]interface{}
}

// CompressorFunc adapts a function to Compressor.
type CompressorFunc func(result map[string]interface{}, stateView map[string]interface{}) map[string]interface{}

func (f CompressorFunc) Compress(result map[string]interface{}, stateView map[string]interface{}) map[string]interface{} {
	return f(result, stateView)
}

// ValidatorKind names a parameter-validator flavor.
type ValidatorKind string

const (
	ValidatorRegex  ValidatorKind = "regex"
	ValidatorRange  ValidatorKind = "range"
	ValidatorEnum   ValidatorKind = "enum"
	ValidatorCustom ValidatorKind = "custom"
)

// ParameterValidator constrains one parameter's value. Rule is the pattern
// for regex, "min,max" for range (empty sides mean unbounded), a
// comma-separated list for enum, and ignored for custom (which calls the
// tool's ValidateParam hook).
type ParameterValidator struct {
	Param   string        `json:"param"`
	Kind    ValidatorKind `json:"kind"`
	Rule    string        `json:"rule,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Tool is a named capability: schema, handler, and policies.
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`

	// OutputSchema maps output keys to a short type/description sketch.
	// Used for flat state writes and prompt rendering.
	OutputSchema map[string]string `json:"output_schema,omitempty"`

	Handler    Handler    `json:"-"`
	Validator  Validator  `json:"-"`
	Compressor Compressor `json:"-"`

	// ValidateParam backs custom parameter validators.
	ValidateParam func(name string, value interface{}) (bool, string) `json:"-"`

	// AlternativeTools are tried in order when this tool exhausts retries.
	AlternativeTools []string `json:"alternative_tools,omitempty"`

	ParameterValidators []ParameterValidator `json:"parameter_validators,omitempty"`

	// ParamAliases maps parameter names to state paths. Deprecated: bindings
	// cover this; kept as a compatibility shim for plans without bindings.
	ParamAliases map[string]string `json:"param_aliases,omitempty"`

	PostPolicy *ToolPostPolicy `json:"post_policy,omitempty"`

	// LegacyReplanPolicy predates PostPolicy; merged by
	// EffectivePostPolicy and never read directly.
	LegacyReplanPolicy *ReplanPolicy `json:"replan_policy,omitempty"`
}

// Validate checks structural well-formedness: a name, known parameter types,
// unique parameter names. Semantics are never checked here.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	seen := make(map[string]bool, len(t.Parameters))
	for _, p := range t.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter with empty name", t.Name)
		}
		if !ValidParamType(p.Type) {
			return fmt.Errorf("tool %s: parameter %s has unknown type %q", t.Name, p.Name, p.Type)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %s: duplicate parameter %s", t.Name, p.Name)
		}
		seen[p.Name] = true
	}
	for _, v := range t.ParameterValidators {
		if !seen[v.Param] {
			return fmt.Errorf("tool %s: validator for unknown parameter %s", t.Name, v.Param)
		}
		switch v.Kind {
		case ValidatorRegex, ValidatorRange, ValidatorEnum, ValidatorCustom:
		default:
			return fmt.Errorf("tool %s: unknown validator kind %q for %s", t.Name, v.Kind, v.Param)
		}
	}
	return nil
}

// Param returns the declared parameter by name.
func (t *Tool) Param(name string) (Parameter, bool) {
	for _, p := range t.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// RequiredParams lists the names of required parameters in declaration order.
func (t *Tool) RequiredParams() []string {
	var out []string
	for _, p := range t.Parameters {
		if p.Required {
			out = append(out, p.Name)
		}
	}
	return out
}

// Execute dispatches the handler and normalizes the result: a nil map with
// nil error becomes {success: true}; a Go error becomes
// {success: false, error: ...}.
func (t *Tool) Execute(ctx context.Context, args map[string]interface{}) map[string]interface{} {
	if t.Handler == nil {
		return map[string]interface{}{"success": false, "error": fmt.Sprintf("tool %s has no handler", t.Name)}
	}
	result, err := t.Handler.Execute(ctx, args)
	if err != nil {
		return map[string]interface{}{"success": false, "error": err.Error()}
	}
	if result == nil {
		return map[string]interface{}{"success": true}
	}
	return result
}

// ResultSuccess reads the success flag of a tool result; a missing key is
// success.
func ResultSuccess(result map[string]interface{}) bool {
	if result == nil {
		return false
	}
	v, ok := result["success"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	return ok && b
}

// ResultError extracts the error text of a failed result.
func ResultError(result map[string]interface{}) string {
	if result == nil {
		return "no result"
	}
	if msg, ok := result["error"].(string); ok {
		return msg
	}
	return ""
}
