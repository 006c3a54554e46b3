package tools

import "context"

// Builder assembles a Tool fluently; the runtime analogue of declaring one
// in code.
type Builder struct {
	tool Tool
}

// NewTool starts a builder for the named tool.
func NewTool(name, description string) *Builder {
	return &Builder{tool: Tool{Name: name, Description: description}}
}

// Param adds a parameter declaration.
func (b *Builder) Param(p Parameter) *Builder {
	b.tool.Parameters = append(b.tool.Parameters, p)
	return b
}

// StringParam adds a string parameter.
func (b *Builder) StringParam(name, description string, required bool) *Builder {
	return b.Param(Parameter{Name: name, Type: TypeString, Description: description, Required: required})
}

// NumberParam adds a number parameter.
func (b *Builder) NumberParam(name, description string, required bool) *Builder {
	return b.Param(Parameter{Name: name, Type: TypeNumber, Description: description, Required: required})
}

// BoolParam adds a boolean parameter.
func (b *Builder) BoolParam(name, description string, required bool) *Builder {
	return b.Param(Parameter{Name: name, Type: TypeBoolean, Description: description, Required: required})
}

// ObjectParam adds an object parameter.
func (b *Builder) ObjectParam(name, description string, required bool) *Builder {
	return b.Param(Parameter{Name: name, Type: TypeObject, Description: description, Required: required})
}

// ArrayParam adds an array parameter.
func (b *Builder) ArrayParam(name, description string, required bool) *Builder {
	return b.Param(Parameter{Name: name, Type: TypeArray, Description: description, Required: required})
}

// ParamsFromStruct reflects a Go struct into the parameter list. Panics on
// unreflectable types; meant for static wiring where the type is known good.
func (b *Builder) ParamsFromStruct(v interface{}) *Builder {
	params, err := ParametersFromStruct(v)
	if err != nil {
		panic(err)
	}
	b.tool.Parameters = append(b.tool.Parameters, params...)
	return b
}

// Output declares one output key with a short type/description sketch.
func (b *Builder) Output(key, sketch string) *Builder {
	if b.tool.OutputSchema == nil {
		b.tool.OutputSchema = make(map[string]string)
	}
	b.tool.OutputSchema[key] = sketch
	return b
}

// Handle sets the handler function.
func (b *Builder) Handle(fn func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)) *Builder {
	b.tool.Handler = HandlerFunc(fn)
	return b
}

// WithValidator sets the expectation validator.
func (b *Builder) WithValidator(v Validator) *Builder {
	b.tool.Validator = v
	return b
}

// WithCompressor sets the result compressor.
func (b *Builder) WithCompressor(c Compressor) *Builder {
	b.tool.Compressor = c
	return b
}

// WithAlternatives lists tools to try when retries are exhausted.
func (b *Builder) WithAlternatives(names ...string) *Builder {
	b.tool.AlternativeTools = append(b.tool.AlternativeTools, names...)
	return b
}

// WithParamValidator adds a parameter constraint.
func (b *Builder) WithParamValidator(v ParameterValidator) *Builder {
	b.tool.ParameterValidators = append(b.tool.ParameterValidators, v)
	return b
}

// WithAlias maps a parameter name to a state path. Deprecated alongside
// Tool.ParamAliases.
func (b *Builder) WithAlias(param, statePath string) *Builder {
	if b.tool.ParamAliases == nil {
		b.tool.ParamAliases = make(map[string]string)
	}
	b.tool.ParamAliases[param] = statePath
	return b
}

// WithPostPolicy sets the post-call policy.
func (b *Builder) WithPostPolicy(p *ToolPostPolicy) *Builder {
	b.tool.PostPolicy = p
	return b
}

// Build validates and returns the tool.
func (b *Builder) Build() (*Tool, error) {
	t := b.tool
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// MustBuild builds or panics; for static startup wiring.
func (b *Builder) MustBuild() *Tool {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}
