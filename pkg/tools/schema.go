package tools

import (
	"fmt"

	"github.com/invopop/jsonschema"
)

// FunctionSchema renders the OpenAI-style function-calling schema for one
// tool.
func FunctionSchema(t *Tool) map[string]interface{} {
	properties := make(map[string]interface{}, len(t.Parameters))
	var required []string
	for _, p := range t.Parameters {
		properties[p.Name] = parameterSchema(p)
		if p.Required {
			required = append(required, p.Name)
		}
	}
	parameters := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		parameters["required"] = required
	}
	return map[string]interface{}{
		"type": "function",
		"function": map[string]interface{}{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  parameters,
		},
	}
}

func parameterSchema(p Parameter) map[string]interface{} {
	s := map[string]interface{}{"type": string(p.Type)}
	if p.Description != "" {
		s["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		s["enum"] = p.Enum
	}
	if p.Default != nil {
		s["default"] = p.Default
	}
	return s
}

// ParametersFromStruct derives a parameter list from a Go struct by JSON
// schema reflection. Field order follows declaration order; a field is
// required when tagged `jsonschema:"required"`.
func ParametersFromStruct(v interface{}) ([]Parameter, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct:             true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(v)
	if schema.Properties == nil {
		return nil, fmt.Errorf("type %T has no reflectable fields", v)
	}
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}
	var params []Parameter
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		prop := pair.Value
		p := Parameter{
			Name:        pair.Key,
			Type:        paramTypeFromJSON(prop.Type),
			Description: prop.Description,
			Required:    required[pair.Key],
			Default:     prop.Default,
		}
		for _, e := range prop.Enum {
			p.Enum = append(p.Enum, fmt.Sprintf("%v", e))
		}
		params = append(params, p)
	}
	return params, nil
}

func paramTypeFromJSON(jsonType string) ParamType {
	switch jsonType {
	case "integer", "number":
		return TypeNumber
	case "boolean":
		return TypeBoolean
	case "array":
		return TypeArray
	case "object":
		return TypeObject
	default:
		return TypeString
	}
}
