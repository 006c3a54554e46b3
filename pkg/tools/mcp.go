package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"agent-kernel/kernel_go/internal/utils"
)

// MCPCaller is the slice of the MCP client the registry needs. The real
// client from mark3labs/mcp-go satisfies it; tests fake it.
type MCPCaller interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// RegisterMCPTools lists the server's tools and registers each one. The
// caller owns the client's lifecycle; handlers reuse it for every call.
// Returns the registered names.
func RegisterMCPTools(ctx context.Context, reg *Registry, serverName string, caller MCPCaller, logger utils.ExtendedLogger) ([]string, error) {
	logger = utils.OrSilent(logger)
	result, err := caller.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools from %s: %w", serverName, err)
	}
	var names []string
	for _, mcpTool := range result.Tools {
		t := ConvertMCPTool(mcpTool, caller)
		if err := reg.Register(t); err != nil {
			logger.Warnf("⚠️ Skipping MCP tool %s from %s: %v", mcpTool.Name, serverName, err)
			continue
		}
		names = append(names, t.Name)
	}
	logger.Infof("🔌 Registered %d tools from MCP server %s", len(names), serverName)
	return names, nil
}

// ConvertMCPTool wraps one MCP tool declaration as a registry Tool whose
// handler dispatches through the client.
func ConvertMCPTool(mcpTool mcp.Tool, caller MCPCaller) *Tool {
	name := mcpTool.Name
	return &Tool{
		Name:        name,
		Description: mcpTool.Description,
		Parameters:  parametersFromMCPSchema(mcpTool),
		Handler: HandlerFunc(func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
			request := mcp.CallToolRequest{}
			request.Params = mcp.CallToolParams{
				Name:      name,
				Arguments: args,
			}
			result, err := caller.CallTool(ctx, request)
			if err != nil {
				return nil, err
			}
			return mcpResultToMap(result), nil
		}),
	}
}

func parametersFromMCPSchema(mcpTool mcp.Tool) []Parameter {
	props := mcpTool.InputSchema.Properties
	if len(props) == 0 {
		return nil
	}
	required := make(map[string]bool, len(mcpTool.InputSchema.Required))
	for _, r := range mcpTool.InputSchema.Required {
		required[r] = true
	}
	params := make([]Parameter, 0, len(props))
	for propName, raw := range props {
		p := Parameter{Name: propName, Type: TypeString, Required: required[propName]}
		if propMap, ok := raw.(map[string]interface{}); ok {
			if jsonType, ok := propMap["type"].(string); ok {
				p.Type = paramTypeFromJSON(jsonType)
			}
			if desc, ok := propMap["description"].(string); ok {
				p.Description = desc
			}
			if def, ok := propMap["default"]; ok {
				p.Default = def
			}
			if enumRaw, ok := propMap["enum"].([]interface{}); ok {
				for _, e := range enumRaw {
					p.Enum = append(p.Enum, fmt.Sprintf("%v", e))
				}
			}
		}
		params = append(params, p)
	}
	// Map iteration order is random; keep the catalog stable.
	sortParameters(params)
	return params
}

func sortParameters(params []Parameter) {
	for i := 1; i < len(params); i++ {
		for j := i; j > 0 && params[j-1].Name > params[j].Name; j-- {
			params[j-1], params[j] = params[j], params[j-1]
		}
	}
}

// mcpResultToMap converts an MCP call result to the tool-result shape. Text
// content that is itself a JSON object becomes the result body; otherwise
// the joined text lands under "output".
func mcpResultToMap(result *mcp.CallToolResult) map[string]interface{} {
	if result == nil {
		return map[string]interface{}{"success": true, "output": ""}
	}
	text := mcpContentAsText(result.Content)
	if result.IsError || looksLikeToolError(text) {
		return map[string]interface{}{"success": false, "error": text}
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		var body map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &body); err == nil {
			if _, ok := body["success"]; !ok {
				body["success"] = true
			}
			return body
		}
	}
	return map[string]interface{}{"success": true, "output": text}
}

func mcpContentAsText(content []mcp.Content) string {
	var parts []string
	for _, item := range content {
		switch c := item.(type) {
		case *mcp.TextContent:
			parts = append(parts, unwrapTextPayload(c.Text))
		case *mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[Image: %s]", c.Data))
		case *mcp.EmbeddedResource:
			parts = append(parts, fmt.Sprintf("[Resource: %s]", formatResourceContents(c.Resource)))
		default:
			if jsonBytes, err := json.Marshal(item); err == nil {
				parts = append(parts, string(jsonBytes))
			} else {
				parts = append(parts, fmt.Sprintf("[Unknown content type: %T]", item))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// unwrapTextPayload unpacks the {"type":"text","text":"..."} envelope some
// servers wrap around plain text.
func unwrapTextPayload(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return text
	}
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return text
	}
	if payloadType, ok := payload["type"].(string); ok && payloadType == "text" {
		if inner, ok := payload["text"].(string); ok {
			return inner
		}
	}
	return text
}

func formatResourceContents(resource mcp.ResourceContents) string {
	switch r := resource.(type) {
	case *mcp.TextResourceContents:
		return r.Text
	case *mcp.BlobResourceContents:
		return fmt.Sprintf("[Binary data: %s]", r.MIMEType)
	default:
		if jsonBytes, err := json.Marshal(resource); err == nil {
			return string(jsonBytes)
		}
		return fmt.Sprintf("[Unknown resource type: %T]", resource)
	}
}

// looksLikeToolError catches failures servers report as plain text without
// setting IsError.
func looksLikeToolError(text string) bool {
	return strings.Contains(text, "exit status") ||
		strings.Contains(text, "Invalid choice") ||
		strings.Contains(text, "Error: Access denied")
}
