package tools

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMCPCaller struct {
	tools   []mcp.Tool
	results map[string]*mcp.CallToolResult
	calls   []mcp.CallToolRequest
}

func (f *fakeMCPCaller) ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeMCPCaller) CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.calls = append(f.calls, request)
	return f.results[request.Params.Name], nil
}

func TestRegisterMCPTools(t *testing.T) {
	caller := &fakeMCPCaller{
		tools: []mcp.Tool{
			{
				Name:        "fetch_page",
				Description: "Fetches a web page",
				InputSchema: mcp.ToolInputSchema{
					Type: "object",
					Properties: map[string]interface{}{
						"url":     map[string]interface{}{"type": "string", "description": "page address"},
						"timeout": map[string]interface{}{"type": "integer", "default": float64(30)},
					},
					Required: []string{"url"},
				},
			},
		},
		results: map[string]*mcp.CallToolResult{
			"fetch_page": {
				Content: []mcp.Content{&mcp.TextContent{Text: "<html>hello</html>"}},
			},
		},
	}

	reg := NewRegistry(nil)
	names, err := RegisterMCPTools(context.Background(), reg, "browser", caller, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch_page"}, names)

	tool, ok := reg.Get("fetch_page")
	require.True(t, ok)

	urlParam, ok := tool.Param("url")
	require.True(t, ok)
	assert.Equal(t, TypeString, urlParam.Type)
	assert.True(t, urlParam.Required)

	timeoutParam, ok := tool.Param("timeout")
	require.True(t, ok)
	assert.Equal(t, TypeNumber, timeoutParam.Type)
	assert.False(t, timeoutParam.Required)

	result := tool.Execute(context.Background(), map[string]interface{}{"url": "https://example.com"})
	assert.True(t, ResultSuccess(result))
	assert.Equal(t, "<html>hello</html>", result["output"])

	require.Len(t, caller.calls, 1)
	assert.Equal(t, "fetch_page", caller.calls[0].Params.Name)
}

func TestMCPResultToMap(t *testing.T) {
	t.Run("error result", func(t *testing.T) {
		result := mcpResultToMap(&mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: "permission denied"}},
		})
		assert.False(t, ResultSuccess(result))
		assert.Equal(t, "permission denied", ResultError(result))
	})

	t.Run("json object body becomes the result", func(t *testing.T) {
		result := mcpResultToMap(&mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: `{"count": 3, "items": ["a"]}`}},
		})
		assert.True(t, ResultSuccess(result))
		assert.Equal(t, float64(3), result["count"])
	})

	t.Run("wrapped text payload is unwrapped", func(t *testing.T) {
		result := mcpResultToMap(&mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: `{"type":"text","text":"plain answer"}`}},
		})
		assert.True(t, ResultSuccess(result))
		assert.Equal(t, "plain answer", result["output"])
	})

	t.Run("implicit error text fails the call", func(t *testing.T) {
		result := mcpResultToMap(&mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "command failed: exit status 1"}},
		})
		assert.False(t, ResultSuccess(result))
	})

	t.Run("nil result is an empty success", func(t *testing.T) {
		result := mcpResultToMap(nil)
		assert.True(t, ResultSuccess(result))
	})
}
