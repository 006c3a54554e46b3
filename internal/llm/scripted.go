package llm

import (
	"context"
	"fmt"
	"sync"

	"agent-kernel/kernel_go/internal/observability"
)

// ScriptedClient is a Client fed from a queue of canned responses, used by
// tests across the kernel. It records every call so tests can assert on
// purposes and prompt content.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []ScriptedResponse
	calls     []ScriptedCall
	// DefaultResponse answers calls once the queue is exhausted. Empty
	// means exhausted calls error.
	DefaultResponse string
}

// ScriptedResponse is one queued answer. Err takes precedence over Content.
type ScriptedResponse struct {
	Content string
	Err     error
	// Purpose, when set, asserts the call's purpose; a mismatch errors so
	// tests fail loudly instead of consuming the wrong answer.
	Purpose observability.Purpose
}

// ScriptedCall records one Chat invocation.
type ScriptedCall struct {
	Purpose  observability.Purpose
	Prompt   string
	JSONMode bool
}

func NewScriptedClient(responses ...ScriptedResponse) *ScriptedClient {
	return &ScriptedClient{responses: responses}
}

// Respond queues a plain content response.
func (c *ScriptedClient) Respond(content string) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, ScriptedResponse{Content: content})
	return c
}

// RespondWith queues a response bound to an expected purpose.
func (c *ScriptedClient) RespondWith(purpose observability.Purpose, content string) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, ScriptedResponse{Content: content, Purpose: purpose})
	return c
}

// Fail queues an error response.
func (c *ScriptedClient) Fail(err error) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, ScriptedResponse{Err: err})
	return c
}

func (c *ScriptedClient) Chat(ctx context.Context, req ChatRequest) (string, Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", Usage{}, err
	}

	var prompt string
	for _, m := range req.Messages {
		prompt += m.Content + "\n"
	}

	c.mu.Lock()
	c.calls = append(c.calls, ScriptedCall{Purpose: req.Purpose, Prompt: prompt, JSONMode: req.JSONMode})
	if len(c.responses) == 0 {
		def := c.DefaultResponse
		c.mu.Unlock()
		if def != "" {
			return def, Usage{TotalTokens: 1, Estimated: true}, nil
		}
		return "", Usage{}, fmt.Errorf("scripted client exhausted (purpose=%s)", req.Purpose)
	}
	next := c.responses[0]
	c.responses = c.responses[1:]
	c.mu.Unlock()

	if next.Purpose != "" && next.Purpose != req.Purpose {
		return "", Usage{}, fmt.Errorf("scripted client: expected purpose %s, got %s", next.Purpose, req.Purpose)
	}
	if next.Err != nil {
		return "", Usage{}, next.Err
	}
	return next.Content, Usage{PromptTokens: len(prompt) / 4, ResponseTokens: len(next.Content) / 4, TotalTokens: (len(prompt) + len(next.Content)) / 4, Estimated: true}, nil
}

func (c *ScriptedClient) ModelID() string { return "scripted" }

// Calls returns a copy of the recorded calls.
func (c *ScriptedClient) Calls() []ScriptedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ScriptedCall, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallsFor counts recorded calls with the given purpose.
func (c *ScriptedClient) CallsFor(purpose observability.Purpose) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Purpose == purpose {
			n++
		}
	}
	return n
}

// Remaining reports how many queued responses were not consumed.
func (c *ScriptedClient) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.responses)
}
