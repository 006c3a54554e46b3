package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"github.com/tmc/langchaingo/llms"

	"agent-kernel/kernel_go/internal/metrics"
	"agent-kernel/kernel_go/internal/observability"
	"agent-kernel/kernel_go/internal/utils"
)

// Message is one chat message. Role is "system", "user", or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemMessage and UserMessage build the common message shapes.
func SystemMessage(content string) Message { return Message{Role: "system", Content: content} }
func UserMessage(content string) Message   { return Message{Role: "user", Content: content} }

// ChatRequest describes one LLM round trip. Purpose is mandatory for
// aggregation; zero temperature means the client default.
type ChatRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
	JSONMode    bool
	Purpose     observability.Purpose
}

// Usage reports token consumption of one call. Estimated when the provider
// does not return counts.
type Usage struct {
	PromptTokens   int  `json:"prompt_tokens"`
	ResponseTokens int  `json:"response_tokens"`
	TotalTokens    int  `json:"total_tokens"`
	Estimated      bool `json:"estimated,omitempty"`
}

// Client is the narrow contract every kernel component depends on. The
// response string is opaque natural language; structure is extracted
// leniently by the caller.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (string, Usage, error)
	ModelID() string
}

// ProviderAwareLLM wraps a langchaingo model with model identity, per-call
// timeout, fallback-model walking, usage extraction, span recording, and
// metrics.
type ProviderAwareLLM struct {
	llm            llms.Model
	provider       Provider
	modelID        string
	fallbackModels []string
	temperature    float64
	maxTokens      int
	timeout        time.Duration
	logger         utils.ExtendedLogger
}

func NewProviderAwareLLM(model llms.Model, config Config) *ProviderAwareLLM {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	temperature := config.Temperature
	if temperature == 0 {
		temperature = 0.2
	}
	return &ProviderAwareLLM{
		llm:            model,
		provider:       config.Provider,
		modelID:        config.ModelID,
		fallbackModels: config.FallbackModels,
		temperature:    temperature,
		maxTokens:      config.MaxTokens,
		timeout:        timeout,
		logger:         utils.OrSilent(config.Logger),
	}
}

func (p *ProviderAwareLLM) ModelID() string       { return p.modelID }
func (p *ProviderAwareLLM) GetProvider() Provider { return p.provider }

// Chat sends the request, walking fallback models when the primary errors.
// Every call is recorded on the active trace span and in metrics, success or
// not.
func (p *ProviderAwareLLM) Chat(ctx context.Context, req ChatRequest) (string, Usage, error) {
	purpose := req.Purpose
	if purpose == "" {
		purpose = observability.PurposeOther
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}

	messages, promptText := p.buildMessages(req.Messages)
	opts := []llms.CallOption{llms.WithTemperature(temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	} else if p.maxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(p.maxTokens))
	}
	if req.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	models := append([]string{p.modelID}, p.fallbackModels...)
	var lastErr error
	for i, model := range models {
		callOpts := opts
		if i > 0 {
			p.logger.Warnf("🔄 LLM fallback: switching from %s to %s after error: %v", p.modelID, model, lastErr)
			callOpts = append(append([]llms.CallOption{}, opts...), llms.WithModel(model))
		}

		start := time.Now()
		resp, err := p.llm.GenerateContent(callCtx, messages, callOpts...)
		duration := time.Since(start)

		if err != nil {
			lastErr = err
			p.recordCall(ctx, purpose, model, temperature, duration, promptText, "", Usage{}, err)
			if callCtx.Err() != nil {
				// Timed out or cancelled: walking more models cannot help.
				break
			}
			continue
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Content == "" {
			lastErr = fmt.Errorf("empty response from model %s", model)
			p.recordCall(ctx, purpose, model, temperature, duration, promptText, "", Usage{}, lastErr)
			continue
		}

		content := resp.Choices[0].Content
		usage := p.extractUsage(resp.Choices[0].GenerationInfo, promptText, content)
		p.recordCall(ctx, purpose, model, temperature, duration, promptText, content, usage, nil)
		return content, usage, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no models configured")
	}
	return "", Usage{}, fmt.Errorf("LLM call failed (purpose=%s, model=%s): %w", purpose, p.modelID, lastErr)
}

func (p *ProviderAwareLLM) buildMessages(msgs []Message) ([]llms.MessageContent, string) {
	out := make([]llms.MessageContent, 0, len(msgs))
	var promptParts []string
	for _, m := range msgs {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case "system":
			role = llms.ChatMessageTypeSystem
		case "assistant":
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
		promptParts = append(promptParts, m.Content)
	}
	return out, strings.Join(promptParts, "\n")
}

// extractUsage reads provider token counts out of GenerationInfo, estimating
// with tiktoken when the provider reports nothing.
func (p *ProviderAwareLLM) extractUsage(info map[string]any, prompt, response string) Usage {
	u := Usage{}
	if info != nil {
		u.PromptTokens = intFromInfo(info, "PromptTokens", "InputTokens", "prompt_tokens", "input_tokens")
		u.ResponseTokens = intFromInfo(info, "CompletionTokens", "OutputTokens", "completion_tokens", "output_tokens")
		u.TotalTokens = intFromInfo(info, "TotalTokens", "total_tokens")
	}
	if u.PromptTokens == 0 && u.ResponseTokens == 0 {
		u.PromptTokens = EstimateTokens(prompt)
		u.ResponseTokens = EstimateTokens(response)
		u.Estimated = true
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.ResponseTokens
	}
	return u
}

func (p *ProviderAwareLLM) recordCall(ctx context.Context, purpose observability.Purpose, model string, temperature float64, duration time.Duration, prompt, response string, usage Usage, err error) {
	success := err == nil
	metrics.LLMCalls.WithLabelValues(string(purpose), strconv.FormatBool(success)).Inc()
	metrics.LLMCallDuration.Observe(duration.Seconds())
	if success {
		metrics.LLMTokens.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
		metrics.LLMTokens.WithLabelValues("response").Add(float64(usage.ResponseTokens))
	}

	if tr := observability.TraceFromContext(ctx); tr != nil {
		rec := observability.LLMCallRecord{
			Purpose:        purpose,
			Model:          model,
			PromptTokens:   usage.PromptTokens,
			ResponseTokens: usage.ResponseTokens,
			TotalTokens:    usage.TotalTokens,
			Temperature:    temperature,
			DurationMs:     duration.Milliseconds(),
			Success:        success,
			Prompt:         prompt,
			Response:       response,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		tr.RecordLLMCall(ctx, rec)
	}

	if err != nil {
		p.logger.WithError(err).Errorf("❌ LLM call failed (purpose=%s, model=%s, %dms)", purpose, model, duration.Milliseconds())
	} else {
		p.logger.Debugf("✅ LLM call done (purpose=%s, model=%s, tokens=%d, %dms)", purpose, model, usage.TotalTokens, duration.Milliseconds())
	}
}

func intFromInfo(info map[string]any, keys ...string) int {
	for _, k := range keys {
		if v, ok := info[k]; ok {
			switch n := v.(type) {
			case int:
				return n
			case int64:
				return int(n)
			case float64:
				return int(n)
			}
		}
	}
	return 0
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens with the cl100k_base encoding, falling back to
// a bytes/4 heuristic when the encoding is unavailable (offline).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding != nil {
		return len(encoding.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
