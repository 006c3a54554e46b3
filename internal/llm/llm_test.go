package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-kernel/kernel_go/internal/observability"
)

func TestValidateProvider(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Provider
	}{
		{"bedrock", ProviderBedrock},
		{"OpenAI", ProviderOpenAI},
		{"  ANTHROPIC  ", ProviderAnthropic},
		{"OpenRouter", ProviderOpenRouter},
	} {
		got, err := ValidateProvider(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, err := ValidateProvider("ollama")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported LLM provider")
	assert.Contains(t, err.Error(), "openrouter")
}

func TestGetDefaultModel(t *testing.T) {
	for _, p := range []Provider{ProviderBedrock, ProviderOpenAI, ProviderAnthropic, ProviderOpenRouter} {
		assert.NotEmpty(t, GetDefaultModel(p), string(p))
	}
	assert.Empty(t, GetDefaultModel(Provider("ollama")))

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("OPENAI_PRIMARY_MODEL", "gpt-custom")
		assert.Equal(t, "gpt-custom", GetDefaultModel(ProviderOpenAI))
	})
}

func TestGetDefaultFallbackModels(t *testing.T) {
	t.Setenv("ANTHROPIC_FALLBACK_MODELS", "")
	assert.Nil(t, GetDefaultFallbackModels(ProviderAnthropic))

	t.Setenv("ANTHROPIC_FALLBACK_MODELS", "claude-a, claude-b ,, claude-c")
	assert.Equal(t, []string{"claude-a", "claude-b", "claude-c"},
		GetDefaultFallbackModels(ProviderAnthropic))

	assert.Nil(t, GetDefaultFallbackModels(Provider("ollama")))
}

func TestInitializeLLMRejectsBadConfig(t *testing.T) {
	t.Run("unsupported provider", func(t *testing.T) {
		_, err := InitializeLLM(Config{Provider: "ollama"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported LLM provider")
	})

	t.Run("openrouter requires api key", func(t *testing.T) {
		t.Setenv("OPENROUTER_API_KEY", "")
		_, err := InitializeLLM(Config{Provider: ProviderOpenRouter})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "OPENROUTER_API_KEY")
	})
}

func TestConditionalDecide(t *testing.T) {
	client := NewScriptedClient().
		RespondWith(observability.PurposeValidation, `{"result": true, "reason": "the output lists three sources"}`)
	cond := NewConditionalLLM(client, nil)

	decision, err := cond.Decide(context.Background(),
		"step output: three sources found", "did the step find sources?", observability.PurposeValidation)
	require.NoError(t, err)
	assert.True(t, decision.Result)
	assert.Equal(t, "the output lists three sources", decision.Reason)

	calls := client.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].JSONMode)
	assert.Contains(t, calls[0].Prompt, "did the step find sources?")
	assert.Equal(t, 1, client.CallsFor(observability.PurposeValidation))
}

func TestConditionalDecideErrors(t *testing.T) {
	t.Run("client error", func(t *testing.T) {
		client := NewScriptedClient().Fail(errors.New("model unavailable"))
		cond := NewConditionalLLM(client, nil)

		_, err := cond.Decide(context.Background(), "ctx", "q", observability.PurposeOther)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "conditional decision failed")
	})

	t.Run("unparseable response", func(t *testing.T) {
		client := NewScriptedClient().Respond("maybe, it depends")
		cond := NewConditionalLLM(client, nil)

		_, err := cond.Decide(context.Background(), "ctx", "q", observability.PurposeOther)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unparseable")
	})
}

func TestScriptedClientGuardsPurpose(t *testing.T) {
	client := NewScriptedClient().RespondWith(observability.PurposePlanning, "ok")

	_, _, err := client.Chat(context.Background(), ChatRequest{
		Messages: []Message{UserMessage("hi")},
		Purpose:  observability.PurposeReplan,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected purpose planning")
	assert.Equal(t, 0, client.Remaining())
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, EstimateTokens(""))

	short := EstimateTokens("hello world")
	long := EstimateTokens("hello world, this is a much longer sentence about token estimation")
	assert.Greater(t, short, 0)
	assert.Greater(t, long, short)
}
