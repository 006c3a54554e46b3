package llm

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/openai"

	"agent-kernel/kernel_go/internal/utils"
)

// Provider represents the available LLM providers.
type Provider string

const (
	ProviderBedrock    Provider = "bedrock"
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenRouter Provider = "openrouter"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// DefaultTimeout bounds every LLM round trip unless the config overrides it.
const DefaultTimeout = 120 * time.Second

// Config holds configuration for LLM initialization.
type Config struct {
	Provider    Provider
	ModelID     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	// Fallback models tried in order when the primary model errors.
	FallbackModels []string
	Logger         utils.ExtendedLogger
}

// InitializeLLM creates the provider client and wraps it with model identity,
// fallback handling, tracing, and metrics.
func InitializeLLM(config Config) (*ProviderAwareLLM, error) {
	if config.ModelID == "" {
		config.ModelID = GetDefaultModel(config.Provider)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}

	var model llms.Model
	var err error
	switch config.Provider {
	case ProviderBedrock:
		model, err = initializeBedrock(config)
	case ProviderOpenAI:
		model, err = initializeOpenAI(config)
	case ProviderAnthropic:
		model, err = initializeAnthropic(config)
	case ProviderOpenRouter:
		model, err = initializeOpenRouter(config)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s LLM: %w", config.Provider, err)
	}

	return NewProviderAwareLLM(model, config), nil
}

func initializeBedrock(config Config) (llms.Model, error) {
	return bedrock.New(bedrock.WithModel(config.ModelID))
}

func initializeOpenAI(config Config) (llms.Model, error) {
	opts := []openai.Option{openai.WithModel(config.ModelID)}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}
	return openai.New(opts...)
}

func initializeAnthropic(config Config) (llms.Model, error) {
	return anthropic.New(anthropic.WithModel(config.ModelID))
}

// initializeOpenRouter rides the OpenAI-compatible endpoint.
func initializeOpenRouter(config Config) (llms.Model, error) {
	apiKey := os.Getenv("OPENROUTER_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY is not set")
	}
	return openai.New(
		openai.WithModel(config.ModelID),
		openai.WithToken(apiKey),
		openai.WithBaseURL(openRouterBaseURL),
	)
}

// GetDefaultModel returns the default model for each provider, overridable by
// environment variables.
func GetDefaultModel(provider Provider) string {
	switch provider {
	case ProviderBedrock:
		if m := os.Getenv("BEDROCK_PRIMARY_MODEL"); m != "" {
			return m
		}
		return "us.anthropic.claude-sonnet-4-20250514-v1:0"
	case ProviderOpenAI:
		if m := os.Getenv("OPENAI_PRIMARY_MODEL"); m != "" {
			return m
		}
		return "gpt-4.1-mini"
	case ProviderAnthropic:
		if m := os.Getenv("ANTHROPIC_PRIMARY_MODEL"); m != "" {
			return m
		}
		return "claude-3-5-sonnet-20241022"
	case ProviderOpenRouter:
		if m := os.Getenv("OPENROUTER_PRIMARY_MODEL"); m != "" {
			return m
		}
		return "moonshotai/kimi-k2"
	default:
		return ""
	}
}

// GetDefaultFallbackModels returns per-provider fallback models from
// environment variables (comma separated). Empty when unset.
func GetDefaultFallbackModels(provider Provider) []string {
	var envVar string
	switch provider {
	case ProviderBedrock:
		envVar = "BEDROCK_FALLBACK_MODELS"
	case ProviderOpenAI:
		envVar = "OPENAI_FALLBACK_MODELS"
	case ProviderAnthropic:
		envVar = "ANTHROPIC_FALLBACK_MODELS"
	case ProviderOpenRouter:
		envVar = "OPENROUTER_FALLBACK_MODELS"
	default:
		return nil
	}
	raw := os.Getenv(envVar)
	if raw == "" {
		return nil
	}
	models := strings.Split(raw, ",")
	out := make([]string, 0, len(models))
	for _, m := range models {
		if trimmed := strings.TrimSpace(m); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ValidateProvider parses a provider name, accepting any case.
func ValidateProvider(provider string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(provider))) {
	case ProviderBedrock:
		return ProviderBedrock, nil
	case ProviderOpenAI:
		return ProviderOpenAI, nil
	case ProviderAnthropic:
		return ProviderAnthropic, nil
	case ProviderOpenRouter:
		return ProviderOpenRouter, nil
	default:
		return "", fmt.Errorf("unsupported LLM provider: %q (supported: bedrock, openai, anthropic, openrouter)", provider)
	}
}
