// Package config loads kernel settings from an optional config.yaml, the
// environment (AGENT_KERNEL_ prefix), and any flags the caller bound into
// viper. Nothing here is required for library use: every constructor in the
// module accepts its own config struct and applies the same defaults this
// package seeds.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"agent-kernel/kernel_go/internal/llm"
	"agent-kernel/kernel_go/internal/utils"
	"agent-kernel/kernel_go/pkg/engine"
	"agent-kernel/kernel_go/pkg/state"
)

// EnvPrefix namespaces environment overrides, e.g. AGENT_KERNEL_SERVER_PORT
// sets server.port.
const EnvPrefix = "AGENT_KERNEL"

// KernelConfig carries every tunable the kernel, the CLI, and the server
// share.
type KernelConfig struct {
	Provider       string        `mapstructure:"provider"`
	ModelID        string        `mapstructure:"model_id"`
	FallbackModels []string      `mapstructure:"fallback_models"`
	Temperature    float64       `mapstructure:"temperature"`
	MaxTokens      int           `mapstructure:"max_tokens"`
	LLMTimeout     time.Duration `mapstructure:"llm_timeout"`
	MaxIterations  int           `mapstructure:"max_iterations"`
	PromoteMemory  bool          `mapstructure:"promote_memory"`

	Retry   RetrySettings   `mapstructure:"retry"`
	Storage StorageSettings `mapstructure:"storage"`
	Server  ServerSettings  `mapstructure:"server"`
	Log     LogSettings     `mapstructure:"log"`
}

// RetrySettings mirrors engine.RetryConfig in file-friendly types.
type RetrySettings struct {
	MaxRetries    int           `mapstructure:"max_retries"`
	Strategy      string        `mapstructure:"strategy"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
}

// StorageSettings locates the on-disk state: the semantic memory root and
// the sqlite task store.
type StorageSettings struct {
	Root     string `mapstructure:"root"`
	Database string `mapstructure:"database"`
}

// ServerSettings configures the HTTP server.
type ServerSettings struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// LogSettings configures the logger factory.
type LogSettings struct {
	File   string `mapstructure:"file"`
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the stock configuration used when no file, environment,
// or flag overrides anything.
func Default() KernelConfig {
	return KernelConfig{
		Provider:      string(llm.ProviderBedrock),
		Temperature:   0.2,
		MaxTokens:     4096,
		LLMTimeout:    llm.DefaultTimeout,
		MaxIterations: state.DefaultMaxIterations,
		Retry: RetrySettings{
			MaxRetries:    3,
			Strategy:      string(engine.RetryExponentialBackoff),
			BaseDelay:     time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2,
		},
		Storage: StorageSettings{
			Root:     "data/memory",
			Database: "data/kernel.db",
		},
		Server: ServerSettings{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"*"},
		},
		Log: LogSettings{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults seeds v with the Default values so partial config files and
// stray environment variables merge onto a complete baseline.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("provider", d.Provider)
	v.SetDefault("model_id", d.ModelID)
	v.SetDefault("fallback_models", d.FallbackModels)
	v.SetDefault("temperature", d.Temperature)
	v.SetDefault("max_tokens", d.MaxTokens)
	v.SetDefault("llm_timeout", d.LLMTimeout)
	v.SetDefault("max_iterations", d.MaxIterations)
	v.SetDefault("promote_memory", d.PromoteMemory)
	v.SetDefault("retry.max_retries", d.Retry.MaxRetries)
	v.SetDefault("retry.strategy", d.Retry.Strategy)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.backoff_factor", d.Retry.BackoffFactor)
	v.SetDefault("storage.root", d.Storage.Root)
	v.SetDefault("storage.database", d.Storage.Database)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.cors_origins", d.Server.CORSOrigins)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// ReadFile loads an optional config file into v. An explicit path must
// exist and parse; with no path, config.yaml is searched in the working
// directory and the user's home, and a missing file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Load materializes the configuration from v, which should already carry
// any file contents and flag bindings. Environment variables override both:
// AGENT_KERNEL_RETRY_MAX_RETRIES sets retry.max_retries. Values that make no
// sense fall back to their defaults; an unknown retry strategy is an error
// because silently changing backoff behavior is worse than refusing.
func Load(v *viper.Viper) (KernelConfig, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	var cfg KernelConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return KernelConfig{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return KernelConfig{}, err
	}
	return cfg, nil
}

func (c *KernelConfig) normalize() error {
	d := Default()

	switch engine.RetryStrategy(c.Retry.Strategy) {
	case engine.RetryImmediate, engine.RetryExponentialBackoff, engine.RetryLinearBackoff:
	case "":
		c.Retry.Strategy = d.Retry.Strategy
	default:
		return fmt.Errorf("unknown retry strategy %q", c.Retry.Strategy)
	}

	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = d.Retry.BaseDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if c.Retry.BackoffFactor <= 1 {
		c.Retry.BackoffFactor = d.Retry.BackoffFactor
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = d.MaxIterations
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = d.LLMTimeout
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		c.Server.Port = d.Server.Port
	}
	if c.Server.Host == "" {
		c.Server.Host = d.Server.Host
	}
	if c.Storage.Root == "" {
		c.Storage.Root = d.Storage.Root
	}
	if c.Storage.Database == "" {
		c.Storage.Database = d.Storage.Database
	}
	return nil
}

// LLMConfig converts the kernel settings into the provider config, attaching
// the given logger. The provider name is validated here so a typo surfaces
// at startup rather than on the first call.
func (c KernelConfig) LLMConfig(logger utils.ExtendedLogger) (llm.Config, error) {
	provider, err := llm.ValidateProvider(c.Provider)
	if err != nil {
		return llm.Config{}, err
	}
	return llm.Config{
		Provider:       provider,
		ModelID:        c.ModelID,
		Temperature:    c.Temperature,
		MaxTokens:      c.MaxTokens,
		Timeout:        c.LLMTimeout,
		FallbackModels: c.FallbackModels,
		Logger:         logger,
	}, nil
}

// RetryConfig converts the retry settings for the execution engine.
func (c KernelConfig) RetryConfig() engine.RetryConfig {
	return engine.RetryConfig{
		MaxRetries:    c.Retry.MaxRetries,
		Strategy:      engine.RetryStrategy(c.Retry.Strategy),
		BaseDelay:     c.Retry.BaseDelay,
		MaxDelay:      c.Retry.MaxDelay,
		BackoffFactor: c.Retry.BackoffFactor,
	}
}

// Addr returns the server listen address.
func (s ServerSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
