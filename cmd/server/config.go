package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tubewise/tube-web-ui/internal/generation"
	"github.com/tubewise/tube-web-ui/internal/handlers"
	"github.com/tubewise/tube-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

// llmStack bundles everything a provider configuration yields. The validator
// is nil for providers without a key validation endpoint.
type llmStack struct {
	streamer  generation.Streamer
	titleGen  handlers.TitleGenerator
	validator handlers.KeyValidator
	creds     generation.Credentials
}

type llmConfig interface {
	build(deps llmDeps) (llmStack, error)
}

type llmDeps struct {
	store services.BoltDB
	// model overrides the configured model when non-empty. It carries the
	// model saved on the settings page, read once at startup.
	model       string
	titlePrompt string
	logger      *slog.Logger
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

func (b BaseLLMConfig) modelOr(override string) string {
	if override != "" {
		return override
	}
	return b.Model
}

type config struct {
	Port string `yaml:"port"`

	SummaryPrompt     string `yaml:"summaryPrompt"`
	SummaryUserPrompt string `yaml:"summaryUserPrompt"`
	ChatPrompt        string `yaml:"chatPrompt"`
	TitlePrompt       string `yaml:"titlePrompt"`

	TranscriptMaxChars int    `yaml:"transcriptMaxChars"`
	IdleTimeout        string `yaml:"idleTimeout"`

	LLM llmConfig `yaml:"llm"`
}

func (c config) idleTimeout() (time.Duration, error) {
	if c.IdleTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.IdleTimeout)
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openaiConfig struct {
	BaseLLMConfig `yaml:",inline"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	MaxTokens     int `yaml:"maxTokens"`
}

type openrouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port string `yaml:"port"`

		SummaryPrompt     string `yaml:"summaryPrompt"`
		SummaryUserPrompt string `yaml:"summaryUserPrompt"`
		ChatPrompt        string `yaml:"chatPrompt"`
		TitlePrompt       string `yaml:"titlePrompt"`

		TranscriptMaxChars int    `yaml:"transcriptMaxChars"`
		IdleTimeout        string `yaml:"idleTimeout"`

		LLM map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.SummaryPrompt = rawConfig.SummaryPrompt
	c.SummaryUserPrompt = rawConfig.SummaryUserPrompt
	c.ChatPrompt = rawConfig.ChatPrompt
	c.TitlePrompt = rawConfig.TitlePrompt
	c.TranscriptMaxChars = rawConfig.TranscriptMaxChars
	c.IdleTimeout = rawConfig.IdleTimeout

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openaiConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openrouter":
		llm = &openrouterConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (o ollamaConfig) build(deps llmDeps) (llmStack, error) {
	model := o.modelOr(deps.model)
	if model == "" {
		return llmStack{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = "http://localhost:11434"
	}
	ollama := services.NewOllama(host, model, deps.titlePrompt)
	return llmStack{
		streamer: ollama,
		titleGen: ollama,
		creds:    services.NoCredentials{},
	}, nil
}

func (o openaiConfig) build(deps llmDeps) (llmStack, error) {
	model := o.modelOr(deps.model)
	if model == "" {
		return llmStack{}, fmt.Errorf("model is required")
	}

	keys := services.NewKeyCredentials(deps.store, services.SettingAPIKey, "OPENAI_API_KEY")
	openai := services.NewOpenAI(model, deps.titlePrompt, keys, deps.logger)
	return llmStack{
		streamer:  openai,
		titleGen:  openai,
		validator: openai,
		creds:     keys,
	}, nil
}

func (a anthropicConfig) build(deps llmDeps) (llmStack, error) {
	model := a.modelOr(deps.model)
	if model == "" {
		return llmStack{}, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return llmStack{}, fmt.Errorf("maxTokens is required")
	}

	keys := services.NewKeyCredentials(deps.store, services.SettingAPIKey, "ANTHROPIC_API_KEY")
	anthropic := services.NewAnthropic(model, a.MaxTokens, keys)
	return llmStack{
		streamer: anthropic,
		titleGen: anthropic,
		creds:    keys,
	}, nil
}

func (o openrouterConfig) build(deps llmDeps) (llmStack, error) {
	model := o.modelOr(deps.model)
	if model == "" {
		return llmStack{}, fmt.Errorf("model is required")
	}

	keys := services.NewKeyCredentials(deps.store, services.SettingAPIKey, "OPENROUTER_API_KEY")
	openrouter := services.NewOpenRouter(model, deps.titlePrompt, keys, deps.logger)
	return llmStack{
		streamer: openrouter,
		titleGen: openrouter,
		creds:    keys,
	}, nil
}
