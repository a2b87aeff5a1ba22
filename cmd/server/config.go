package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lunahq/quill/internal/handlers"
	"github.com/lunahq/quill/internal/services"
	"github.com/lunahq/quill/internal/session"
)

type llmConfig interface {
	llm(logger *slog.Logger) (session.LLM, error)
	titleGen(logger *slog.Logger) (handlers.TitleGenerator, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port   string `yaml:"port"`
	UserID string `yaml:"userID"`

	TitleGeneratorPrompt string    `yaml:"titleGeneratorPrompt"`
	LLM                  llmConfig `yaml:"llm"`

	Assistants []assistantConfig `yaml:"assistants"`

	SearchTool      string                          `yaml:"searchTool"`
	MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
	MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`

	MemoryDir      string `yaml:"memoryDir"`
	MemoryMaxBytes int    `yaml:"memoryMaxBytes"`
}

type assistantConfig struct {
	ID              string `yaml:"id"`
	Label           string `yaml:"label"`
	Color           string `yaml:"color"`
	SystemPrompt    string `yaml:"systemPrompt"`
	ErrorText       string `yaml:"errorText"`
	InterruptedText string `yaml:"interruptedText"`
	DeepReasoning   bool   `yaml:"deepReasoning"`
	SearchEnabled   bool   `yaml:"searchEnabled"`
	RevealInterval  string `yaml:"revealInterval"`
	WatchdogTimeout string `yaml:"watchdogTimeout"`
	MemoryKey       string `yaml:"memoryKey"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type anthropicConfig struct {
	BaseLLMConfig   `yaml:",inline"`
	services.Params `yaml:",inline"`
	APIKey          string `yaml:"apiKey"`
}

type openAIConfig struct {
	BaseLLMConfig   `yaml:",inline"`
	services.Params `yaml:",inline"`
	APIKey          string `yaml:"apiKey"`
}

type mcpSSEServerConfig struct {
	URL string `yaml:"url"`
}

type mcpStdIOServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port                 string                          `yaml:"port"`
		UserID               string                          `yaml:"userID"`
		TitleGeneratorPrompt string                          `yaml:"titleGeneratorPrompt"`
		LLM                  map[string]any                  `yaml:"llm"`
		Assistants           []assistantConfig               `yaml:"assistants"`
		SearchTool           string                          `yaml:"searchTool"`
		MCPSSEServers        map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
		MCPStdIOServers      map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
		MemoryDir            string                          `yaml:"memoryDir"`
		MemoryMaxBytes       int                             `yaml:"memoryMaxBytes"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.UserID = rawConfig.UserID
	c.TitleGeneratorPrompt = rawConfig.TitleGeneratorPrompt
	c.Assistants = rawConfig.Assistants
	c.SearchTool = rawConfig.SearchTool
	c.MCPSSEServers = rawConfig.MCPSSEServers
	c.MCPStdIOServers = rawConfig.MCPStdIOServers
	c.MemoryDir = rawConfig.MemoryDir
	c.MemoryMaxBytes = rawConfig.MemoryMaxBytes

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
	case "anthropic":
		llm = &anthropicConfig{}
	case "openai":
		llm = &openAIConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

// assistant converts the yaml form into a session assistant, parsing the
// duration fields.
func (a assistantConfig) assistant() (session.Assistant, error) {
	if a.ID == "" {
		return session.Assistant{}, fmt.Errorf("assistant id is required")
	}

	out := session.Assistant{
		ID:              a.ID,
		Label:           a.Label,
		Color:           a.Color,
		SystemPrompt:    a.SystemPrompt,
		ErrorText:       a.ErrorText,
		InterruptedText: a.InterruptedText,
		DeepReasoning:   a.DeepReasoning,
		SearchEnabled:   a.SearchEnabled,
		MemoryKey:       a.MemoryKey,
	}
	if out.Label == "" {
		out.Label = a.ID
	}

	if a.RevealInterval != "" {
		d, err := time.ParseDuration(a.RevealInterval)
		if err != nil {
			return session.Assistant{}, fmt.Errorf("assistant %s: invalid revealInterval: %w", a.ID, err)
		}
		out.RevealInterval = d
	}
	if a.WatchdogTimeout != "" {
		d, err := time.ParseDuration(a.WatchdogTimeout)
		if err != nil {
			return session.Assistant{}, fmt.Errorf("assistant %s: invalid watchdogTimeout: %w", a.ID, err)
		}
		out.WatchdogTimeout = d
	}

	return out, nil
}

func (o ollamaConfig) newOllama() (services.Ollama, error) {
	if o.Model == "" {
		return services.Ollama{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model), nil
}

func (o ollamaConfig) llm(_ *slog.Logger) (session.LLM, error) {
	return o.newOllama()
}

func (o ollamaConfig) titleGen(_ *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOllama()
}

func (a anthropicConfig) newAnthropic() (services.Anthropic, error) {
	if a.Model == "" {
		return services.Anthropic{}, fmt.Errorf("model is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Model, a.Params), nil
}

func (a anthropicConfig) llm(_ *slog.Logger) (session.LLM, error) {
	return a.newAnthropic()
}

func (a anthropicConfig) titleGen(_ *slog.Logger) (handlers.TitleGenerator, error) {
	return a.newAnthropic()
}

func (o openAIConfig) newOpenAI(logger *slog.Logger) (services.OpenAI, error) {
	if o.Model == "" {
		return services.OpenAI{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.Model, o.Params, logger), nil
}

func (o openAIConfig) llm(logger *slog.Logger) (session.LLM, error) {
	return o.newOpenAI(logger)
}

func (o openAIConfig) titleGen(logger *slog.Logger) (handlers.TitleGenerator, error) {
	return o.newOpenAI(logger)
}
