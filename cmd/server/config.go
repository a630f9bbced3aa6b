package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/chat-stream/internal/handlers"
	"github.com/MegaGrindStone/chat-stream/internal/logging"
	"github.com/MegaGrindStone/chat-stream/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port          string           `yaml:"port"`
	DBPath        string           `yaml:"dbPath"`
	HistoryLimit  int              `yaml:"historyLimit"`
	MaxUploadSize int64            `yaml:"maxUploadSize"`
	Logging       logging.Config   `yaml:",inline"`
	LLM           llmConfig        `yaml:"llm"`
	Agents        []handlers.Agent `yaml:"agents"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type echoConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Prefix        string        `yaml:"prefix"`
	Delay         time.Duration `yaml:"delay"`
}

const defaultPort = "8080"

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string           `yaml:"port"`
		DBPath        string           `yaml:"dbPath"`
		HistoryLimit  int              `yaml:"historyLimit"`
		MaxUploadSize int64            `yaml:"maxUploadSize"`
		Logging       logging.Config   `yaml:",inline"`
		LLM           map[string]any   `yaml:"llm"`
		Agents        []handlers.Agent `yaml:"agents"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.DBPath = rawConfig.DBPath
	c.HistoryLimit = rawConfig.HistoryLimit
	c.MaxUploadSize = rawConfig.MaxUploadSize
	c.Logging = rawConfig.Logging
	c.Agents = rawConfig.Agents

	if rawConfig.LLM == nil {
		return nil
	}
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
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "echo":
		llm = &echoConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}
	c.LLM = llm

	return nil
}

// loadConfig reads the YAML file at path and fills in defaults. A missing file yields the default
// configuration: the offline echo provider with a single assistant.
func loadConfig(path, dataDir string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dataDir, "server.db")
	}
	if cfg.LLM == nil {
		cfg.LLM = &echoConfig{BaseLLMConfig: BaseLLMConfig{Provider: "echo"}}
	}
	if len(cfg.Agents) == 0 {
		cfg.Agents = []handlers.Agent{{
			Name:    "assistant",
			Members: []handlers.Persona{{Name: "assistant", SystemPrompt: "You are a helpful assistant."}},
		}}
	}

	return cfg, nil
}

func (o ollamaConfig) llm(*slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, o.Model)
}

func (o openAIConfig) llm(logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" && o.BaseURL == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, o.Parameters, logger), nil
}

func (a anthropicConfig) llm(*slog.Logger) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	return services.NewAnthropic(apiKey, a.BaseURL, a.Model, a.MaxTokens), nil
}

func (e echoConfig) llm(*slog.Logger) (handlers.LLM, error) {
	return services.NewEcho(e.Prefix, e.Delay), nil
}
