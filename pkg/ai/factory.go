package ai

import (
	"fmt"
	"strings"
)

// Config selects and configures one provider.
type Config struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"baseURL"`
	APIKey     string `yaml:"apiKey"`
	ScriptFile string `yaml:"scriptFile"`
}

// New builds the TextGenerator named by cfg.Provider.
func New(cfg Config) (TextGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "ollama":
		return NewOllamaGenerator(NewOllamaClient(cfg.BaseURL), cfg.Model), nil
	case "openai":
		return NewOpenAIGenerator(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "openai-compat":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, fmt.Errorf("openai-compat provider requires baseURL")
		}
		return NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.Model), nil
	case "gemini":
		client, err := NewGeminiClient(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return NewGeminiGenerator(client, cfg.Model), nil
	case "scripted":
		if strings.TrimSpace(cfg.ScriptFile) == "" {
			return nil, fmt.Errorf("scripted provider requires scriptFile")
		}
		return NewScriptedGeneratorFromFile(cfg.ScriptFile)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
