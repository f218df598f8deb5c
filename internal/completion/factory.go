package completion

import (
	"fmt"

	"github.com/rcourtman/deckforge/internal/config"
)

// NewFromConfig creates the Provider selected by cfg.AIProvider.
func NewFromConfig(cfg *config.Config) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	switch cfg.AIProvider {
	case config.AIProviderOpenAI:
		if cfg.AIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key is required")
		}
		return NewOpenAIClient(cfg.AIAPIKey, cfg.AIModel, cfg.AIBaseURL, cfg.ProviderTimeout), nil

	case config.AIProviderDeepSeek:
		if cfg.AIAPIKey == "" {
			return nil, fmt.Errorf("DeepSeek API key is required")
		}
		baseURL := cfg.AIBaseURL
		if baseURL == "" {
			baseURL = "https://api.deepseek.com"
		}
		// DeepSeek uses OpenAI-compatible API
		return newOpenAICompatible("deepseek", cfg.AIAPIKey, cfg.AIModel, baseURL, cfg.ProviderTimeout), nil

	case config.AIProviderAnthropic:
		if cfg.AIAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key is required")
		}
		return NewAnthropicClient(cfg.AIAPIKey, cfg.AIModel, cfg.AIBaseURL, cfg.ProviderTimeout), nil

	case config.AIProviderOllama:
		return NewOllamaClient(cfg.AIModel, cfg.AIBaseURL, cfg.ProviderTimeout), nil

	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.AIProvider)
	}
}
