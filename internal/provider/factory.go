package provider

import (
	"fmt"
	"log/slog"
	"time"

	"mailbridge/internal/config"
	"mailbridge/internal/domain"
)

// New builds the chat provider named in pc. Everything except anthropic speaks
// the OpenAI chat completions protocol; the name only selects defaults.
func New(pc config.ProviderConfig, logger *slog.Logger) (domain.Provider, error) {
	timeout := time.Duration(pc.TimeoutSeconds) * time.Second
	switch pc.Name {
	case "", "ollama":
		base := pc.APIBase
		if base == "" {
			base = "http://localhost:11434/v1"
		}
		model := pc.Model
		if model == "" {
			model = "llama3.1:8b"
		}
		return NewOpenAI(OpenAIConfig{Name: "ollama", APIKey: pc.APIKey, APIBase: base, Model: model, Timeout: timeout, Logger: logger}), nil
	case "openai", "openai-compatible":
		return NewOpenAI(OpenAIConfig{Name: pc.Name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model, Timeout: timeout, Logger: logger}), nil
	case "anthropic", "claude":
		return NewClaude(ClaudeConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model, Timeout: timeout, Logger: logger}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: ollama, openai, openai-compatible, anthropic)", pc.Name)
	}
}

// FromConfig builds the primary provider and wraps it in a failover chain
// when fallbacks are configured.
func FromConfig(ac config.AgentConfig, logger *slog.Logger) (domain.Provider, error) {
	primary, err := New(ac.Provider, logger)
	if err != nil {
		return nil, err
	}
	if len(ac.Fallbacks) == 0 {
		return primary, nil
	}

	chain := []domain.Provider{primary}
	for i, fc := range ac.Fallbacks {
		p, err := New(fc, logger)
		if err != nil {
			return nil, fmt.Errorf("agent.fallbacks[%d]: %w", i, err)
		}
		chain = append(chain, p)
	}
	return NewFailoverProvider(chain, logger), nil
}
