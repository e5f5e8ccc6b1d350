// Package llm builds the model-provider client that feeds agent nodes.
// All three supported providers speak the OpenAI-compatible streaming
// chat-completions protocol; a scripted client covers tests and local
// development without network access.
package llm

import (
	"fmt"
	"os"

	"github.com/vespid/vespid/pkg/agent"
	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/models"
)

// Provider endpoint defaults, overridable via config base_url.
const (
	openAIBaseURL    = "https://api.openai.com/v1"
	anthropicBaseURL = "https://api.anthropic.com/v1"
	googleBaseURL    = "https://generativelanguage.googleapis.com/v1beta/openai"
)

// New builds the provider client from configuration. A missing provider,
// an unknown provider, or an empty credential yields an
// LLM_AUTH_NOT_CONFIGURED coded error; the wiring layer passes a nil
// client through and agent nodes fail with that code.
func New(cfg *config.LLMConfig) (agent.LLMClient, error) {
	if cfg == nil || cfg.Provider == "" {
		return nil, models.NewCodedError(models.CodeLLMAuthNotConfigured,
			fmt.Errorf("no llm provider configured"))
	}

	base := cfg.BaseURL
	if base == "" {
		switch cfg.Provider {
		case "openai":
			base = openAIBaseURL
		case "anthropic":
			base = anthropicBaseURL
		case "google":
			base = googleBaseURL
		default:
			return nil, models.NewCodedError(models.CodeLLMAuthNotConfigured,
				fmt.Errorf("unknown llm provider %q", cfg.Provider))
		}
	}

	envName := cfg.ResolveAPIKeyEnv()
	apiKey := os.Getenv(envName)
	if apiKey == "" {
		return nil, models.NewCodedError(models.CodeLLMAuthNotConfigured,
			fmt.Errorf("credential environment variable %s is not set", envName))
	}

	return NewClient(&ClientOptions{BaseURL: base, APIKey: apiKey}), nil
}
