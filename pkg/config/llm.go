package config

// LLMConfig selects the model provider used by agent nodes. Credentials
// come from the environment variable named by APIKeyEnv, never from YAML.
type LLMConfig struct {
	// Provider identifies the backing provider ("openai", "anthropic",
	// "google"). Empty means no provider is configured; agent nodes fail
	// with LLM_AUTH_NOT_CONFIGURED.
	Provider string `yaml:"provider"`

	// Model is the default model identifier; node config may override.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the provider
	// credential. Defaults per provider when empty.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider endpoint (proxies, test stubs).
	BaseURL string `yaml:"base_url"`
}

// DefaultLLMConfig returns an unconfigured provider selection.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{}
}

// ResolveAPIKeyEnv returns the environment variable to read the credential
// from, applying the per-provider default.
func (c *LLMConfig) ResolveAPIKeyEnv() string {
	if c.APIKeyEnv != "" {
		return c.APIKeyEnv
	}
	switch c.Provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return ""
	}
}
