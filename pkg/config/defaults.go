package config

// DefaultConfig assembles the built-in defaults for every section. YAML and
// environment overrides are merged on top.
func DefaultConfig() *Config {
	return &Config{
		Queue:     DefaultQueueConfig(),
		Gateway:   DefaultGatewayConfig(),
		Workflow:  DefaultWorkflowConfig(),
		Agent:     DefaultAgentConfig(),
		LLM:       DefaultLLMConfig(),
		Masking:   DefaultMaskingConfig(),
		Retention: DefaultRetentionConfig(),
	}
}
