// Package config loads and validates Vespid configuration: a single
// vespid.yaml merged over built-in defaults, with {{.VAR}} environment
// expansion and a final pass of environment-variable overrides for the
// deployment knobs.
package config

// Config is the root configuration shared across components.
type Config struct {
	configDir string

	Queue     *QueueConfig     `yaml:"queue"`
	Gateway   *GatewayConfig   `yaml:"gateway"`
	Workflow  *WorkflowConfig  `yaml:"workflow"`
	Agent     *AgentConfig     `yaml:"agent"`
	LLM       *LLMConfig       `yaml:"llm"`
	Masking   *MaskingConfig   `yaml:"masking"`
	Retention *RetentionConfig `yaml:"retention"`
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string { return c.configDir }
