package config

import "time"

// AgentConfig contains agent-loop runtime settings: default per-node limits,
// streaming delta coalescing, and toolset skill caps. Per-node workflow
// config overrides the limit defaults.
type AgentConfig struct {
	Limits  AgentLimits   `yaml:"limits"`
	Stream  StreamConfig  `yaml:"stream"`
	Toolset ToolsetConfig `yaml:"toolset"`
}

// AgentLimits are the defaults applied when a node's limits block leaves a
// field unset.
type AgentLimits struct {
	// Timeout bounds one agent node execution end to end.
	Timeout time.Duration `yaml:"timeout"`

	// MaxTurns bounds LLM round-trips per node.
	MaxTurns int `yaml:"max_turns"`

	// MaxToolCalls bounds tool invocations per node.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// MaxOutputChars truncates a single LLM completion.
	MaxOutputChars int `yaml:"max_output_chars"`

	// MaxRuntimeChars bounds the serialized per-node agent state; the
	// trimmer drops oldest history entries past it.
	MaxRuntimeChars int `yaml:"max_runtime_chars"`
}

// StreamConfig controls assistant delta coalescing. Deltas buffer until
// FlushChars accumulate or FlushInterval elapses; MaxEvents and MaxChars cap
// one completion's stream, with the remainder dropped.
type StreamConfig struct {
	FlushChars    int           `yaml:"flush_chars"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxEvents     int           `yaml:"max_events"`
	MaxChars      int           `yaml:"max_chars"`
}

// ToolsetConfig caps read-only toolset skill bundles attached to agent
// nodes.
type ToolsetConfig struct {
	MaxBundles        int `yaml:"max_bundles"`
	MaxCharsPerBundle int `yaml:"max_chars_per_bundle"`
	MaxTotalChars     int `yaml:"max_total_chars"`
}

// DefaultAgentConfig returns the built-in agent runtime defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Limits: AgentLimits{
			Timeout:         2 * time.Minute,
			MaxTurns:        8,
			MaxToolCalls:    20,
			MaxOutputChars:  32_000,
			MaxRuntimeChars: 200_000,
		},
		Stream: StreamConfig{
			FlushChars:    800,
			FlushInterval: 250 * time.Millisecond,
			MaxEvents:     200,
			MaxChars:      100_000,
		},
		Toolset: ToolsetConfig{
			MaxBundles:        8,
			MaxCharsPerBundle: 20_000,
			MaxTotalChars:     80_000,
		},
	}
}
