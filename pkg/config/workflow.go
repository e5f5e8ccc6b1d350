package config

import "time"

// WorkflowConfig contains run stepper behavior shared by every worker.
type WorkflowConfig struct {
	// MaxAttempts is the default run attempt budget when a run row does
	// not carry its own.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBackoff is the base delay before re-stepping a failed attempt.
	// The effective delay is min(60s, base * 2^(attempt-1)).
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// NodeExecTimeout is the default remote execution timeout applied when
	// a blocking node does not carry its own timeoutMs.
	NodeExecTimeout time.Duration `yaml:"node_exec_timeout"`

	// ConditionTimeout bounds a single condition path evaluation.
	ConditionTimeout time.Duration `yaml:"condition_timeout"`

	// EventPayloadMaxChars bounds persisted event payloads; larger values
	// are summarized. Capped at EventPayloadCapChars.
	EventPayloadMaxChars int `yaml:"event_payload_max_chars"`
}

// EventPayloadCapChars is the hard ceiling for EventPayloadMaxChars.
const EventPayloadCapChars = 200_000

// RetryBackoffCap is the ceiling for the exponential re-step delay.
const RetryBackoffCap = 60 * time.Second

// DefaultWorkflowConfig returns the built-in stepper defaults.
func DefaultWorkflowConfig() *WorkflowConfig {
	return &WorkflowConfig{
		MaxAttempts:          3,
		RetryBackoff:         5 * time.Second,
		NodeExecTimeout:      60 * time.Second,
		ConditionTimeout:     1 * time.Second,
		EventPayloadMaxChars: 4_000,
	}
}

// RetryDelay computes the re-step delay for the given attempt (1-based),
// capped at RetryBackoffCap.
func (c *WorkflowConfig) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RetryBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= RetryBackoffCap {
			return RetryBackoffCap
		}
	}
	if d > RetryBackoffCap {
		return RetryBackoffCap
	}
	return d
}
