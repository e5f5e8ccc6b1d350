package config

import "fmt"

// validate checks the assembled configuration for values the runtime cannot
// operate with. Defaults make most misconfiguration impossible; the checks
// here catch explicit zero or contradictory overrides.
func validate(cfg *Config) error {
	q := cfg.Queue
	if q.RunQueueName == "" {
		return NewValidationError("queue", "run_queue_name", "", ErrMissingRequiredField)
	}
	if q.ContinuationQueueName == "" {
		return NewValidationError("queue", "continuation_queue_name", "", ErrMissingRequiredField)
	}
	if q.RunQueueName == q.ContinuationQueueName {
		return NewValidationError("queue", "continuation_queue_name", "",
			fmt.Errorf("%w: must differ from run_queue_name", ErrInvalidValue))
	}
	if q.RunConcurrency <= 0 {
		return NewValidationError("queue", "run_concurrency", "",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.ContinuationConcurrency <= 0 {
		return NewValidationError("queue", "continuation_concurrency", "",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.ContinuationPollInterval <= 0 {
		return NewValidationError("queue", "continuation_poll_interval", "",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.StaleClaimThreshold > 0 && q.StaleClaimThreshold <= q.JobTimeout {
		// A threshold inside the handler window would let the reaper steal
		// jobs from workers that are still legitimately executing them.
		return NewValidationError("queue", "stale_claim_threshold", "",
			fmt.Errorf("%w: must exceed job_timeout", ErrInvalidValue))
	}

	switch cfg.Gateway.Selection {
	case SelectionRoundRobin, SelectionLeastInFlight:
	default:
		return NewValidationError("gateway", "selection", cfg.Gateway.Selection,
			fmt.Errorf("%w: must be %q or %q", ErrInvalidValue, SelectionRoundRobin, SelectionLeastInFlight))
	}

	w := cfg.Workflow
	if w.MaxAttempts <= 0 {
		return NewValidationError("workflow", "max_attempts", "",
			fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if w.EventPayloadMaxChars <= 0 || w.EventPayloadMaxChars > EventPayloadCapChars {
		return NewValidationError("workflow", "event_payload_max_chars", "",
			fmt.Errorf("%w: must be in (0, %d]", ErrInvalidValue, EventPayloadCapChars))
	}

	a := cfg.Agent
	if a.Limits.MaxTurns <= 0 || a.Limits.MaxToolCalls <= 0 {
		return NewValidationError("agent", "limits", "",
			fmt.Errorf("%w: max_turns and max_tool_calls must be positive", ErrInvalidValue))
	}
	if a.Stream.FlushChars <= 0 || a.Stream.MaxEvents <= 0 || a.Stream.MaxChars <= 0 {
		return NewValidationError("agent", "stream", "",
			fmt.Errorf("%w: flush_chars, max_events, and max_chars must be positive", ErrInvalidValue))
	}
	if a.Toolset.MaxBundles <= 0 || a.Toolset.MaxCharsPerBundle <= 0 || a.Toolset.MaxTotalChars <= 0 {
		return NewValidationError("agent", "toolset", "",
			fmt.Errorf("%w: bundle caps must be positive", ErrInvalidValue))
	}

	switch cfg.LLM.Provider {
	case "", "openai", "anthropic", "google":
	default:
		return NewValidationError("llm", "provider", cfg.LLM.Provider,
			fmt.Errorf("%w: unknown provider", ErrInvalidValue))
	}

	return nil
}
