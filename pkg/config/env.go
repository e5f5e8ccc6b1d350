package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// ApplyEnvOverrides applies the deployment environment knobs on top of the
// loaded configuration. Environment wins over YAML so operators can tune a
// replica without editing files.
func ApplyEnvOverrides(cfg *Config) {
	envStr("WORKFLOW_QUEUE_NAME", &cfg.Queue.RunQueueName)
	envStr("WORKFLOW_CONTINUATION_QUEUE_NAME", &cfg.Queue.ContinuationQueueName)
	envInt("WORKFLOW_QUEUE_CONCURRENCY", &cfg.Queue.RunConcurrency)
	envInt("WORKFLOW_CONTINUATION_CONCURRENCY", &cfg.Queue.ContinuationConcurrency)
	envMS("WORKFLOW_CONTINUATION_POLL_MS", &cfg.Queue.ContinuationPollInterval)

	envInt("WORKFLOW_RETRY_ATTEMPTS", &cfg.Workflow.MaxAttempts)
	envMS("WORKFLOW_RETRY_BACKOFF_MS", &cfg.Workflow.RetryBackoff)
	envMS("NODE_EXEC_TIMEOUT_MS", &cfg.Workflow.NodeExecTimeout)
	envInt("WORKFLOW_EVENT_PAYLOAD_MAX_CHARS", &cfg.Workflow.EventPayloadMaxChars)
	if cfg.Workflow.EventPayloadMaxChars > EventPayloadCapChars {
		cfg.Workflow.EventPayloadMaxChars = EventPayloadCapChars
	}

	envStr("GATEWAY_LISTEN_ADDR", &cfg.Gateway.ListenAddr)
	envStr("GATEWAY_SERVICE_TOKEN", &cfg.Gateway.ServiceToken)
	envStr("GATEWAY_AGENT_SELECTION", &cfg.Gateway.Selection)

	envInt("VESPID_AGENT_STREAM_FLUSH_CHARS", &cfg.Agent.Stream.FlushChars)
	envMS("VESPID_AGENT_STREAM_FLUSH_MS", &cfg.Agent.Stream.FlushInterval)
	envInt("VESPID_AGENT_STREAM_MAX_EVENTS", &cfg.Agent.Stream.MaxEvents)
	envInt("VESPID_AGENT_STREAM_MAX_CHARS", &cfg.Agent.Stream.MaxChars)

	envInt("TOOLSET_SKILLS_MAX_BUNDLES", &cfg.Agent.Toolset.MaxBundles)
	envInt("TOOLSET_SKILLS_MAX_CHARS_PER_BUNDLE", &cfg.Agent.Toolset.MaxCharsPerBundle)
	envInt("TOOLSET_SKILLS_MAX_TOTAL_CHARS", &cfg.Agent.Toolset.MaxTotalChars)

	envStr("LLM_PROVIDER", &cfg.LLM.Provider)
	envStr("LLM_MODEL", &cfg.LLM.Model)
	envStr("LLM_API_KEY_ENV", &cfg.LLM.APIKeyEnv)
	envStr("LLM_BASE_URL", &cfg.LLM.BaseURL)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Ignoring non-integer environment override", "key", key, "value", v)
		return
	}
	*dst = n
}

func envMS(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		slog.Warn("Ignoring invalid millisecond environment override", "key", key, "value", v)
		return
	}
	*dst = time.Duration(n) * time.Millisecond
}
