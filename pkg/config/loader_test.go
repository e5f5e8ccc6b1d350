package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))
	return dir
}

func TestInitializeDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "workflow-runs", cfg.Queue.RunQueueName)
	assert.Equal(t, "workflow-continuations", cfg.Queue.ContinuationQueueName)
	assert.Equal(t, SelectionRoundRobin, cfg.Gateway.Selection)
	assert.Equal(t, 3, cfg.Workflow.MaxAttempts)
	assert.Equal(t, 8, cfg.Agent.Limits.MaxTurns)
	assert.True(t, cfg.Masking.IsEnabled())
}

func TestInitializeMergesYAMLOverDefaults(t *testing.T) {
	dir := writeConfigFile(t, `
queue:
  run_concurrency: 12
  continuation_poll_interval: 500ms
gateway:
  selection: least_in_flight
workflow:
  max_attempts: 5
  retry_backoff: 1s
masking:
  enabled: false
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Queue.RunConcurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.ContinuationPollInterval)
	assert.Equal(t, SelectionLeastInFlight, cfg.Gateway.Selection)
	assert.Equal(t, 5, cfg.Workflow.MaxAttempts)
	assert.Equal(t, 1*time.Second, cfg.Workflow.RetryBackoff)
	assert.False(t, cfg.Masking.IsEnabled())

	// Untouched sections keep defaults.
	assert.Equal(t, "workflow-runs", cfg.Queue.RunQueueName)
	assert.Equal(t, 5, cfg.Queue.ContinuationConcurrency)
	assert.Equal(t, 60*time.Second, cfg.Workflow.NodeExecTimeout)
}

func TestInitializeExpandsEnvTemplates(t *testing.T) {
	t.Setenv("TEST_GATEWAY_TOKEN", "tok-from-env")
	dir := writeConfigFile(t, `
gateway:
  service_token: "{{.TEST_GATEWAY_TOKEN}}"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "tok-from-env", cfg.Gateway.ServiceToken)
}

func TestInitializeEnvOverridesWinOverYAML(t *testing.T) {
	t.Setenv("WORKFLOW_QUEUE_NAME", "runs-env")
	t.Setenv("WORKFLOW_RETRY_BACKOFF_MS", "250")
	t.Setenv("GATEWAY_AGENT_SELECTION", SelectionLeastInFlight)
	t.Setenv("VESPID_AGENT_STREAM_FLUSH_CHARS", "64")
	t.Setenv("TOOLSET_SKILLS_MAX_BUNDLES", "2")
	dir := writeConfigFile(t, `
queue:
  run_queue_name: runs-yaml
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "runs-env", cfg.Queue.RunQueueName)
	assert.Equal(t, 250*time.Millisecond, cfg.Workflow.RetryBackoff)
	assert.Equal(t, SelectionLeastInFlight, cfg.Gateway.Selection)
	assert.Equal(t, 64, cfg.Agent.Stream.FlushChars)
	assert.Equal(t, 2, cfg.Agent.Toolset.MaxBundles)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	dir := writeConfigFile(t, "queue: [not, a, map")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "bad selection",
			yaml: "gateway:\n  selection: fastest\n",
		},
		{
			name: "queue name collision",
			yaml: "queue:\n  run_queue_name: same\n  continuation_queue_name: same\n",
		},
		{
			name: "stale claim threshold inside job timeout",
			yaml: "queue:\n  stale_claim_threshold: 1m\n",
		},
		{
			name: "unknown llm provider",
			yaml: "llm:\n  provider: acme\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfigFile(t, tt.yaml)
			_, err := Initialize(context.Background(), dir)
			require.Error(t, err)

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestRetryDelayCapsAtCeiling(t *testing.T) {
	cfg := &WorkflowConfig{RetryBackoff: 5 * time.Second}

	assert.Equal(t, 5*time.Second, cfg.RetryDelay(1))
	assert.Equal(t, 10*time.Second, cfg.RetryDelay(2))
	assert.Equal(t, 40*time.Second, cfg.RetryDelay(4))
	assert.Equal(t, RetryBackoffCap, cfg.RetryDelay(5))
	assert.Equal(t, RetryBackoffCap, cfg.RetryDelay(20))
	// Out-of-range attempts clamp rather than panic.
	assert.Equal(t, 5*time.Second, cfg.RetryDelay(0))
}

func TestResolveAPIKeyEnv(t *testing.T) {
	assert.Equal(t, "OPENAI_API_KEY", (&LLMConfig{Provider: "openai"}).ResolveAPIKeyEnv())
	assert.Equal(t, "ANTHROPIC_API_KEY", (&LLMConfig{Provider: "anthropic"}).ResolveAPIKeyEnv())
	assert.Equal(t, "CUSTOM", (&LLMConfig{Provider: "openai", APIKeyEnv: "CUSTOM"}).ResolveAPIKeyEnv())
	assert.Empty(t, (&LLMConfig{}).ResolveAPIKeyEnv())
}
