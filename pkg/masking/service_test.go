package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid/vespid/pkg/config"
)

func TestServiceDisabled(t *testing.T) {
	off := false
	svc := New(&config.MaskingConfig{Enabled: &off})
	svc.RegisterValue("super-secret-value")

	text := `password: hunter2secret and super-secret-value`
	assert.Equal(t, text, svc.MaskString(text))

	payload := map[string]any{"note": "super-secret-value"}
	assert.Equal(t, payload, svc.MaskMap(payload))
}

func TestServiceRegisteredValues(t *testing.T) {
	svc := New(nil)

	t.Run("registered values are scrubbed everywhere", func(t *testing.T) {
		svc.RegisterValue("gh-token-value-123")
		out := svc.MaskString("executor echoed gh-token-value-123 to stdout")
		assert.Equal(t, "executor echoed __MASKED_SECRET__ to stdout", out)
	})

	t.Run("short values are ignored", func(t *testing.T) {
		svc.RegisterValue("abc")
		assert.Equal(t, "abc stays", svc.MaskString("abc stays"))
	})

	t.Run("longer registrations win over their prefixes", func(t *testing.T) {
		svc.RegisterValue("prefix-secret")
		svc.RegisterValue("prefix-secret-extended")
		out := svc.MaskString("saw prefix-secret-extended here")
		assert.Equal(t, "saw __MASKED_SECRET__ here", out)
	})

	t.Run("duplicate registration is a no-op", func(t *testing.T) {
		svc.RegisterValue("gh-token-value-123")
		out := svc.MaskString("gh-token-value-123")
		assert.Equal(t, "__MASKED_SECRET__", out)
	})
}

func TestServiceMaskMap(t *testing.T) {
	svc := New(nil)
	svc.RegisterValue("dispatch-secret-9")

	payload := map[string]any{
		"message": "saw dispatch-secret-9 leaked",
		"count":   3,
		"nested": map[string]any{
			"stdout": "export API_KEY=sk_live_abcdef1234567890",
		},
		"lines": []any{"dispatch-secret-9", 42, map[string]any{"v": "dispatch-secret-9"}},
	}

	out := svc.MaskMap(payload)
	assert.Equal(t, "saw __MASKED_SECRET__ leaked", out["message"])
	assert.Equal(t, 3, out["count"])

	nested := out["nested"].(map[string]any)
	assert.NotContains(t, nested["stdout"], "sk_live_abcdef1234567890")

	lines := out["lines"].([]any)
	assert.Equal(t, "__MASKED_SECRET__", lines[0])
	assert.Equal(t, 42, lines[1])
	assert.Equal(t, "__MASKED_SECRET__", lines[2].(map[string]any)["v"])

	// The original payload is untouched.
	assert.Equal(t, "saw dispatch-secret-9 leaked", payload["message"])
	assert.Equal(t, "dispatch-secret-9", payload["lines"].([]any)[0])
}

func TestServiceLayersStructuralAndPatternPasses(t *testing.T) {
	svc := New(&config.MaskingConfig{Patterns: []string{`internal-ticket-\d+`}})

	secretYAML := "apiVersion: v1\nkind: Secret\nmetadata:\n  name: db-creds\ndata:\n  ca.crt: aHVudGVyMg==\n"
	out := svc.MaskString(secretYAML)
	assert.Contains(t, out, MaskedSecretValue)
	assert.NotContains(t, out, "aHVudGVyMg==")

	out = svc.MaskString("see internal-ticket-4411 for the password: hunter2secret")
	assert.NotContains(t, out, "internal-ticket-4411")
	assert.NotContains(t, out, "hunter2secret")
}

func TestServiceNilConfigDefaultsToEnabled(t *testing.T) {
	svc := New(nil)
	require.NotNil(t, svc)
	out := svc.MaskString("password: hunter2secret")
	assert.NotContains(t, out, "hunter2secret")
}
