package masking

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKubernetesSecretMaskerAppliesTo(t *testing.T) {
	m := &KubernetesSecretMasker{}

	assert.True(t, m.AppliesTo("apiVersion: v1\nkind: Secret\n"))
	assert.True(t, m.AppliesTo(`{"kind": "Secret", "data": {}}`))
	assert.True(t, m.AppliesTo(`{"kind":"SecretList","items":[]}`))
	assert.True(t, m.AppliesTo("items:\n- kind: Secret\n  data: {}\nkind: List\n"))

	assert.False(t, m.AppliesTo("kind: ConfigMap\ndata:\n  a: b\n"))
	assert.False(t, m.AppliesTo("pod logs mentioning Secret handling"))
	assert.False(t, m.AppliesTo("plain stdout"))
}

func TestKubernetesSecretMaskerYAML(t *testing.T) {
	m := &KubernetesSecretMasker{}

	t.Run("masks data and stringData values", func(t *testing.T) {
		in := strings.Join([]string{
			"apiVersion: v1",
			"kind: Secret",
			"metadata:",
			"  name: db-creds",
			"data:",
			"  ca.crt: aHVudGVyMg==",
			"stringData:",
			"  dsn: postgres://u:p@db/prod",
			"",
		}, "\n")

		out := m.Mask(in)
		assert.NotContains(t, out, "aHVudGVyMg==")
		assert.NotContains(t, out, "postgres://u:p@db/prod")
		assert.Contains(t, out, MaskedSecretValue)
		assert.Contains(t, out, "name: db-creds")
		assert.Contains(t, out, "ca.crt:")
		assert.True(t, strings.HasSuffix(out, "\n"))
	})

	t.Run("multi-document input keeps non-secret documents", func(t *testing.T) {
		in := strings.Join([]string{
			"kind: ConfigMap",
			"data:",
			"  log_level: debug",
			"---",
			"kind: Secret",
			"data:",
			"  api.key: c2VjcmV0dmFsdWU=",
		}, "\n")

		out := m.Mask(in)
		assert.Contains(t, out, "log_level: debug")
		assert.NotContains(t, out, "c2VjcmV0dmFsdWU=")
		assert.Contains(t, out, MaskedSecretValue)
	})

	t.Run("masks secret items inside a list", func(t *testing.T) {
		in := strings.Join([]string{
			"kind: List",
			"items:",
			"- kind: ConfigMap",
			"  data:",
			"    region: us-east-1",
			"- kind: Secret",
			"  data:",
			"    token.bin: dG9rZW4tdmFsdWU=",
		}, "\n")

		out := m.Mask(in)
		assert.Contains(t, out, "region: us-east-1")
		assert.NotContains(t, out, "dG9rZW4tdmFsdWU=")
		assert.Contains(t, out, MaskedSecretValue)
	})

	t.Run("non-secret kinds come back untouched", func(t *testing.T) {
		in := "kind: ConfigMap\ndata:\n  a: b\n"
		assert.Equal(t, in, m.Mask(in))
	})

	t.Run("unparseable input comes back untouched", func(t *testing.T) {
		in := "kind: Secret\ndata:\n\t\tbroken yaml: [unclosed"
		assert.Equal(t, in, m.Mask(in))
	})
}

func TestKubernetesSecretMaskerJSON(t *testing.T) {
	m := &KubernetesSecretMasker{}

	t.Run("masks a kubectl json secret", func(t *testing.T) {
		in := `{"apiVersion":"v1","kind":"Secret","metadata":{"name":"db-creds"},"data":{"ca.crt":"aHVudGVyMg=="}}`
		out := m.Mask(in)
		assert.NotContains(t, out, "aHVudGVyMg==")

		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(out), &doc))
		data := doc["data"].(map[string]any)
		assert.Equal(t, MaskedSecretValue, data["ca.crt"])
		assert.Equal(t, "db-creds", doc["metadata"].(map[string]any)["name"])
	})

	t.Run("masks secret items inside a json list", func(t *testing.T) {
		in := `{"kind":"SecretList","items":[{"kind":"Secret","data":{"k":"dmFsdWU="}}]}`
		out := m.Mask(in)
		assert.NotContains(t, out, "dmFsdWU=")
		assert.Contains(t, out, MaskedSecretValue)
	})

	t.Run("masks embedded last-applied annotations", func(t *testing.T) {
		embedded := `{"kind":"Secret","data":{"pw":"aW5saW5l"}}`
		in := `{"kind":"Secret","metadata":{"annotations":{"kubectl.kubernetes.io/last-applied-configuration":` +
			jsonQuote(embedded) + `}},"data":{"pw":"b3V0ZXI="}}`

		out := m.Mask(in)
		assert.NotContains(t, out, "aW5saW5l")
		assert.NotContains(t, out, "b3V0ZXI=")
	})

	t.Run("invalid json falls through untouched", func(t *testing.T) {
		in := `{"kind":"Secret","data":` // truncated
		assert.Equal(t, in, m.Mask(in))
	})
}

// jsonQuote JSON-quotes a string for embedding in a literal.
func jsonQuote(s string) string {
	out, _ := json.Marshal(s)
	return string(out)
}
