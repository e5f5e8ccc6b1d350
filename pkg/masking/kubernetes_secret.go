package masking

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaskedSecretValue replaces Kubernetes Secret data values.
const MaskedSecretValue = "[MASKED_SECRET_DATA]"

var (
	yamlSecretKind = regexp.MustCompile(`(?m)^\s*(?:-\s+)?kind:\s*Secret`)
	jsonSecretKind = regexp.MustCompile(`"kind"\s*:\s*"Secret`)
)

// KubernetesSecretMasker masks data and stringData values in Kubernetes
// Secret manifests while leaving ConfigMaps and other kinds untouched.
// Shell tool output (kubectl get -o yaml/json) routinely lands in event
// payloads, so the structural pass runs before the regex sweep.
type KubernetesSecretMasker struct{}

func (m *KubernetesSecretMasker) Name() string { return "kubernetes_secret" }

// AppliesTo checks for a Secret kind marker without parsing.
func (m *KubernetesSecretMasker) AppliesTo(data string) bool {
	if !strings.Contains(data, "Secret") {
		return false
	}
	return yamlSecretKind.MatchString(data) || jsonSecretKind.MatchString(data)
}

// Mask parses the payload as JSON or multi-document YAML and masks every
// Secret it finds. The original text comes back on any parse or
// serialization error.
func (m *KubernetesSecretMasker) Mask(data string) string {
	trimmed := strings.TrimSpace(data)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if masked, ok := m.maskJSON(data); ok {
			return masked
		}
	}
	if masked, ok := m.maskYAML(data); ok {
		return masked
	}
	return data
}

func (m *KubernetesSecretMasker) maskJSON(data string) (string, bool) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return "", false
	}
	if !maskResource(doc) {
		return "", false
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", false
	}
	return matchTrailingNewline(string(out), data), true
}

func (m *KubernetesSecretMasker) maskYAML(data string) (string, bool) {
	decoder := yaml.NewDecoder(strings.NewReader(data))
	var docs []map[string]any
	masked := false
	for {
		var doc map[string]any
		err := decoder.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", false
		}
		if doc == nil {
			continue
		}
		if maskResource(doc) {
			masked = true
		}
		docs = append(docs, doc)
	}
	if !masked || len(docs) == 0 {
		return "", false
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	for _, doc := range docs {
		if err := encoder.Encode(doc); err != nil {
			return "", false
		}
	}
	if err := encoder.Close(); err != nil {
		return "", false
	}
	out := strings.TrimRight(buf.String(), "\n")
	return matchTrailingNewline(out, data), true
}

// maskResource masks one parsed resource in place: a Secret directly, or
// Secret items inside any List kind. Reports whether anything was masked.
func maskResource(doc map[string]any) bool {
	kind, _ := doc["kind"].(string)
	switch {
	case kind == "Secret":
		maskSecretData(doc)
		maskEmbeddedAnnotations(doc)
		return true
	case strings.HasSuffix(kind, "List") && kind != "":
		items, _ := doc["items"].([]any)
		masked := false
		for _, item := range items {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if k, _ := entry["kind"].(string); k == "Secret" || kind == "SecretList" {
				maskSecretData(entry)
				maskEmbeddedAnnotations(entry)
				masked = true
			}
		}
		return masked
	default:
		return false
	}
}

// maskSecretData blanks every value under data and stringData.
func maskSecretData(resource map[string]any) {
	for _, field := range []string{"data", "stringData"} {
		values, ok := resource[field].(map[string]any)
		if !ok {
			continue
		}
		for key := range values {
			values[key] = MaskedSecretValue
		}
	}
}

// maskEmbeddedAnnotations masks Secret JSON embedded in annotation values,
// such as kubectl.kubernetes.io/last-applied-configuration.
func maskEmbeddedAnnotations(resource map[string]any) {
	metadata, ok := resource["metadata"].(map[string]any)
	if !ok {
		return
	}
	annotations, ok := metadata["annotations"].(map[string]any)
	if !ok {
		return
	}
	for key, val := range annotations {
		text, ok := val.(string)
		if !ok || !strings.Contains(text, "Secret") {
			continue
		}
		var embedded map[string]any
		if err := json.Unmarshal([]byte(text), &embedded); err != nil {
			continue
		}
		if kind, _ := embedded["kind"].(string); kind != "Secret" {
			continue
		}
		maskSecretData(embedded)
		if out, err := json.Marshal(embedded); err == nil {
			annotations[key] = string(out)
		}
	}
}

// matchTrailingNewline carries the original's trailing newline over to the
// re-serialized form.
func matchTrailingNewline(out, original string) string {
	if strings.HasSuffix(original, "\n") && !strings.HasSuffix(out, "\n") {
		return out + "\n"
	}
	return out
}
