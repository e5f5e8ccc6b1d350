package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes environment variables referenced as {{.NAME}} in raw
// config bytes. Template syntax is used instead of $NAME so that literal
// dollar signs survive untouched: regex anchors in masking patterns,
// passwords, and shell fragments embedded in connector commands all carry $
// and must not be rewritten.
//
// A reference to an unset variable renders as the empty string; required
// fields are enforced later by the validator. Input that does not parse as a
// template is returned unchanged so the YAML decoder can report the real
// error against the original bytes.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("env").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	var out bytes.Buffer
	if err := tmpl.Execute(&out, environMap()); err != nil {
		return data
	}
	return out.Bytes()
}

// environMap snapshots the process environment as a template context.
func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if name, value, ok := strings.Cut(kv, "="); ok && name != "" {
			env[name] = value
		}
	}
	return env
}
