package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope_Final(t *testing.T) {
	t.Run("raw object", func(t *testing.T) {
		env, err := ParseEnvelope(`{"type":"final","output":{"answer":42}}`)
		require.NoError(t, err)
		assert.Equal(t, EnvelopeFinal, env.Type)
		assert.Equal(t, map[string]any{"answer": float64(42)}, env.Output)
	})

	t.Run("scalar output", func(t *testing.T) {
		env, err := ParseEnvelope(`{"type":"final","output":"done"}`)
		require.NoError(t, err)
		assert.Equal(t, "done", env.Output)
	})

	t.Run("null output is present", func(t *testing.T) {
		env, err := ParseEnvelope(`{"type":"final","output":null}`)
		require.NoError(t, err)
		assert.Nil(t, env.Output)
	})

	t.Run("fenced json block", func(t *testing.T) {
		text := "Here is my answer:\n```json\n{\"type\":\"final\",\"output\":\"ok\"}\n```\nThanks."
		env, err := ParseEnvelope(text)
		require.NoError(t, err)
		assert.Equal(t, EnvelopeFinal, env.Type)
		assert.Equal(t, "ok", env.Output)
	})

	t.Run("fence without language tag", func(t *testing.T) {
		text := "```\n{\"type\":\"final\",\"output\":1}\n```"
		env, err := ParseEnvelope(text)
		require.NoError(t, err)
		assert.Equal(t, float64(1), env.Output)
	})

	t.Run("object embedded in prose", func(t *testing.T) {
		text := `I will finish now. {"type":"final","output":{"note":"a {brace} in a string"}} That is all.`
		env, err := ParseEnvelope(text)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"note": "a {brace} in a string"}, env.Output)
	})

	t.Run("escaped quotes inside strings", func(t *testing.T) {
		text := `prefix {"type":"final","output":"says \"hi\" {"} suffix`
		env, err := ParseEnvelope(text)
		require.NoError(t, err)
		assert.Equal(t, `says "hi" {`, env.Output)
	})
}

func TestParseEnvelope_ToolCall(t *testing.T) {
	t.Run("with input", func(t *testing.T) {
		env, err := ParseEnvelope(`{"type":"tool_call","toolId":"shell.run","input":{"command":"ls"}}`)
		require.NoError(t, err)
		assert.Equal(t, EnvelopeToolCall, env.Type)
		assert.Equal(t, "shell.run", env.ToolID)
		assert.Equal(t, map[string]any{"command": "ls"}, env.Input)
	})

	t.Run("absent input becomes empty object", func(t *testing.T) {
		env, err := ParseEnvelope(`{"type":"tool_call","toolId":"team.map"}`)
		require.NoError(t, err)
		assert.NotNil(t, env.Input)
		assert.Empty(t, env.Input)
	})

	t.Run("non-object input rejected", func(t *testing.T) {
		_, err := ParseEnvelope(`{"type":"tool_call","toolId":"x","input":[1,2]}`)
		require.Error(t, err)
	})

	t.Run("missing toolId rejected", func(t *testing.T) {
		_, err := ParseEnvelope(`{"type":"tool_call","input":{}}`)
		require.Error(t, err)
	})
}

func TestParseEnvelope_Rejections(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace", "   \n\t "},
		{"array", `[{"type":"final","output":1}]`},
		{"bare prose", "I could not decide what to do."},
		{"missing type", `{"output":"x"}`},
		{"unknown type", `{"type":"think","output":"x"}`},
		{"final without output", `{"type":"final"}`},
		{"unbalanced braces", `{"type":"final","output":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEnvelope(tc.text)
			assert.Error(t, err)
		})
	}
}
