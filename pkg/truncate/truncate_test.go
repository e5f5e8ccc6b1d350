package truncate

import (
	"encoding/json"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		maxChars int
		verbatim bool
	}{
		{
			name:     "small value passes through",
			value:    map[string]any{"ok": true},
			maxChars: 100,
			verbatim: true,
		},
		{
			name:     "value exactly at limit passes through",
			value:    "abc", // serializes to `"abc"`, 5 chars
			maxChars: 5,
			verbatim: true,
		},
		{
			name:     "oversized value is summarized",
			value:    map[string]any{"data": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
			maxChars: 10,
			verbatim: false,
		},
		{
			name:     "zero limit summarizes everything",
			value:    map[string]any{"a": 1},
			maxChars: 0,
			verbatim: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Summarize(tt.value, tt.maxChars)
			if tt.verbatim {
				assert.Equal(t, tt.value, got)
				return
			}

			sum, ok := got.(*Summary)
			require.True(t, ok, "expected a Summary, got %T", got)
			assert.True(t, sum.Truncated)
			assert.LessOrEqual(t, len(sum.Preview), tt.maxChars)
			require.NotNil(t, sum.OriginalLength)

			raw, err := json.Marshal(tt.value)
			require.NoError(t, err)
			assert.Equal(t, len(raw), *sum.OriginalLength)
			assert.Equal(t, string(raw)[:len(sum.Preview)], sum.Preview)
		})
	}
}

func TestSummarizePreviewIsPrefixOfSerialization(t *testing.T) {
	value := map[string]any{
		"output": map[string]any{"stdout": "line one\nline two\nline three"},
		"code":   0,
	}
	raw, err := json.Marshal(value)
	require.NoError(t, err)

	got := Summarize(value, 20)
	sum, ok := got.(*Summary)
	require.True(t, ok)

	assert.True(t, sum.Truncated)
	assert.Equal(t, string(raw[:20]), sum.Preview)
	assert.Equal(t, len(raw), *sum.OriginalLength)
}

func TestSummarizeDoesNotSplitRunes(t *testing.T) {
	// Multi-byte content clipped mid-rune must back off to a rune boundary.
	got := Summarize("日本語テキスト日本語テキスト", 8)
	sum, ok := got.(*Summary)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(sum.Preview), "preview should end on a rune boundary")
	assert.LessOrEqual(t, len(sum.Preview), 8)
}

func TestString(t *testing.T) {
	assert.Equal(t, "hello", String("hello", 10))
	assert.Equal(t, "hel", String("hello", 3))
	assert.Equal(t, "", String("hello", 0))
	assert.Equal(t, "", String("", 5))
}
