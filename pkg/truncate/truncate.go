// Package truncate bounds the size of JSON-bound values before they are
// persisted or handed to a model. Oversized values are replaced by a small
// summary object carrying a prefix of the serialized form, so downstream
// consumers always receive valid JSON of a predictable maximum size.
package truncate

import "encoding/json"

// Summary is the replacement shape for a value whose serialized form
// exceeded the configured limit.
type Summary struct {
	Truncated      bool   `json:"truncated"`
	Preview        string `json:"preview"`
	OriginalLength *int   `json:"originalLength"`
}

// Summarize returns v unchanged when its JSON serialization fits within
// maxChars. Otherwise it returns a Summary whose preview holds the first
// maxChars characters of the serialization. A non-positive maxChars always
// summarizes with an empty preview.
func Summarize(v any, maxChars int) any {
	b, err := json.Marshal(v)
	if err != nil {
		// Unserializable values cannot be measured; report a summary with
		// no preview rather than guessing at their size.
		return &Summary{Truncated: true, Preview: "", OriginalLength: nil}
	}
	s := string(b)
	if len(s) <= maxChars {
		return v
	}
	n := len(s)
	if maxChars < 0 {
		maxChars = 0
	}
	return &Summary{Truncated: true, Preview: cutValidUTF8(s, maxChars), OriginalLength: &n}
}

// String bounds a plain string to maxChars characters. Unlike Summarize it
// returns the clipped string itself; callers that need the summary envelope
// should pass the string through Summarize instead.
func String(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(s) <= maxChars {
		return s
	}
	return cutValidUTF8(s, maxChars)
}

// cutValidUTF8 clips s to at most n bytes without splitting a multi-byte
// rune. JSON previews must stay valid UTF-8 or re-serialization mangles them.
func cutValidUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
