package skills

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// BundleFormatV1 is the only bundle format the core understands.
const BundleFormatV1 = "agentskills-v1"

// skillFile is the bundle entry the context block is built from.
const skillFile = "SKILL.md"

// Toolset is a read-only bundle collection attached to an agent node. The
// bundles contribute prompt context only; nothing in a toolset is
// executable.
type Toolset struct {
	ID      string    `json:"id"`
	Bundles []*Bundle `json:"bundles,omitempty"`
}

// Bundle is one agentskills-v1 skill bundle.
type Bundle struct {
	ID      string                 `json:"id"`
	Enabled bool                   `json:"enabled"`
	Format  string                 `json:"format"`
	Files   map[string]*BundleFile `json:"files,omitempty"`
}

// BundleFile is one file inside a bundle, stored as utf8 text or base64.
type BundleFile struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// Caps bound how much bundle text reaches the prompt.
type Caps struct {
	MaxBundles        int
	MaxCharsPerBundle int
	MaxTotalChars     int
}

// BuildContextBlock renders the toolset's enabled agentskills-v1 bundles
// into a read-only prompt block. Per-bundle text is clipped to
// MaxCharsPerBundle and the combined block to MaxTotalChars; at most
// MaxBundles bundles are included, in declaration order. Returns the block
// and the number of bundles it includes.
func BuildContextBlock(ts *Toolset, caps Caps) (string, int) {
	if ts == nil || len(ts.Bundles) == 0 {
		return "", 0
	}

	var b strings.Builder
	count := 0
	total := 0
	for _, bundle := range ts.Bundles {
		if count >= caps.MaxBundles {
			break
		}
		if bundle == nil || !bundle.Enabled || bundle.Format != BundleFormatV1 {
			continue
		}
		text, err := bundle.skillText()
		if err != nil || text == "" {
			continue
		}
		if len(text) > caps.MaxCharsPerBundle {
			text = clipUTF8(text, caps.MaxCharsPerBundle)
		}
		remaining := caps.MaxTotalChars - total
		if remaining <= 0 {
			break
		}
		if len(text) > remaining {
			text = clipUTF8(text, remaining)
		}
		fmt.Fprintf(&b, "## Skill: %s\n\n%s\n\n", bundle.ID, text)
		total += len(text)
		count++
	}
	if count == 0 {
		return "", 0
	}
	return "# Toolset Skills (read-only context)\n\n" + b.String(), count
}

// skillText returns the bundle's SKILL.md content decoded to plain text.
func (b *Bundle) skillText() (string, error) {
	f, ok := b.Files[skillFile]
	if !ok || f == nil {
		return "", nil
	}
	if f.Encoding == "base64" {
		raw, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return "", fmt.Errorf("bundle %s: decode %s: %w", b.ID, skillFile, err)
		}
		return string(raw), nil
	}
	return f.Content, nil
}

// clipUTF8 clips s to at most n bytes without splitting a multi-byte rune.
func clipUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
