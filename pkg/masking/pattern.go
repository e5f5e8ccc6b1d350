package masking

import (
	"fmt"
	"log/slog"
	"regexp"
)

// CompiledPattern is one regex masking rule.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns returns the token shapes masked in every deployment.
// These run against every event payload, so each pattern is anchored to an
// assignment shape or a well-known token prefix; broad entropy matching
// would mangle legitimate payload data.
func builtinPatterns() []*CompiledPattern {
	return []*CompiledPattern{
		{
			Name:        "api_key",
			Regex:       regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-]{16,}["']?`),
			Replacement: `api_key=__MASKED_API_KEY__`,
		},
		{
			Name:        "password",
			Regex:       regexp.MustCompile(`(?i)(?:password|passwd|pwd)["']?\s*[:=]\s*["']?[^"'\s\n]{6,}["']?`),
			Replacement: `password=__MASKED_PASSWORD__`,
		},
		{
			Name:        "token",
			Regex:       regexp.MustCompile(`(?i)(?:token|bearer)["']?\s*[:=]?\s+["']?[A-Za-z0-9_\-\.]{20,}["']?`),
			Replacement: `token __MASKED_TOKEN__`,
		},
		{
			Name:        "secret_key",
			Regex:       regexp.MustCompile(`(?i)(?:secret[_-]?key|private[_-]?key)["']?\s*[:=]\s*["']?[A-Za-z0-9_\-\.\/+=]{16,}["']?`),
			Replacement: `secret_key=__MASKED_SECRET_KEY__`,
		},
		{
			Name:        "certificate",
			Regex:       regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`),
			Replacement: `__MASKED_CERTIFICATE__`,
		},
		{
			Name:        "ssh_key",
			Regex:       regexp.MustCompile(`ssh-(?:rsa|dss|ed25519|ecdsa)\s+[A-Za-z0-9+/=]+`),
			Replacement: `__MASKED_SSH_KEY__`,
		},
		{
			Name:        "aws_access_key",
			Regex:       regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
			Replacement: `__MASKED_AWS_KEY__`,
		},
		{
			Name:        "github_token",
			Regex:       regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9_]{36,255}\b`),
			Replacement: `__MASKED_GITHUB_TOKEN__`,
		},
		{
			Name:        "slack_token",
			Regex:       regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,72}\b`),
			Replacement: `__MASKED_SLACK_TOKEN__`,
		},
		{
			Name:        "jwt",
			Regex:       regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
			Replacement: `__MASKED_JWT__`,
		},
	}
}

// compileCustom compiles operator-supplied expressions from configuration.
// Invalid expressions are logged and skipped; one bad pattern must not
// disable the rest.
func compileCustom(patterns []string) []*CompiledPattern {
	out := make([]*CompiledPattern, 0, len(patterns))
	for i, raw := range patterns {
		compiled, err := regexp.Compile(raw)
		if err != nil {
			slog.Error("skipping invalid masking pattern",
				"index", i, "error", err)
			continue
		}
		out = append(out, &CompiledPattern{
			Name:        fmt.Sprintf("custom:%d", i),
			Regex:       compiled,
			Replacement: "__MASKED__",
		})
	}
	return out
}
