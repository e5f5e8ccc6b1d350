package workflow

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// StaticSecretResolver resolves secret ids from an in-memory map. Suits
// tests and single-tenant deployments; org scoping is ignored.
type StaticSecretResolver map[string]string

func (r StaticSecretResolver) Resolve(_ context.Context, _, secretID string) (string, error) {
	if v, ok := r[secretID]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %s not found", secretID)
}

// EnvSecretResolver resolves secret ids from process environment variables
// named VESPID_SECRET_<ID>, with non-alphanumeric id characters mapped to
// underscores.
type EnvSecretResolver struct{}

func (EnvSecretResolver) Resolve(_ context.Context, _, secretID string) (string, error) {
	key := "VESPID_SECRET_" + envKeySuffix(secretID)
	if v := os.Getenv(key); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("secret %s not found (%s unset)", secretID, key)
}

func envKeySuffix(id string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
