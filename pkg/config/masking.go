package config

// MaskingConfig controls secret masking applied to event payloads before
// persistence.
type MaskingConfig struct {
	// Enabled toggles masking; nil means enabled. Disabling is intended
	// for tests only.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Patterns adds custom regular expressions masked in addition to the
	// built-in token shapes.
	Patterns []string `yaml:"patterns"`
}

// IsEnabled reports whether masking is on, defaulting to true.
func (c *MaskingConfig) IsEnabled() bool {
	return c == nil || c.Enabled == nil || *c.Enabled
}

// DefaultMaskingConfig returns masking enabled with built-in patterns only.
func DefaultMaskingConfig() *MaskingConfig {
	return &MaskingConfig{}
}
