package config

import "time"

// RetentionConfig controls data retention and cleanup behavior. Cleanup is
// off unless Enabled is set; the remaining fields bound what one pass may
// delete once it is on.
type RetentionConfig struct {
	// Enabled turns the background cleanup loop on.
	Enabled bool `yaml:"enabled"`

	// RunRetentionDays is how many days to keep terminal runs before
	// deleting them (events cascade).
	RunRetentionDays int `yaml:"run_retention_days"`

	// EventTTL is the maximum age of event rows belonging to terminal
	// runs before deletion. Run deletion handles the normal case; this is
	// a safety net for long-retained runs.
	EventTTL time.Duration `yaml:"event_ttl"`

	// JobTTL is the maximum age of done/dead queue jobs before deletion.
	JobTTL time.Duration `yaml:"job_ttl"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// CleanupBatch caps rows deleted per table per pass.
	CleanupBatch int `yaml:"cleanup_batch"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		RunRetentionDays: 90,
		EventTTL:         30 * 24 * time.Hour,
		JobTTL:           72 * time.Hour,
		CleanupInterval:  12 * time.Hour,
		CleanupBatch:     1000,
	}
}
