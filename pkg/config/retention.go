package config

import "time"

// RetentionConfig controls the background retention sweeper that trims
// stale session rows (with their checkpoints) and terminal jobs.
type RetentionConfig struct {
	// SessionMaxAge is how long an inactive session survives before the
	// sweeper removes it together with its checkpoint.
	SessionMaxAge time.Duration `yaml:"session_max_age"`

	// JobMaxAge is how long terminal jobs (succeeded, failed,
	// dead_letter) are kept for inspection.
	JobMaxAge time.Duration `yaml:"job_max_age"`

	// SweepInterval is how often the sweeper runs. Every replica sweeps;
	// the deletes are idempotent so overlap is harmless.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionMaxAge: 30 * 24 * time.Hour,
		JobMaxAge:     7 * 24 * time.Hour,
		SweepInterval: 1 * time.Hour,
	}
}
