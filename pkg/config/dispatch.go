package config

import "time"

// DispatchConfig contains job queue and worker pool configuration.
// These values control how posting and refinement jobs are polled,
// claimed, and executed.
type DispatchConfig struct {
	// WorkerCount is the number of worker goroutines per replica.
	// Each worker independently polls and executes jobs.
	WorkerCount int `yaml:"worker_count"`

	// PollInterval is the base interval for checking queued jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// JobTimeout is the maximum time a single job may execute.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// GracefulShutdownTimeout is the max time to wait for running jobs
	// to complete during shutdown. Should match JobTimeout.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// HeartbeatInterval is how often a worker refreshes its claim on a
	// running job.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// OrphanDetectionInterval is how often to scan for orphaned jobs.
	OrphanDetectionInterval time.Duration `yaml:"orphan_detection_interval"`

	// OrphanThreshold is how long a running job can go without a
	// heartbeat before it is considered orphaned and requeued.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// MaxAttempts is how many times a job runs before it is parked as
	// dead_letter.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryDelay is how long a failed attempt keeps the job unclaimable.
	// The delay doubles with each attempt.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// IdempotencyTTL is the window within which identical submissions
	// collapse into a single execution.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	// PostWebhookURL is where firmed notes are delivered by post_note
	// jobs. Empty selects the log-only poster.
	PostWebhookURL string `yaml:"post_webhook_url"`
}

// DefaultDispatchConfig returns the built-in dispatch defaults.
func DefaultDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		WorkerCount:             4,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		JobTimeout:              2 * time.Minute,
		GracefulShutdownTimeout: 2 * time.Minute,
		HeartbeatInterval:       30 * time.Second,
		OrphanDetectionInterval: 1 * time.Minute,
		OrphanThreshold:         2 * time.Minute,
		MaxAttempts:             3,
		RetryDelay:              10 * time.Second,
		IdempotencyTTL:          60 * time.Second,
	}
}
