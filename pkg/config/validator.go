package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateSession(); err != nil {
		return fmt.Errorf("session validation failed: %w", err)
	}

	if err := v.validatePipeline(); err != nil {
		return fmt.Errorf("pipeline validation failed: %w", err)
	}

	if err := v.validateBus(); err != nil {
		return fmt.Errorf("bus validation failed: %w", err)
	}

	if err := v.validateDispatch(); err != nil {
		return fmt.Errorf("dispatch validation failed: %w", err)
	}

	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateSession() error {
	s := v.cfg.Session

	if s.MailboxSoft < 1 {
		return NewValidationError("session", "mailbox_soft", fmt.Errorf("must be at least 1"))
	}
	if s.MailboxHard <= s.MailboxSoft {
		return NewValidationError("session", "mailbox_hard", fmt.Errorf("must exceed mailbox_soft (%d)", s.MailboxSoft))
	}
	if s.MailboxResume < s.MailboxSoft || s.MailboxResume > s.MailboxHard {
		return NewValidationError("session", "mailbox_resume", fmt.Errorf("must lie between mailbox_soft (%d) and mailbox_hard (%d)", s.MailboxSoft, s.MailboxHard))
	}
	if s.OutboxRetain < 1 {
		return NewValidationError("session", "outbox_retain", fmt.Errorf("must be at least 1"))
	}
	if s.ConfirmGrace <= 0 {
		return NewValidationError("session", "confirm_grace", fmt.Errorf("must be positive"))
	}
	if s.AudioBytesLimit < 1 {
		return NewValidationError("session", "audio_bytes_limit", fmt.Errorf("must be at least 1"))
	}
	if s.AudioDurationLimit <= 0 {
		return NewValidationError("session", "audio_duration_limit", fmt.Errorf("must be positive"))
	}
	if s.RestartIntensity < 1 {
		return NewValidationError("session", "restart_intensity", fmt.Errorf("must be at least 1"))
	}
	if s.RestartWindow <= 0 {
		return NewValidationError("session", "restart_window", fmt.Errorf("must be positive"))
	}

	return nil
}

func (v *ConfigValidator) validatePipeline() error {
	p := v.cfg.Pipeline

	if p.ConfidenceHardFloor < 0 || p.ConfidenceHardFloor > 1 {
		return NewValidationError("pipeline", "confidence_hard_floor", fmt.Errorf("must be in [0, 1]"))
	}
	if p.ConfidenceAutoPostThreshold < 0 || p.ConfidenceAutoPostThreshold > 1 {
		return NewValidationError("pipeline", "confidence_auto_post_threshold", fmt.Errorf("must be in [0, 1]"))
	}
	if p.ConfidenceAutoPostThreshold < p.ConfidenceHardFloor {
		return NewValidationError("pipeline", "confidence_auto_post_threshold", fmt.Errorf("must not be below confidence_hard_floor (%.2f)", p.ConfidenceHardFloor))
	}
	if p.SiblingHintLimit < 0 {
		return NewValidationError("pipeline", "sibling_hint_limit", fmt.Errorf("must not be negative"))
	}

	if err := v.validateStageBudget("transcription", p.Transcription); err != nil {
		return err
	}
	if err := v.validateStageBudget("structuring", p.Structuring); err != nil {
		return err
	}

	b := p.Breaker
	if b.FailThreshold < 1 {
		return NewValidationError("pipeline", "breaker.fail_threshold", fmt.Errorf("must be at least 1"))
	}
	if b.FailureWindow <= 0 {
		return NewValidationError("pipeline", "breaker.failure_window", fmt.Errorf("must be positive"))
	}
	if b.HalfOpenAfter <= 0 {
		return NewValidationError("pipeline", "breaker.half_open_after", fmt.Errorf("must be positive"))
	}
	if b.HalfOpenMax < 1 {
		return NewValidationError("pipeline", "breaker.half_open_max", fmt.Errorf("must be at least 1"))
	}

	r := p.Retry
	if r.BaseDelay <= 0 {
		return NewValidationError("pipeline", "retry.base_delay", fmt.Errorf("must be positive"))
	}
	if r.Factor < 1 {
		return NewValidationError("pipeline", "retry.factor", fmt.Errorf("must be at least 1"))
	}
	if r.JitterPct < 0 || r.JitterPct > 100 {
		return NewValidationError("pipeline", "retry.jitter_pct", fmt.Errorf("must be in [0, 100]"))
	}
	if r.Cap < r.BaseDelay {
		return NewValidationError("pipeline", "retry.cap", fmt.Errorf("must not be below retry.base_delay"))
	}
	if r.MaxAttempts < 1 {
		return NewValidationError("pipeline", "retry.max_attempts", fmt.Errorf("must be at least 1"))
	}

	o := p.OpenAI
	if o.APIKeyEnv == "" {
		return NewValidationError("pipeline", "openai.api_key_env", fmt.Errorf("must not be empty"))
	}
	if o.TranscribeModel == "" {
		return NewValidationError("pipeline", "openai.transcribe_model", fmt.Errorf("must not be empty"))
	}
	if o.StructureModel == "" {
		return NewValidationError("pipeline", "openai.structure_model", fmt.Errorf("must not be empty"))
	}
	if o.VisionModel == "" {
		return NewValidationError("pipeline", "openai.vision_model", fmt.Errorf("must not be empty"))
	}

	return nil
}

func (v *ConfigValidator) validateStageBudget(stage string, b *StageBudget) error {
	if b.AttemptTimeout <= 0 {
		return NewValidationError("pipeline", stage+".attempt_timeout", fmt.Errorf("must be positive"))
	}
	if b.OverallBudget < b.AttemptTimeout {
		return NewValidationError("pipeline", stage+".overall_budget", fmt.Errorf("must not be below attempt_timeout"))
	}
	return nil
}

func (v *ConfigValidator) validateBus() error {
	if v.cfg.Bus.SubscriberQueueCapacity < 1 {
		return NewValidationError("bus", "subscriber_queue_capacity", fmt.Errorf("must be at least 1"))
	}
	return nil
}

func (v *ConfigValidator) validateDispatch() error {
	d := v.cfg.Dispatch

	if d.WorkerCount < 1 {
		return NewValidationError("dispatch", "worker_count", fmt.Errorf("must be at least 1"))
	}
	if d.PollInterval <= 0 {
		return NewValidationError("dispatch", "poll_interval", fmt.Errorf("must be positive"))
	}
	if d.PollIntervalJitter < 0 || d.PollIntervalJitter >= d.PollInterval {
		return NewValidationError("dispatch", "poll_interval_jitter", fmt.Errorf("must be non-negative and below poll_interval"))
	}
	if d.JobTimeout <= 0 {
		return NewValidationError("dispatch", "job_timeout", fmt.Errorf("must be positive"))
	}
	if d.HeartbeatInterval <= 0 {
		return NewValidationError("dispatch", "heartbeat_interval", fmt.Errorf("must be positive"))
	}
	if d.OrphanThreshold <= d.HeartbeatInterval {
		return NewValidationError("dispatch", "orphan_threshold", fmt.Errorf("must exceed heartbeat_interval"))
	}
	if d.MaxAttempts < 1 {
		return NewValidationError("dispatch", "max_attempts", fmt.Errorf("must be at least 1"))
	}
	if d.IdempotencyTTL <= 0 {
		return NewValidationError("dispatch", "idempotency_ttl", fmt.Errorf("must be positive"))
	}

	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server

	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("must be in [1, 65535]"))
	}
	if s.WriteTimeout <= 0 {
		return NewValidationError("server", "write_timeout", fmt.Errorf("must be positive"))
	}

	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention

	if r.SessionMaxAge <= 0 {
		return NewValidationError("retention", "session_max_age", fmt.Errorf("must be positive"))
	}
	if r.JobMaxAge <= 0 {
		return NewValidationError("retention", "job_max_age", fmt.Errorf("must be positive"))
	}
	if r.SweepInterval <= 0 {
		return NewValidationError("retention", "sweep_interval", fmt.Errorf("must be positive"))
	}

	return nil
}
