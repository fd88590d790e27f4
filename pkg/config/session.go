package config

import "time"

// SessionConfig controls per-session actor behavior: mailbox
// backpressure thresholds, outbox retention, and lifecycle timers.
type SessionConfig struct {
	// MailboxSoft is the queued-message depth at which the actor begins
	// shedding bulk traffic and emits backpressure warnings.
	MailboxSoft int `yaml:"mailbox_soft"`

	// MailboxHard is the depth at which non-priority inbound messages
	// are rejected outright.
	MailboxHard int `yaml:"mailbox_hard"`

	// MailboxResume is the depth the backlog must fall below before
	// hard-reject mode clears.
	MailboxResume int `yaml:"mailbox_resume"`

	// OutboxRetain is how many outbound events are retained per session
	// for reconnect catch-up.
	OutboxRetain int `yaml:"outbox_retain"`

	// ConfirmGrace is how long a ghost note waits in confirming before
	// it auto-firms.
	ConfirmGrace time.Duration `yaml:"confirm_grace"`

	// AudioBytesLimit force-flushes an audio buffer that grows past this
	// many bytes without an explicit stream end.
	AudioBytesLimit int `yaml:"audio_bytes_limit"`

	// AudioDurationLimit force-flushes an audio buffer spanning more
	// than this much captured audio.
	AudioDurationLimit time.Duration `yaml:"audio_duration_limit"`

	// CheckpointInterval is how often a long-lived actor persists its
	// recovery checkpoint outside of state transitions.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// HibernateAfter stops an actor that has processed no messages for
	// this long. The session is recoverable from its checkpoint.
	HibernateAfter time.Duration `yaml:"hibernate_after"`

	// RestartIntensity bounds supervisor restarts: more than this many
	// panics within RestartWindow marks the session failed instead of
	// restarting the actor again.
	RestartIntensity int           `yaml:"restart_intensity"`
	RestartWindow    time.Duration `yaml:"restart_window"`
}

// DefaultSessionConfig returns the built-in session actor defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		MailboxSoft:        50,
		MailboxHard:        200,
		MailboxResume:      100,
		OutboxRetain:       100,
		ConfirmGrace:       3 * time.Second,
		AudioBytesLimit:    5 * 1024 * 1024,
		AudioDurationLimit: 60 * time.Second,
		CheckpointInterval: 5 * time.Minute,
		HibernateAfter:     30 * time.Minute,
		RestartIntensity:   5,
		RestartWindow:      1 * time.Minute,
	}
}
