package models

import (
	"time"

	"github.com/google/uuid"
)

// JobKind identifies what a background job does.
type JobKind string

// Job kinds.
const (
	JobPostNote         JobKind = "post_note"
	JobRefineWithVision JobKind = "refine_with_vision"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	return k == JobPostNote || k == JobRefineWithVision
}

// JobStatus is the execution state of a background job.
type JobStatus string

// Job status values. Flow: queued → running → succeeded | failed; failed
// attempts requeue until max_attempts, after which the job dead-letters.
const (
	JobQueued     JobStatus = "queued"
	JobRunning    JobStatus = "running"
	JobSucceeded  JobStatus = "succeeded"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobDeadLetter:
		return true
	}
	return false
}

// Job is a persisted retriable unit of background work tied to a note.
// RunAfter delays retries; HeartbeatAt drives orphan detection. Both are
// queue bookkeeping and stay off the wire.
type Job struct {
	ID          uuid.UUID      `json:"job_id"`
	Kind        JobKind        `json:"kind"`
	NoteID      uuid.UUID      `json:"note_id"`
	SessionID   string         `json:"session_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      JobStatus      `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   string         `json:"last_error,omitempty"`
	ClaimedBy   string         `json:"claimed_by,omitempty"`
	RunAfter    time.Time      `json:"-"`
	HeartbeatAt time.Time      `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IdempotencyKey builds the duplicate-suppression key for a submission.
// Submitting the same (kind, note_id) twice within the guard TTL is a no-op.
func IdempotencyKey(kind JobKind, noteID uuid.UUID) string {
	return string(kind) + ":" + noteID.String()
}
