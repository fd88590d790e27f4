// Package bus implements the in-process topic publish/subscribe fabric.
//
// Topics are opaque strings namespaced by entity (session:<id>, video:<id>,
// user:<id>, note:<id>). Each subscription owns a bounded delivery queue;
// publishing never blocks. When a subscriber falls behind, its oldest
// queued events are evicted and a lagged marker is delivered ahead of newer
// events so the subscriber knows it must reconcile with a full reload.
// Ordering is preserved per (topic, subscription); there is no ordering
// across topics or across subscribers.
package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/sotto-labs/sotto/pkg/models"
)

// Event type constants for everything that crosses the bus.
const (
	EventTypeStateChanged        = "state.changed"
	EventTypeNoteCreated         = "note.created"
	EventTypeNoteUpdated         = "note.updated"
	EventTypeNoteArchived        = "note.archived"
	EventTypeJobStatus           = "job.status"
	EventTypeBackpressure        = "backpressure"
	EventTypeLagged              = "lagged"
	EventTypeError               = "error"
	EventTypeSessionRecovered    = "session.recovered"
	EventTypeVideoContextChanged = "video.context_changed"
)

// Event is the unit of delivery. Sequence is non-zero only for events that
// originate from a session actor's outbox; those are strictly increasing
// per session and drive reconnect replay.
type Event struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Sequence  uint64    `json:"sequence,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// StateChangedPayload announces an actor status transition.
type StateChangedPayload struct {
	From models.SessionStatus `json:"from"`
	To   models.SessionStatus `json:"to"`
	At   time.Time            `json:"at"`
}

// NotePayload rides note.created and note.updated events.
type NotePayload struct {
	Note *models.Note `json:"note"`
	// LowConfidence flags notes that firmed below the auto-post threshold
	// so UIs can badge them.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// NoteArchivedPayload rides note.archived events.
type NoteArchivedPayload struct {
	NoteID uuid.UUID `json:"note_id"`
}

// JobStatusPayload reports background job progress for a note.
type JobStatusPayload struct {
	JobID  uuid.UUID        `json:"job_id"`
	NoteID uuid.UUID        `json:"note_id"`
	Kind   models.JobKind   `json:"kind"`
	Status models.JobStatus `json:"status"`
	Detail string           `json:"detail,omitempty"`
}

// Backpressure levels.
const (
	BackpressureWarn   = "warn"
	BackpressureReject = "reject"
)

// BackpressurePayload tells producers the session mailbox is overloaded.
type BackpressurePayload struct {
	Level string `json:"level"`
	Depth int    `json:"depth"`
}

// LaggedPayload marks that Dropped events were evicted from the
// subscriber's queue before this point in the stream.
type LaggedPayload struct {
	Dropped uint64 `json:"dropped"`
}

// ErrorPayload surfaces a pipeline or session error to subscribers.
type ErrorPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

// VideoContextChangedPayload announces that the session switched videos and
// flushed its accumulated context.
type VideoContextChangedPayload struct {
	VideoID string `json:"video_id"`
}

// SessionRecoveredPayload rides session.recovered events after an actor is
// rebuilt from its checkpoint. Audio buffers do not survive recovery; the
// sequence counter resumes from the checkpointed high-water mark.
type SessionRecoveredPayload struct {
	VideoID         string  `json:"video_id,omitempty"`
	VideoTimestamp  float64 `json:"video_timestamp"`
	ResumedSequence uint64  `json:"resumed_sequence"`
}
