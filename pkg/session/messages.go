package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/structure"
	"github.com/sotto-labs/sotto/pkg/transcribe"
)

// Message is a typed mailbox entry. The set is closed: the gateway and
// REST layer construct inbound messages, the actor constructs internal
// ones (pipeline completions, timer-driven checkpoints).
type Message interface {
	isMessage()
}

// AudioStreamStart opens an utterance. The actor moves to listening.
type AudioStreamStart struct{}

// AudioChunk appends encoded audio to the session's accumulation buffer.
// ArrivalAt drives the duration bound; the gateway stamps it on receipt.
type AudioChunk struct {
	Bytes       []byte
	ContentType string
	ArrivalAt   time.Time
}

// AudioStreamEnd closes the utterance and hands the buffer to
// transcription.
type AudioStreamEnd struct{}

// TranscriptReady carries an authoritative client-side transcript; the
// server-side transcription step is skipped entirely.
type TranscriptReady struct {
	Text                 string
	Source               string
	Confidence           float64
	TimestampSeconds     float64
	AudioDurationSeconds float64
}

// FrameEmbedding updates the pending visual context. No transition.
type FrameEmbedding struct {
	Vector           []float32
	TimestampSeconds float64
	Device           string
}

// SetTimestamp moves the video playhead anchor and replies with the
// prior value.
type SetTimestamp struct {
	Seconds float64
	Reply   chan<- float64
}

// UpdateVideoContext switches the session to another video: buffers and
// pending visual context are flushed, inflight pipeline work is
// cancelled, and the playhead resets to zero.
type UpdateVideoContext struct {
	VideoID string
}

// CancelScope selects what a Cancel applies to.
type CancelScope string

// Cancel scopes.
const (
	CancelCurrentNote CancelScope = "current_note"
	CancelAllInflight CancelScope = "all_inflight"
)

// Cancel aborts in-flight pipeline work. A ghost note in its
// confirmation grace is archived instead of firmed.
type Cancel struct {
	Scope CancelScope
}

// CatchupResult is the reply to a SubscriberCatchup.
type CatchupResult struct {
	// Events are the retained outbox entries after the requested
	// sequence, in order.
	Events []bus.Event

	// Unavailable is set when the requested sequence predates the
	// earliest retained entry; the subscriber must do a full reload.
	Unavailable bool
}

// SubscriberCatchup asks for outbox replay after a reconnect.
type SubscriberCatchup struct {
	LastSeenSequence uint64
	Reply            chan<- CatchupResult
}

// RequestPost asks for an immediate post of the note currently awaiting
// confirmation, skipping the rest of its grace period.
type RequestPost struct {
	NoteID uuid.UUID
}

// Checkpoint forces a snapshot. The periodic timer uses the same path.
type Checkpoint struct{}

// JobStatusUpdate is bridged from the dispatcher's jobs topic; the actor
// re-emits it on the session stream and leaves executing_tool on
// terminal status.
type JobStatusUpdate struct {
	JobID  uuid.UUID
	NoteID uuid.UUID
	Kind   models.JobKind
	Status models.JobStatus
	Detail string
}

// transcriptionDone re-enters the mailbox when a dispatched
// transcription call finishes.
type transcriptionDone struct {
	correlationID string
	result        *transcribe.Result
	err           error
}

// structuringDone re-enters the mailbox when a dispatched structuring
// call finishes.
type structuringDone struct {
	correlationID string
	result        *structure.Result
	err           error

	// context captured at dispatch time; the actor state may have moved on.
	transcript       string
	timestampSeconds float64
	visual           *visualContext
}

func (AudioStreamStart) isMessage()   {}
func (AudioChunk) isMessage()         {}
func (AudioStreamEnd) isMessage()     {}
func (TranscriptReady) isMessage()    {}
func (FrameEmbedding) isMessage()     {}
func (SetTimestamp) isMessage()       {}
func (UpdateVideoContext) isMessage() {}
func (Cancel) isMessage()             {}
func (SubscriberCatchup) isMessage()  {}
func (RequestPost) isMessage()        {}
func (Checkpoint) isMessage()         {}
func (JobStatusUpdate) isMessage()    {}
func (transcriptionDone) isMessage()  {}
func (structuringDone) isMessage()    {}

// msgClass drives mailbox placement and admission.
type msgClass int

const (
	// classNormal is FIFO and subject to hard rejection.
	classNormal msgClass = iota

	// classBulk is FIFO, subject to hard rejection, and is what priority
	// messages may jump over.
	classBulk

	// classPriority is always admitted and, under backlog, inserted
	// ahead of the first bulk entry.
	classPriority

	// classInternal is always admitted (rejecting a pipeline completion
	// or job status would wedge the state machine) and placed like
	// priority.
	classInternal
)

func classOf(msg Message) msgClass {
	switch msg.(type) {
	case AudioChunk, FrameEmbedding:
		return classBulk
	case Cancel, UpdateVideoContext:
		return classPriority
	case transcriptionDone, structuringDone, JobStatusUpdate, Checkpoint:
		return classInternal
	default:
		return classNormal
	}
}
