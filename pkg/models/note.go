package models

import (
	"time"

	"github.com/google/uuid"
)

// NoteStatus is the lifecycle state of a note.
type NoteStatus string

// Note status values. Notes advance ghost → firmed → queued_for_posting →
// posting → posted, may fail during posting, and may be archived from any
// non-terminal state. posted, failed, and archived are terminal.
const (
	NoteStatusGhost            NoteStatus = "ghost"
	NoteStatusFirmed           NoteStatus = "firmed"
	NoteStatusQueuedForPosting NoteStatus = "queued_for_posting"
	NoteStatusPosting          NoteStatus = "posting"
	NoteStatusPosted           NoteStatus = "posted"
	NoteStatusFailed           NoteStatus = "failed"
	NoteStatusArchived         NoteStatus = "archived"
)

// Terminal reports whether the status admits no further transitions.
func (s NoteStatus) Terminal() bool {
	switch s {
	case NoteStatusPosted, NoteStatusFailed, NoteStatusArchived:
		return true
	}
	return false
}

// Valid reports whether s is a known note status.
func (s NoteStatus) Valid() bool {
	switch s {
	case NoteStatusGhost, NoteStatusFirmed, NoteStatusQueuedForPosting,
		NoteStatusPosting, NoteStatusPosted, NoteStatusFailed, NoteStatusArchived:
		return true
	}
	return false
}

// noteStatusNext enumerates the permitted forward edges. A note never moves
// backwards; archival is the only jump allowed out of the ghost state.
var noteStatusNext = map[NoteStatus][]NoteStatus{
	NoteStatusGhost:            {NoteStatusFirmed, NoteStatusArchived},
	NoteStatusFirmed:           {NoteStatusQueuedForPosting, NoteStatusArchived},
	NoteStatusQueuedForPosting: {NoteStatusPosting, NoteStatusArchived},
	NoteStatusPosting:          {NoteStatusPosted, NoteStatusFailed},
}

// CanAdvance reports whether a note may move from s to next.
func (s NoteStatus) CanAdvance(next NoteStatus) bool {
	for _, allowed := range noteStatusNext[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EnrichmentSource records what visual input, if any, contributed to a note.
type EnrichmentSource string

// Enrichment source values.
const (
	EnrichmentNone           EnrichmentSource = "none"
	EnrichmentLocalEmbedding EnrichmentSource = "local_embedding"
	EnrichmentCloudVision    EnrichmentSource = "cloud_vision"
)

// Note is a structured, timestamp-anchored observation produced from a
// spoken utterance during a video review session.
type Note struct {
	ID                uuid.UUID        `json:"note_id"`
	SessionID         string           `json:"session_id"`
	UserID            string           `json:"user_id"`
	VideoID           string           `json:"video_id"`
	TimestampSeconds  float64          `json:"timestamp_seconds"`
	Text              string           `json:"text"`
	Category          string           `json:"category"`
	Confidence        float64          `json:"confidence"`
	Enrichment        EnrichmentSource `json:"enrichment_source"`
	VisualContext     map[string]any   `json:"visual_context,omitempty"`
	Embedding         []float32        `json:"-"`
	Status            NoteStatus       `json:"status"`
	ExternalPermalink string           `json:"external_permalink,omitempty"`
	ErrorReason       string           `json:"error_reason,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// NotePatch is a partial update applied to an existing note. Nil fields are
// left untouched. ExpectedUpdatedAt enables optimistic conflict detection:
// when set and stale, the update still applies but the conflict is reported
// for observability.
type NotePatch struct {
	Text              *string
	Category          *string
	Confidence        *float64
	Enrichment        *EnrichmentSource
	VisualContext     map[string]any
	Status            *NoteStatus
	ExternalPermalink *string
	ErrorReason       *string
	ExpectedUpdatedAt *time.Time
}

// NoteListOpts filters and pages note listings for a video.
type NoteListOpts struct {
	Since    time.Time
	Statuses []NoteStatus
	Limit    int
	Offset   int
}
