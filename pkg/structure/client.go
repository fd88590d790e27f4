// Package structure turns a raw transcript into a structured review note.
package structure

import (
	"context"
)

// Hint is a prior note in the same video, passed so the model keeps
// terminology consistent across notes.
type Hint struct {
	Text     string
	Category string
}

// Request carries one transcript plus the context it was spoken in.
type Request struct {
	Transcript string

	// VideoTimestamp is the playhead position in seconds.
	VideoTimestamp float64

	// VisualContext is an optional summary of recent frame analysis.
	VisualContext map[string]any

	// SiblingHints are a few prior notes from the same video.
	SiblingHints []Hint

	// CorrelationID ties the call back to the actor's inflight entry.
	CorrelationID string
}

// Result is the structured note produced from a transcript. The shape
// is strict: non-empty text, a short non-empty category, and confidence
// in [0,1].
type Result struct {
	Text       string
	Category   string
	Confidence float64
	Rationale  string
}

// Client structures transcripts. Implementations classify failures into
// pipeline error kinds; malformed upstream output counts as a retriable
// upstream failure.
type Client interface {
	Structure(ctx context.Context, req Request) (*Result, error)
}
