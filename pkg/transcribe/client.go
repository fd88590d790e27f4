// Package transcribe converts buffered review speech into raw text.
package transcribe

import (
	"context"
)

// MaxAudioBytes is the default upper bound on one transcription input.
// The buffer is otherwise opaque to the client.
const MaxAudioBytes = 5 * 1024 * 1024

// Request is one utterance worth of buffered audio.
type Request struct {
	// Audio is the encoded clip, as captured by the client device.
	Audio []byte

	// ContentType is the MIME type of Audio, e.g. "audio/webm".
	ContentType string

	// Language is an optional ISO-639-1 hint from the session.
	Language string

	// CorrelationID ties the call back to the actor's inflight entry.
	CorrelationID string
}

// Result is the transcription outcome.
type Result struct {
	Text       string
	Confidence float64
	Language   string
}

// Client turns speech audio into text. Implementations classify
// failures into pipeline error kinds.
type Client interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
