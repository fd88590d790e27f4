package gateway

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the frame envelope version this gateway speaks.
// Frames carrying any other version are rejected with an error frame.
const ProtocolVersion = 2

// Inbound frame types (client → server commands).
const (
	FrameTranscriptFinal    = "transcript_final"
	FrameAudioStreamStart   = "audio_stream_start"
	FrameAudioStreamEnd     = "audio_stream_end"
	FrameAudioChunk         = "audio_chunk"
	FrameFrameEmbedding     = "frame_embedding"
	FrameSetTimestamp       = "set_timestamp"
	FrameUpdateVideoContext = "update_video_context"
	FrameCancel             = "cancel"
	FrameRequestRefine      = "request_refine"
	FrameRequestPost        = "request_post"
	FrameSubscribe          = "subscribe"
	FrameUnsubscribe        = "unsubscribe"
	FrameCatchup            = "catchup"
	FramePing               = "ping"
)

// Outbound frame types originated by the gateway itself. Everything else
// the client receives is a bus event forwarded under its event type
// (state.changed, note.created, job.status, ...).
const (
	FrameConnectionEstablished = "connection.established"
	FramePong                  = "pong"
	FrameSubscriptionConfirmed = "subscription.confirmed"
	FrameResyncRequired        = "resync.required"
	FrameCatchupUnavailable    = "catchup.unavailable"
	FrameBackpressure          = "backpressure"
	FrameError                 = "error"
)

// Frame is the wire envelope, both directions. Payload stays raw on the
// inbound path so each handler can decode its own shape; outbound frames
// are built with a concrete payload value.
type Frame struct {
	V             int             `json:"v"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Topic         string          `json:"topic,omitempty"`
	Sequence      uint64          `json:"sequence,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// outFrame mirrors Frame with an open payload type for marshalling.
type outFrame struct {
	V             int    `json:"v"`
	Type          string `json:"type"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Topic         string `json:"topic,omitempty"`
	Sequence      uint64 `json:"sequence,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

// decodePayload unmarshals a frame payload into dst. A missing payload is
// decoded as the zero value so frames like audio_stream_start{} may omit
// the field entirely.
func decodePayload(f *Frame, dst any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("%s payload: %w", f.Type, err)
	}
	return nil
}

// TranscriptFinalPayload carries an authoritative client-side transcript.
type TranscriptFinalPayload struct {
	Text                 string  `json:"text"`
	Source               string  `json:"source"`
	Confidence           float64 `json:"confidence"`
	TimestampSeconds     float64 `json:"timestamp_seconds"`
	AudioDurationSeconds float64 `json:"audio_duration_s,omitempty"`
}

// AudioChunkPayload carries one slice of encoded audio. Bytes is base64 on
// the wire; encoding/json handles the transcoding.
type AudioChunkPayload struct {
	Bytes       []byte `json:"bytes"`
	ContentType string `json:"content_type,omitempty"`
}

// FrameEmbeddingPayload updates the session's pending visual context.
type FrameEmbeddingPayload struct {
	Vector           []float32 `json:"vector"`
	TimestampSeconds float64   `json:"timestamp_seconds"`
	Device           string    `json:"device,omitempty"`
}

// SetTimestampPayload moves the video playhead anchor.
type SetTimestampPayload struct {
	Seconds float64 `json:"seconds"`
}

// UpdateVideoContextPayload switches the session to another video.
type UpdateVideoContextPayload struct {
	VideoID string `json:"video_id"`
}

// CancelPayload aborts in-flight work. Scope defaults to current_note.
type CancelPayload struct {
	Scope string `json:"scope,omitempty"`
}

// RequestRefinePayload asks for a vision refinement job on a note.
type RequestRefinePayload struct {
	NoteID     string `json:"note_id"`
	WithVision bool   `json:"with_vision,omitempty"`
}

// RequestPostPayload asks to post the note currently awaiting
// confirmation, skipping the rest of its grace period.
type RequestPostPayload struct {
	NoteID string `json:"note_id"`
}

// SubscribePayload names an extra topic to attach to (or detach from).
type SubscribePayload struct {
	Topic string `json:"topic"`
}

// CatchupPayload requests outbox replay after a reconnect.
type CatchupPayload struct {
	LastSeenSequence uint64 `json:"last_seen_sequence"`
}

// EstablishedPayload rides the connection greeting.
type EstablishedPayload struct {
	ConnectionID string `json:"connection_id"`
	SessionID    string `json:"session_id"`
	VideoID      string `json:"video_id,omitempty"`
}

// SubscriptionPayload acknowledges a subscribe.
type SubscriptionPayload struct {
	Topic string `json:"topic"`
}
