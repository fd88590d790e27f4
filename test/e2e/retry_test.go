package e2e

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/gateway"
	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/pipeline"
	"github.com/sotto-labs/sotto/pkg/transcribe"
)

// TestServerTranscriptionRetriesTransientFailure streams audio up for
// server-side transcription and has the speech service flap once with an
// upstream error. The retry layer should absorb the flap; the client sees
// a clean pipeline run.
func TestServerTranscriptionRetriesTransientFailure(t *testing.T) {
	app := NewTestApp(t,
		// Keep the note below the auto-post bar so the run ends at firmed.
		WithAutoPostThreshold(0.95),
		WithDefaultTranscript(transcribe.Result{Text: "the transition is abrupt", Confidence: 0.81}),
	)
	app.Transcriber.Script(TranscribeStep{
		Err: pipeline.NewError("transcribe", pipeline.KindUpstream, errors.New("bad gateway")),
	})

	sock := app.Dial(t, "sess-retry", "vid-1", "user-1")

	send(t, sock, clientFrame{Type: gateway.FrameAudioStreamStart})
	send(t, sock, clientFrame{Type: gateway.FrameAudioChunk,
		Payload: gateway.AudioChunkPayload{Bytes: []byte("opus-frame"), ContentType: "audio/webm"}})
	send(t, sock, clientFrame{Type: gateway.FrameAudioStreamEnd})

	created := decodeNote(t, awaitType(t, sock, bus.EventTypeNoteCreated))
	assert.Equal(t, models.NoteStatusGhost, created.Status)
	assert.Equal(t, "Pacing feels slow", created.Text)

	awaitState(t, sock, models.SessionIdle)

	// First attempt failed, second succeeded; the failure never surfaced
	// as a session error.
	assert.Equal(t, 2, app.Transcriber.Calls())
	req, ok := app.Transcriber.LastRequest()
	require.True(t, ok)
	assert.Equal(t, []byte("opus-frame"), req.Audio)
	assert.Equal(t, "audio/webm", req.ContentType)

	// The structurer saw the transcript the retry eventually produced.
	assert.Equal(t, 1, app.Structurer.Calls())
}

// TestTranscriptionExhaustsRetries scripts nothing but upstream failures:
// the budget runs out, the client gets a transient error frame, and the
// session returns to idle with no note created.
func TestTranscriptionExhaustsRetries(t *testing.T) {
	app := NewTestApp(t)
	fail := func() TranscribeStep {
		return TranscribeStep{Err: pipeline.NewError("transcribe", pipeline.KindUpstream, errors.New("bad gateway"))}
	}
	app.Transcriber.Script(fail(), fail(), fail(), fail())

	sock := app.Dial(t, "sess-exhaust", "vid-1", "user-1")

	send(t, sock, clientFrame{Type: gateway.FrameAudioStreamStart})
	send(t, sock, clientFrame{Type: gateway.FrameAudioChunk,
		Payload: gateway.AudioChunkPayload{Bytes: []byte("noise")}})
	send(t, sock, clientFrame{Type: gateway.FrameAudioStreamEnd})

	errFrame := awaitType(t, sock, bus.EventTypeError)
	awaitState(t, sock, models.SessionIdle)

	assert.NotZero(t, errFrame.Sequence)
	assert.Equal(t, 4, app.Transcriber.Calls())
	assert.Zero(t, app.Structurer.Calls())

	var notes []*models.Note
	require.Equal(t, 200, app.getJSON(t, "/api/v1/videos/vid-1/notes", &notes))
	assert.Empty(t, notes)
}
