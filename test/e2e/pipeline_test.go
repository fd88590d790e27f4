package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/gateway"
	"github.com/sotto-labs/sotto/pkg/models"
)

// TestVoiceNoteLifecycle drives one utterance from a client-side final
// transcript through structuring, the confirmation grace period, the
// posting job, and out to the external tracker.
func TestVoiceNoteLifecycle(t *testing.T) {
	app := NewTestApp(t)
	sock := app.Dial(t, "sess-life", "vid-1", "user-1")

	send(t, sock, clientFrame{Type: gateway.FrameSetTimestamp,
		Payload: gateway.SetTimestampPayload{Seconds: 12.5}})
	send(t, sock, clientFrame{Type: gateway.FrameTranscriptFinal,
		Payload: gateway.TranscriptFinalPayload{
			Text:             "pacing feels slow here",
			Source:           "local",
			Confidence:       0.86,
			TimestampSeconds: 12.5,
		}})

	// Follow the sequenced session stream until the posting job reports a
	// terminal status, collecting the note's lifecycle on the way.
	var (
		walk       []string
		created    *models.Note
		statuses   []models.NoteStatus
		jobKind    models.JobKind
		jobOutcome models.JobStatus
	)
	deadline := time.After(5 * time.Second)
	for jobOutcome == "" {
		select {
		case <-deadline:
			t.Fatalf("posting never finished; walk %v statuses %v", walk, statuses)
		default:
		}
		f := readFrame(t, sock)
		if f.Sequence == 0 {
			continue
		}
		switch f.Type {
		case bus.EventTypeStateChanged:
			var p bus.StateChangedPayload
			require.NoError(t, json.Unmarshal(f.Payload, &p))
			walk = append(walk, fmt.Sprintf("%s>%s", p.From, p.To))
		case bus.EventTypeNoteCreated:
			created = decodeNote(t, f)
			statuses = append(statuses, created.Status)
		case bus.EventTypeNoteUpdated:
			statuses = append(statuses, decodeNote(t, f).Status)
		case bus.EventTypeJobStatus:
			var p bus.JobStatusPayload
			require.NoError(t, json.Unmarshal(f.Payload, &p))
			if p.Status.Terminal() {
				jobKind = p.Kind
				jobOutcome = p.Status
			}
		}
	}
	awaitState(t, sock, models.SessionIdle)

	require.NotNil(t, created)
	assert.Equal(t, "Pacing feels slow", created.Text)
	assert.Equal(t, "pacing", created.Category)
	assert.InDelta(t, 12.5, created.TimestampSeconds, 1e-9)
	assert.Equal(t, "vid-1", created.VideoID)

	// Ghost on creation, firmed after the grace period, then queued for
	// the posting job because 0.86 clears the auto-post threshold.
	assert.Equal(t, []models.NoteStatus{
		models.NoteStatusGhost,
		models.NoteStatusFirmed,
		models.NoteStatusQueuedForPosting,
	}, statuses)
	assert.Contains(t, walk, "idle>structuring")
	assert.Contains(t, walk, "structuring>confirming")
	assert.Contains(t, walk, "confirming>executing_tool")
	assert.Equal(t, models.JobPostNote, jobKind)
	assert.Equal(t, models.JobSucceeded, jobOutcome)

	require.Len(t, app.Poster.Posts(), 1)
	assert.Equal(t, created.ID, app.Poster.Posts()[0].ID)

	// The REST view agrees once the executor's final patch lands.
	require.Eventually(t, func() bool {
		var note models.Note
		if app.getJSON(t, "/api/v1/notes/"+created.ID.String(), &note) != http.StatusOK {
			return false
		}
		return note.Status == models.NoteStatusPosted &&
			note.ExternalPermalink == "https://tracker.example/notes/"+created.ID.String()
	}, 3*time.Second, 20*time.Millisecond)
}

// TestLowConfidenceNoteFirmsWithoutPosting keeps the note below the
// auto-post threshold: it should firm at the end of the grace period and
// settle to idle without a posting job.
func TestLowConfidenceNoteFirmsWithoutPosting(t *testing.T) {
	app := NewTestApp(t, WithAutoPostThreshold(0.90))
	sock := app.Dial(t, "sess-low", "vid-1", "user-1")

	send(t, sock, clientFrame{Type: gateway.FrameTranscriptFinal,
		Payload: gateway.TranscriptFinalPayload{
			Text: "maybe tighten this cut", Source: "local",
			Confidence: 0.9, TimestampSeconds: 30,
		}})

	created := decodeNote(t, awaitType(t, sock, bus.EventTypeNoteCreated))
	require.Equal(t, models.NoteStatusGhost, created.Status)

	updated := awaitType(t, sock, bus.EventTypeNoteUpdated)
	var p bus.NotePayload
	require.NoError(t, json.Unmarshal(updated.Payload, &p))
	assert.Equal(t, models.NoteStatusFirmed, p.Note.Status)
	assert.True(t, p.LowConfidence)

	awaitState(t, sock, models.SessionIdle)
	assert.Empty(t, app.Poster.Posts())
}
