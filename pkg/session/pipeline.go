package session

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/observe"
	"github.com/sotto-labs/sotto/pkg/pipeline"
	"github.com/sotto-labs/sotto/pkg/structure"
	"github.com/sotto-labs/sotto/pkg/transcribe"
)

func (a *Actor) handleAudioStreamStart() {
	a.streamOpen = true
	if a.status == models.SessionIdle {
		a.transitionTo(models.SessionListening)
	}
}

func (a *Actor) handleAudioChunk(m AudioChunk) {
	if len(m.Bytes) == 0 {
		return
	}
	if a.status == models.SessionIdle {
		a.streamOpen = true
		a.transitionTo(models.SessionListening)
	}
	if !a.streamOpen {
		a.log.Debug("audio chunk dropped, no open stream",
			"session_id", a.id, "status", a.status)
		return
	}
	if len(m.Bytes) > a.cfg.AudioBytesLimit {
		// No buffer split can make a single oversized chunk fit.
		a.log.Warn("audio chunk dropped, exceeds buffer bound",
			"session_id", a.id, "bytes", len(m.Bytes))
		return
	}
	if a.status != models.SessionListening && len(a.audioBuf)+len(m.Bytes) > a.cfg.AudioBytesLimit {
		// The pipeline is busy with the previous utterance and the
		// continuation buffer is at capacity.
		a.log.Warn("audio chunk dropped, continuation buffer full",
			"session_id", a.id, "buffered", len(a.audioBuf))
		a.flushPending = true
		return
	}
	if a.status == models.SessionListening && len(a.audioBuf)+len(m.Bytes) > a.cfg.AudioBytesLimit {
		// Appending would breach the byte bound: transcribe what is
		// buffered and carry this chunk into the next utterance, so the
		// dispatched buffer always fits the transcription client's gate.
		a.flushAudio()
	}

	if len(a.audioBuf) == 0 {
		a.audioFirstAt = m.ArrivalAt
		if a.audioFirstAt.IsZero() {
			a.audioFirstAt = time.Now()
		}
		if m.ContentType != "" {
			a.audioContentType = m.ContentType
		}
	}
	a.audioBuf = append(a.audioBuf, m.Bytes...)

	if a.status != models.SessionListening {
		return
	}
	arrived := m.ArrivalAt
	if arrived.IsZero() {
		arrived = time.Now()
	}
	if arrived.Sub(a.audioFirstAt) > a.cfg.AudioDurationLimit {
		// Duration bound breached without a stream end: transcribe what
		// is buffered before accepting more.
		a.flushAudio()
	}
}

func (a *Actor) handleAudioStreamEnd() {
	a.streamOpen = false
	switch a.status {
	case models.SessionListening:
		if len(a.audioBuf) == 0 {
			// False trigger, nothing was captured.
			a.transitionTo(models.SessionIdle)
			return
		}
		a.flushAudio()
	case models.SessionIdle:
	default:
		if len(a.audioBuf) > 0 {
			a.flushPending = true
		}
	}
}

// flushAudio hands the buffered utterance to transcription.
func (a *Actor) flushAudio() {
	if len(a.audioBuf) == 0 {
		return
	}
	if !a.transitionTo(models.SessionTranscribing) {
		return
	}
	a.dispatchTranscription()
}

// maybeResumeAudio picks up audio that accumulated while the pipeline was
// busy with the previous utterance.
func (a *Actor) maybeResumeAudio() {
	if a.status != models.SessionIdle || len(a.audioBuf) == 0 {
		return
	}
	if !a.transitionTo(models.SessionListening) {
		return
	}
	if a.flushPending {
		a.flushPending = false
		a.flushAudio()
	}
}

func (a *Actor) handleTranscriptReady(m TranscriptReady) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		a.log.Debug("empty transcript ignored", "session_id", a.id)
		return
	}
	switch a.status {
	case models.SessionIdle, models.SessionListening:
		// The client-side transcript is authoritative; buffered audio for
		// this utterance is redundant.
		a.clearAudio()
		if a.transitionTo(models.SessionStructuring) {
			a.dispatchStructuring(text, m.TimestampSeconds)
		}
	case models.SessionTranscribing:
		// The client transcript wins the race against the upstream call.
		a.cancelInflightKind(callTranscription)
		if a.transitionTo(models.SessionStructuring) {
			a.dispatchStructuring(text, m.TimestampSeconds)
		}
	default:
		a.log.Debug("transcript dropped, pipeline busy",
			"session_id", a.id, "status", a.status)
	}
}

func (a *Actor) handleFrameEmbedding(m FrameEmbedding) {
	if len(m.Vector) == 0 {
		return
	}
	a.pendingVisual = &visualContext{
		vector:           m.Vector,
		timestampSeconds: m.TimestampSeconds,
		device:           m.Device,
		capturedAt:       time.Now(),
	}
}

func (a *Actor) handleSetTimestamp(m SetTimestamp) {
	old := a.videoTimestamp
	if m.Seconds >= 0 {
		a.videoTimestamp = m.Seconds
	}
	if m.Reply != nil {
		select {
		case m.Reply <- old:
		default:
		}
	}
}

func (a *Actor) handleUpdateVideoContext(m UpdateVideoContext) {
	changed := m.VideoID != a.videoID
	dirty := a.status != models.SessionIdle ||
		len(a.audioBuf) > 0 ||
		a.pendingVisual != nil ||
		len(a.inflight) > 0 ||
		a.currentNote != nil ||
		a.videoTimestamp != 0
	if !changed && !dirty {
		// Re-binding the same video with nothing accumulated is a no-op.
		return
	}

	a.cancelInflight()
	if a.status == models.SessionConfirming && a.currentNote != nil {
		a.archiveCurrentNote("video context changed")
	}
	a.stopConfirmTimer()
	a.currentNote = nil
	a.trackedJob = uuid.Nil
	a.clearAudio()
	a.pendingVisual = nil
	if a.status != models.SessionIdle {
		a.transitionTo(models.SessionIdle)
	}
	a.videoID = m.VideoID
	a.videoTimestamp = 0
	a.emit(bus.EventTypeVideoContextChanged, bus.VideoContextChangedPayload{VideoID: m.VideoID})
	a.checkpointNow()
	a.log.Info("video context switched", "session_id", a.id, "video_id", m.VideoID)
}

func (a *Actor) handleCancel(m Cancel) {
	scope := m.Scope
	if scope == "" {
		scope = CancelCurrentNote
	}
	if scope == CancelAllInflight {
		a.cancelInflight()
		a.pendingVisual = nil
	}

	switch a.status {
	case models.SessionTranscribing, models.SessionStructuring:
		a.cancelInflight()
		a.clearAudio()
		a.transitionTo(models.SessionCancelling)
		a.transitionTo(models.SessionIdle)
	case models.SessionConfirming:
		a.stopConfirmTimer()
		a.archiveCurrentNote("cancelled during confirmation")
		a.transitionTo(models.SessionCancelling)
		a.transitionTo(models.SessionIdle)
		a.maybeResumeAudio()
	case models.SessionListening:
		// Abandon the in-progress utterance.
		a.clearAudio()
		a.transitionTo(models.SessionIdle)
	default:
		a.log.Debug("cancel ignored", "session_id", a.id, "status", a.status, "scope", scope)
	}
}

func (a *Actor) handleCatchup(m SubscriberCatchup) {
	var res CatchupResult
	switch {
	case m.LastSeenSequence > a.sequence:
		// The subscriber saw sequences this actor never produced, meaning
		// state from before a recovery. Full reload.
		res.Unavailable = true
	case m.LastSeenSequence == a.sequence:
		// Already caught up.
	default:
		events, ok := a.outbox.after(m.LastSeenSequence)
		if !ok || uint64(len(events)) != a.sequence-m.LastSeenSequence {
			res.Unavailable = true
		} else {
			res.Events = events
		}
	}
	if m.Reply != nil {
		select {
		case m.Reply <- res:
		default:
		}
	}
}

func (a *Actor) handleRequestPost(m RequestPost) {
	if a.status != models.SessionConfirming || a.currentNote == nil || a.currentNote.ID != m.NoteID {
		a.emit(bus.EventTypeError, bus.ErrorPayload{
			Kind:    "invalid_input",
			Message: "note is not awaiting confirmation",
		})
		return
	}
	a.stopConfirmTimer()
	a.firmAndMaybePost(true)
}

func (a *Actor) handleConfirmElapsed() {
	if a.status != models.SessionConfirming || a.currentNote == nil {
		return
	}
	a.firmAndMaybePost(false)
}

// firmAndMaybePost firms the ghost note once its confirmation grace ends.
// Notes at or above the auto-post threshold (or posted explicitly by the
// client) continue into the posting job; low-confidence notes stay firmed
// with the low-confidence flag.
func (a *Actor) firmAndMaybePost(explicit bool) {
	note := a.currentNote
	firmed := models.NoteStatusFirmed
	updated, err := a.updateNoteWithRetry(note.ID, models.NotePatch{Status: &firmed})
	if err != nil {
		a.log.Error("firming note failed", "session_id", a.id, "note_id", note.ID, "error", err)
		a.failPipelineAs("storage_unavailable", true, "persisting note failed")
		return
	}
	a.currentNote = updated
	low := updated.Confidence < a.pcfg.ConfidenceAutoPostThreshold
	a.emitNote(bus.EventTypeNoteUpdated, updated, low)

	if !explicit && low {
		a.currentNote = nil
		a.transitionTo(models.SessionIdle)
		a.maybeResumeAudio()
		return
	}

	queued := models.NoteStatusQueuedForPosting
	updated, err = a.updateNoteWithRetry(note.ID, models.NotePatch{Status: &queued})
	if err != nil {
		a.log.Error("queueing note failed", "session_id", a.id, "note_id", note.ID, "error", err)
		a.failPipelineAs("storage_unavailable", true, "persisting note failed")
		return
	}
	a.currentNote = updated
	a.emitNote(bus.EventTypeNoteUpdated, updated, low)

	job, err := a.deps.Jobs.SubmitPostNote(a.baseCtx, updated)
	if err != nil {
		a.log.Error("submitting post_note job failed",
			"session_id", a.id, "note_id", updated.ID, "error", err)
		a.emit(bus.EventTypeError, bus.ErrorPayload{
			Kind:      "storage_unavailable",
			Message:   "queueing post job failed",
			Transient: true,
		})
		a.currentNote = nil
		a.transitionTo(models.SessionIdle)
		a.maybeResumeAudio()
		return
	}
	a.trackedJob = job.ID
	a.transitionTo(models.SessionExecutingTool)
	a.log.Info("note queued for posting",
		"session_id", a.id, "note_id", updated.ID, "job_id", job.ID, "explicit", explicit)
}

func (a *Actor) archiveCurrentNote(reason string) {
	note := a.currentNote
	if note == nil {
		return
	}
	a.currentNote = nil
	archived := models.NoteStatusArchived
	if _, err := a.updateNoteWithRetry(note.ID, models.NotePatch{Status: &archived}); err != nil {
		a.log.Error("archiving ghost note failed",
			"session_id", a.id, "note_id", note.ID, "error", err)
		return
	}
	payload := bus.NoteArchivedPayload{NoteID: note.ID}
	a.emit(bus.EventTypeNoteArchived, payload)
	a.mirrorToVideo(bus.EventTypeNoteArchived, payload)
	a.log.Info("ghost note archived", "session_id", a.id, "note_id", note.ID, "reason", reason)
}

func (a *Actor) handleJobStatus(m JobStatusUpdate) {
	a.emit(bus.EventTypeJobStatus, bus.JobStatusPayload{
		JobID:  m.JobID,
		NoteID: m.NoteID,
		Kind:   m.Kind,
		Status: m.Status,
		Detail: m.Detail,
	})
	if m.JobID != a.trackedJob || !m.Status.Terminal() {
		return
	}
	a.trackedJob = uuid.Nil
	a.currentNote = nil
	if a.status == models.SessionExecutingTool {
		a.transitionTo(models.SessionIdle)
		a.maybeResumeAudio()
	}
}

// dispatchTranscription takes the audio buffer and launches the upstream
// call. The result re-enters the mailbox as a transcriptionDone message.
func (a *Actor) dispatchTranscription() {
	if a.hasInflight(callTranscription) {
		a.log.Warn("transcription already in flight", "session_id", a.id)
		return
	}
	audio := a.audioBuf
	contentType := a.audioContentType
	a.audioBuf = nil
	a.audioContentType = ""
	a.audioFirstAt = time.Time{}

	corr := uuid.NewString()
	ctx, cancel := context.WithCancel(a.baseCtx)
	a.inflight[corr] = &inflightCall{kind: callTranscription, cancel: cancel}
	a.log.Debug("transcription dispatched",
		"session_id", a.id, "correlation_id", corr, "bytes", len(audio))

	go func() {
		start := time.Now()
		res, err := a.deps.Transcriber.Transcribe(ctx, transcribe.Request{
			Audio:         audio,
			ContentType:   contentType,
			CorrelationID: corr,
		})
		observe.DefaultMetrics().RecordStage(ctx, "transcription", stageOutcome(err), time.Since(start).Seconds())
		a.enqueueInternal(transcriptionDone{correlationID: corr, result: res, err: err})
	}()
}

// dispatchStructuring captures the structuring inputs and launches the
// upstream call. Sibling hints are fetched inside the goroutine so the run
// loop never blocks on the note store.
func (a *Actor) dispatchStructuring(transcript string, tsHint float64) {
	if a.hasInflight(callStructuring) {
		a.log.Warn("structuring already in flight", "session_id", a.id)
		return
	}
	ts := a.videoTimestamp
	if tsHint > 0 {
		ts = tsHint
	}
	visual := a.pendingVisual
	a.pendingVisual = nil
	videoID := a.videoID
	hintLimit := a.pcfg.SiblingHintLimit
	notes := a.deps.Notes
	structurer := a.deps.Structurer

	corr := uuid.NewString()
	ctx, cancel := context.WithCancel(a.baseCtx)
	a.inflight[corr] = &inflightCall{kind: callStructuring, cancel: cancel}
	a.log.Debug("structuring dispatched",
		"session_id", a.id, "correlation_id", corr, "chars", len(transcript))

	go func() {
		req := structure.Request{
			Transcript:     transcript,
			VideoTimestamp: ts,
			CorrelationID:  corr,
		}
		if visual != nil {
			req.VisualContext = map[string]any{
				"frame_timestamp_seconds": visual.timestampSeconds,
				"device":                  visual.device,
			}
		}
		if hintLimit > 0 && videoID != "" {
			siblings, err := notes.NearbyByTimestamp(ctx, videoID, ts, hintLimit)
			if err != nil {
				a.log.Debug("sibling hint lookup failed", "session_id", a.id, "error", err)
			}
			for _, sib := range siblings {
				req.SiblingHints = append(req.SiblingHints, structure.Hint{
					Text:     sib.Text,
					Category: sib.Category,
				})
			}
		}
		start := time.Now()
		res, err := structurer.Structure(ctx, req)
		observe.DefaultMetrics().RecordStage(ctx, "structuring", stageOutcome(err), time.Since(start).Seconds())
		a.enqueueInternal(structuringDone{
			correlationID:    corr,
			result:           res,
			err:              err,
			transcript:       transcript,
			timestampSeconds: ts,
			visual:           visual,
		})
	}()
}

// stageOutcome maps a stage call error onto its metric outcome label.
func stageOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case pipeline.KindOf(err) == pipeline.KindCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

func (a *Actor) handleTranscriptionDone(m transcriptionDone) {
	if !a.completeInflight(m.correlationID, callTranscription) {
		a.log.Debug("stale transcription result discarded",
			"session_id", a.id, "correlation_id", m.correlationID)
		return
	}
	if m.err != nil {
		if pipeline.KindOf(m.err) == pipeline.KindCancelled {
			return
		}
		a.failPipeline("transcription", m.err)
		return
	}
	if a.status != models.SessionTranscribing {
		a.log.Debug("transcription result discarded, state moved on",
			"session_id", a.id, "status", a.status)
		return
	}
	if a.transitionTo(models.SessionStructuring) {
		a.dispatchStructuring(m.result.Text, 0)
	}
}

func (a *Actor) handleStructuringDone(m structuringDone) {
	if !a.completeInflight(m.correlationID, callStructuring) {
		a.log.Debug("stale structuring result discarded",
			"session_id", a.id, "correlation_id", m.correlationID)
		return
	}
	if m.err != nil {
		if pipeline.KindOf(m.err) == pipeline.KindCancelled {
			return
		}
		a.failPipeline("structuring", m.err)
		return
	}
	if a.status != models.SessionStructuring {
		a.log.Debug("structuring result discarded, state moved on",
			"session_id", a.id, "status", a.status)
		return
	}

	res := m.result
	if res.Confidence < a.pcfg.ConfidenceHardFloor {
		// Below the floor nothing is persisted or announced; the session
		// returns to idle.
		a.log.Debug("structured note below confidence floor",
			"session_id", a.id, "confidence", res.Confidence, "category", res.Category)
		a.transitionTo(models.SessionIdle)
		a.maybeResumeAudio()
		return
	}

	note := &models.Note{
		ID:               uuid.New(),
		SessionID:        a.id,
		UserID:           a.userID,
		VideoID:          a.videoID,
		TimestampSeconds: m.timestampSeconds,
		Text:             res.Text,
		Category:         res.Category,
		Confidence:       res.Confidence,
		Enrichment:       models.EnrichmentNone,
		Status:           models.NoteStatusGhost,
	}
	if m.visual != nil {
		note.Enrichment = models.EnrichmentLocalEmbedding
		note.Embedding = m.visual.vector
		note.VisualContext = map[string]any{
			"frame_timestamp_seconds": m.visual.timestampSeconds,
			"device":                  m.visual.device,
		}
	}
	if err := a.createNoteWithRetry(note); err != nil {
		a.log.Error("persisting note failed", "session_id", a.id, "error", err)
		a.failPipelineAs("storage_unavailable", true, "persisting note failed")
		return
	}
	a.currentNote = note
	a.emitNote(bus.EventTypeNoteCreated, note, note.Confidence < a.pcfg.ConfidenceAutoPostThreshold)
	if a.transitionTo(models.SessionConfirming) {
		a.confirmTimer = time.NewTimer(a.cfg.ConfirmGrace)
	}
}
