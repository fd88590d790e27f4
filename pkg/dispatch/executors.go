package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/notestore"
	"github.com/sotto-labs/sotto/pkg/pipeline"
	"github.com/sotto-labs/sotto/pkg/structure"
)

// Poster delivers a finished note to the external tracker and returns
// the permalink the tracker assigned.
type Poster interface {
	Post(ctx context.Context, note *models.Note) (string, error)
}

// PostNoteExecutor walks a note through the posting lifecycle:
// queued_for_posting → posting → posted, or posting → failed on the
// final attempt. A redelivered job finds the note already posted (or
// archived) and does nothing.
type PostNoteExecutor struct {
	notes  notestore.Store
	poster Poster
	bus    *bus.Bus
	logger *slog.Logger
}

var _ Executor = (*PostNoteExecutor)(nil)

// NewPostNoteExecutor creates the post_note executor.
func NewPostNoteExecutor(notes notestore.Store, poster Poster, eventBus *bus.Bus, logger *slog.Logger) *PostNoteExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostNoteExecutor{
		notes:  notes,
		poster: poster,
		bus:    eventBus,
		logger: logger.With("executor", models.JobPostNote),
	}
}

func (e *PostNoteExecutor) Execute(ctx context.Context, job *models.Job) error {
	note, err := e.notes.Get(ctx, job.NoteID)
	if err != nil {
		if errors.Is(err, notestore.ErrNotFound) {
			return fmt.Errorf("%w: note %s no longer exists", ErrPermanent, job.NoteID)
		}
		return fmt.Errorf("loading note %s: %w", job.NoteID, err)
	}

	switch note.Status {
	case models.NoteStatusPosted, models.NoteStatusFailed, models.NoteStatusArchived:
		// Terminal already; redelivery is a no-op.
		e.logger.Info("note already terminal, skipping post",
			"job_id", job.ID, "note_id", note.ID, "status", note.Status)
		return nil
	case models.NoteStatusQueuedForPosting:
		st := models.NoteStatusPosting
		note, err = e.updateNote(ctx, note, models.NotePatch{Status: &st})
		if err != nil {
			return fmt.Errorf("advancing note %s to posting: %w", note.ID, err)
		}
	case models.NoteStatusPosting:
		// A previous attempt died mid-post; try again.
	default:
		return fmt.Errorf("%w: note %s is %s, not queued for posting",
			ErrPermanent, note.ID, note.Status)
	}

	permalink, err := e.poster.Post(ctx, note)
	if err != nil {
		if job.Attempts >= job.MaxAttempts || errors.Is(err, ErrPermanent) {
			// Out of attempts; park the note so the UI shows the failure.
			st := models.NoteStatusFailed
			reason := err.Error()
			if _, uerr := e.updateNote(ctx, note, models.NotePatch{Status: &st, ErrorReason: &reason}); uerr != nil {
				e.logger.Error("marking note failed after exhausted post attempts",
					"note_id", note.ID, "error", uerr)
			}
		}
		return fmt.Errorf("posting note %s: %w", note.ID, err)
	}

	st := models.NoteStatusPosted
	if _, err := e.updateNote(ctx, note, models.NotePatch{Status: &st, ExternalPermalink: &permalink}); err != nil {
		// The external post landed but the record did not; retrying the
		// job is safe because posted notes short-circuit above.
		return fmt.Errorf("recording posted note %s: %w", note.ID, err)
	}

	e.logger.Info("note posted",
		"job_id", job.ID, "note_id", note.ID, "permalink", permalink)
	return nil
}

func (e *PostNoteExecutor) updateNote(ctx context.Context, note *models.Note, patch models.NotePatch) (*models.Note, error) {
	return applyNotePatch(ctx, e.notes, e.bus, note, patch)
}

// RefineExecutor re-structures a note using its stored visual context,
// updating text, category, and confidence and stamping the enrichment
// source. Archived notes are left alone.
type RefineExecutor struct {
	notes      notestore.Store
	structurer structure.Client
	bus        *bus.Bus
	logger     *slog.Logger
}

var _ Executor = (*RefineExecutor)(nil)

// NewRefineExecutor creates the refine_with_vision executor.
func NewRefineExecutor(notes notestore.Store, structurer structure.Client, eventBus *bus.Bus, logger *slog.Logger) *RefineExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefineExecutor{
		notes:      notes,
		structurer: structurer,
		bus:        eventBus,
		logger:     logger.With("executor", models.JobRefineWithVision),
	}
}

func (e *RefineExecutor) Execute(ctx context.Context, job *models.Job) error {
	note, err := e.notes.Get(ctx, job.NoteID)
	if err != nil {
		if errors.Is(err, notestore.ErrNotFound) {
			return fmt.Errorf("%w: note %s no longer exists", ErrPermanent, job.NoteID)
		}
		return fmt.Errorf("loading note %s: %w", job.NoteID, err)
	}
	if note.Status == models.NoteStatusArchived {
		e.logger.Info("note archived, skipping refinement",
			"job_id", job.ID, "note_id", note.ID)
		return nil
	}

	result, err := e.structurer.Structure(ctx, structure.Request{
		Transcript:     note.Text,
		VideoTimestamp: note.TimestampSeconds,
		VisualContext:  note.VisualContext,
		CorrelationID:  "job:" + job.ID.String(),
	})
	if err != nil {
		if !pipeline.Retriable(err) && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: refining note %s: %v", ErrPermanent, note.ID, err)
		}
		return fmt.Errorf("refining note %s: %w", note.ID, err)
	}

	enrichment := models.EnrichmentCloudVision
	if _, err := applyNotePatch(ctx, e.notes, e.bus, note, models.NotePatch{
		Text:       &result.Text,
		Category:   &result.Category,
		Confidence: &result.Confidence,
		Enrichment: &enrichment,
	}); err != nil {
		return fmt.Errorf("recording refined note %s: %w", note.ID, err)
	}

	e.logger.Info("note refined with visual context",
		"job_id", job.ID, "note_id", note.ID,
		"category", result.Category, "confidence", result.Confidence)
	return nil
}

// applyNotePatch persists a patch and announces the new revision on the
// video and note topics.
func applyNotePatch(ctx context.Context, notes notestore.Store, eventBus *bus.Bus, note *models.Note, patch models.NotePatch) (*models.Note, error) {
	updated, err := notes.Update(ctx, note.ID, patch)
	if err != nil {
		return nil, err
	}

	ev := bus.Event{
		Type:      bus.EventTypeNoteUpdated,
		SessionID: updated.SessionID,
		Payload:   bus.NotePayload{Note: updated},
	}
	eventBus.Publish(bus.VideoTopic(updated.VideoID), ev)
	eventBus.Publish(bus.NoteTopic(updated.ID.String()), ev)
	return updated, nil
}

// WebhookPoster delivers notes as JSON to a configured HTTP endpoint.
// A 2xx response with a permalink field completes the post; non-429
// client errors are permanent.
type WebhookPoster struct {
	url    string
	client *http.Client
}

var _ Poster = (*WebhookPoster)(nil)

// NewWebhookPoster creates a poster for the given webhook URL. A nil
// client gets a 30 second timeout.
func NewWebhookPoster(url string, client *http.Client) *WebhookPoster {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebhookPoster{url: url, client: client}
}

func (p *WebhookPoster) Post(ctx context.Context, note *models.Note) (string, error) {
	body, err := json.Marshal(note)
	if err != nil {
		return "", fmt.Errorf("%w: encoding note: %v", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: building request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// Accepted below.
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: webhook returned %d", ErrPermanent, resp.StatusCode)
	}

	var ack struct {
		Permalink string `json:"permalink"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ack); err != nil {
		// Tracker accepted the note but sent no usable body; the post
		// still counts.
		return "", nil
	}
	return ack.Permalink, nil
}

// LogPoster is the dev-mode poster: it logs the note and succeeds
// without leaving the process.
type LogPoster struct {
	logger *slog.Logger
}

var _ Poster = (*LogPoster)(nil)

// NewLogPoster creates a poster that only logs.
func NewLogPoster(logger *slog.Logger) *LogPoster {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPoster{logger: logger}
}

func (p *LogPoster) Post(_ context.Context, note *models.Note) (string, error) {
	p.logger.Info("note post (log poster)",
		"note_id", note.ID,
		"video_id", note.VideoID,
		"category", note.Category,
		"text", note.Text)
	return "", nil
}
