package notestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/models"
)

// ErrNotPostable is returned when a posting request targets a note whose
// status does not admit posting.
var ErrNotPostable = errors.New("note is not in a postable state")

// JobSubmitter hands background work to the dispatch layer. Implemented
// by dispatch.Dispatcher; declared here so the note service stays
// decoupled from queue internals.
type JobSubmitter interface {
	SubmitPostNote(ctx context.Context, note *models.Note) (*models.Job, error)
	SubmitRefineWithVision(ctx context.Context, note *models.Note) (*models.Job, error)
}

// Service exposes note reads and the mutations reachable from the REST
// surface: archive, manual posting, and vision refinement. Mutations
// enforce the note lifecycle and publish change events on the video and
// note topics.
//
// Session-stream events (sequenced, replayable) are the actor's job;
// this service only feeds the unsequenced fan-out topics.
type Service struct {
	store             Store
	bus               *bus.Bus
	jobs              JobSubmitter
	autoPostThreshold float64
}

// NewService creates a note service.
func NewService(store Store, eventBus *bus.Bus, jobs JobSubmitter, autoPostThreshold float64) *Service {
	if store == nil {
		panic("notestore.NewService: store must not be nil")
	}
	if eventBus == nil {
		panic("notestore.NewService: eventBus must not be nil")
	}
	if jobs == nil {
		panic("notestore.NewService: jobs must not be nil")
	}
	return &Service{
		store:             store,
		bus:               eventBus,
		jobs:              jobs,
		autoPostThreshold: autoPostThreshold,
	}
}

// Get returns a note by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Note, error) {
	return s.store.Get(ctx, id)
}

// ListByVideo returns notes for a video ordered by video timestamp.
func (s *Service) ListByVideo(ctx context.Context, videoID string, opts models.NoteListOpts) ([]*models.Note, error) {
	return s.store.ListByVideo(ctx, videoID, opts)
}

// Archive moves a note to archived. Archiving an already archived note
// is a no-op; notes in the posting pipeline past queued_for_posting
// cannot be archived.
func (s *Service) Archive(ctx context.Context, id uuid.UUID) (*models.Note, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == models.NoteStatusArchived {
		return current, nil
	}

	status := models.NoteStatusArchived
	note, err := s.store.Update(ctx, id, models.NotePatch{Status: &status})
	if err != nil {
		return nil, err
	}

	ev := bus.Event{
		Type:      bus.EventTypeNoteArchived,
		SessionID: note.SessionID,
		Payload:   bus.NoteArchivedPayload{NoteID: note.ID},
		At:        time.Now().UTC(),
	}
	s.bus.Publish(bus.VideoTopic(note.VideoID), ev)
	s.bus.Publish(bus.NoteTopic(note.ID.String()), ev)

	return note, nil
}

// RequestPost queues a firmed note for posting and submits the
// background job. Duplicate submissions inside the idempotency window
// collapse into one execution.
func (s *Service) RequestPost(ctx context.Context, id uuid.UUID) (*models.Note, *models.Job, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !current.Status.CanAdvance(models.NoteStatusQueuedForPosting) {
		return nil, nil, fmt.Errorf("%w: status %s", ErrNotPostable, current.Status)
	}

	status := models.NoteStatusQueuedForPosting
	note, err := s.store.Update(ctx, id, models.NotePatch{Status: &status})
	if err != nil {
		return nil, nil, err
	}
	s.publishNoteUpdated(note)

	job, err := s.jobs.SubmitPostNote(ctx, note)
	if err != nil {
		// The note stays queued; the dispatcher's orphan scan will not
		// find it, so surface the submission failure to the caller.
		return note, nil, fmt.Errorf("failed to submit post_note job: %w", err)
	}

	slog.Info("note queued for posting",
		"note_id", note.ID,
		"job_id", job.ID,
		"session_id", note.SessionID)

	return note, job, nil
}

// RequestRefine submits a refine_with_vision job for a note. The note's
// status is unchanged; refinement is additive and lands as an update
// when the job completes.
func (s *Service) RequestRefine(ctx context.Context, id uuid.UUID) (*models.Note, *models.Job, error) {
	note, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if note.Status.Terminal() && note.Status != models.NoteStatusPosted {
		return nil, nil, fmt.Errorf("%w: status %s", ErrInvalidTransition, note.Status)
	}

	job, err := s.jobs.SubmitRefineWithVision(ctx, note)
	if err != nil {
		return note, nil, fmt.Errorf("failed to submit refine_with_vision job: %w", err)
	}

	slog.Info("note refinement requested",
		"note_id", note.ID,
		"job_id", job.ID,
		"session_id", note.SessionID)

	return note, job, nil
}

func (s *Service) publishNoteUpdated(note *models.Note) {
	ev := bus.Event{
		Type:      bus.EventTypeNoteUpdated,
		SessionID: note.SessionID,
		Payload: bus.NotePayload{
			Note:          note,
			LowConfidence: note.Confidence < s.autoPostThreshold,
		},
		At: time.Now().UTC(),
	}
	s.bus.Publish(bus.VideoTopic(note.VideoID), ev)
	s.bus.Publish(bus.NoteTopic(note.ID.String()), ev)
}
