// Package dispatch provides the persistent job queue and its worker pool.
//
// Jobs are retriable units of background work tied to a note: posting a
// firmed note to the external tracker, or re-structuring a note with its
// stored visual context. Submissions dedupe through an idempotency guard
// keyed by (kind, note_id); execution happens on a pool of polling
// workers that claim jobs with FOR UPDATE SKIP LOCKED, heartbeat while
// running, and requeue with exponential delay on failure until attempts
// run out and the job dead-letters. Every persisted status change is
// published as a job.status event on the note and session job topics.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/config"
	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/notestore"
)

// Executor runs one kind of job. Implementations consult the note's
// current status first so a redelivered job is a no-op, and wrap
// unfixable failures in ErrPermanent.
type Executor interface {
	Execute(ctx context.Context, job *models.Job) error
}

// Dispatcher accepts job submissions and owns the executor registry the
// worker pool draws from. It implements notestore.JobSubmitter.
type Dispatcher struct {
	store     Store
	guard     Guard
	bus       *bus.Bus
	cfg       *config.DispatchConfig
	executors map[models.JobKind]Executor
	logger    *slog.Logger
}

var _ notestore.JobSubmitter = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher. Executors are registered
// separately, before the worker pool starts.
func NewDispatcher(store Store, guard Guard, eventBus *bus.Bus, cfg *config.DispatchConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		guard:     guard,
		bus:       eventBus,
		cfg:       cfg,
		executors: make(map[models.JobKind]Executor),
		logger:    logger.With("component", "dispatch"),
	}
}

// Register binds an executor to a job kind. Not safe to call once the
// worker pool is running.
func (d *Dispatcher) Register(kind models.JobKind, exec Executor) {
	d.executors[kind] = exec
}

// Enqueue persists a job for the note unless an identical submission is
// still inside the idempotency window, in which case the job it collapsed
// into is returned and the bool is false.
func (d *Dispatcher) Enqueue(ctx context.Context, kind models.JobKind, note *models.Note, payload map[string]any) (*models.Job, bool, error) {
	if !kind.Valid() {
		return nil, false, fmt.Errorf("unknown job kind %q", kind)
	}

	key := models.IdempotencyKey(kind, note.ID)
	acquired, err := d.guard.Acquire(ctx, key, d.cfg.IdempotencyTTL)
	if err != nil {
		// A broken guard must not block posting; duplicates are absorbed
		// by the executors' status checks.
		d.logger.Warn("idempotency guard unavailable, proceeding without dedupe",
			"key", key, "error", err)
		acquired = true
	}
	if !acquired {
		existing, err := d.store.LatestByNote(ctx, kind, note.ID)
		if err == nil {
			d.logger.Info("duplicate job submission suppressed",
				"kind", kind, "note_id", note.ID, "job_id", existing.ID)
			return existing, false, nil
		}
		// Guard held but no job on record (raced a retention sweep);
		// fall through and enqueue a fresh one.
		d.logger.Warn("guard held with no matching job, enqueueing anyway",
			"key", key, "error", err)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	now := time.Now().UTC()
	job := &models.Job{
		ID:          uuid.New(),
		Kind:        kind,
		NoteID:      note.ID,
		SessionID:   note.SessionID,
		Payload:     payload,
		Status:      models.JobQueued,
		MaxAttempts: d.cfg.MaxAttempts,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.store.Enqueue(ctx, job); err != nil {
		return nil, false, fmt.Errorf("enqueueing %s job: %w", kind, err)
	}

	d.publishJobStatus(job, "")
	d.logger.Info("job enqueued",
		"job_id", job.ID, "kind", kind, "note_id", note.ID, "session_id", note.SessionID)
	return job, true, nil
}

// SubmitPostNote queues the note for delivery to the external tracker.
func (d *Dispatcher) SubmitPostNote(ctx context.Context, note *models.Note) (*models.Job, error) {
	job, _, err := d.Enqueue(ctx, models.JobPostNote, note, nil)
	return job, err
}

// SubmitRefineWithVision queues a re-structuring pass over the note using
// its stored visual context.
func (d *Dispatcher) SubmitRefineWithVision(ctx context.Context, note *models.Note) (*models.Job, error) {
	job, _, err := d.Enqueue(ctx, models.JobRefineWithVision, note, nil)
	return job, err
}

// Get loads one job by id.
func (d *Dispatcher) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return d.store.Get(ctx, id)
}

// execute runs the job through its registered executor.
func (d *Dispatcher) execute(ctx context.Context, job *models.Job) error {
	exec, ok := d.executors[job.Kind]
	if !ok {
		return fmt.Errorf("%w: no executor registered for kind %q", ErrPermanent, job.Kind)
	}
	return exec.Execute(ctx, job)
}

// publishJobStatus fans the job's persisted status out to the note topic
// (UI fan-out) and the session jobs topic (bridged into the actor's
// mailbox).
func (d *Dispatcher) publishJobStatus(job *models.Job, detail string) {
	ev := bus.Event{
		Type:      bus.EventTypeJobStatus,
		SessionID: job.SessionID,
		Payload: bus.JobStatusPayload{
			JobID:  job.ID,
			NoteID: job.NoteID,
			Kind:   job.Kind,
			Status: job.Status,
			Detail: detail,
		},
	}
	d.bus.Publish(bus.NoteTopic(job.NoteID.String()), ev)
	if job.SessionID != "" {
		d.bus.Publish(bus.JobsTopic(job.SessionID), ev)
	}
}
