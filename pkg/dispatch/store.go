package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/models"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no claimable jobs are in the queue.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrJobNotFound indicates the job id does not exist, or the job is no
	// longer in the state the operation requires.
	ErrJobNotFound = errors.New("job not found")

	// ErrPermanent marks an executor failure that no retry can fix. The
	// worker parks the job as failed without consuming the remaining
	// attempts.
	ErrPermanent = errors.New("permanent failure")
)

// Store persists jobs and hands them to workers. Claiming is atomic
// across replicas; a claimed job counts the attempt immediately so a
// crash between claim and finalize still burns it.
type Store interface {
	// Enqueue persists a new job in the queued state.
	Enqueue(ctx context.Context, job *models.Job) error

	// Get loads one job by id.
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// LatestByNote returns the most recently created job for (kind, note),
	// used to resolve idempotent resubmissions to the job they collapsed
	// into.
	LatestByNote(ctx context.Context, kind models.JobKind, noteID uuid.UUID) (*models.Job, error)

	// ClaimNext atomically claims the oldest runnable queued job: it moves
	// to running, attempts increments, and claimedBy records the owner.
	// Returns ErrNoJobsAvailable when the queue is empty.
	ClaimNext(ctx context.Context, claimedBy string) (*models.Job, error)

	// Heartbeat refreshes the claim on a running job so the orphan scan
	// leaves it alone.
	Heartbeat(ctx context.Context, id uuid.UUID) error

	// MarkSucceeded finalizes a running job as succeeded.
	MarkSucceeded(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// MarkFailed records a failed attempt on a running job: the job
	// requeues with runAfter when attempts remain, otherwise it parks as
	// dead_letter.
	MarkFailed(ctx context.Context, id uuid.UUID, jobErr string, runAfter time.Time) (*models.Job, error)

	// MarkFailedPermanent finalizes a running job as failed, skipping any
	// remaining attempts.
	MarkFailedPermanent(ctx context.Context, id uuid.UUID, jobErr string) (*models.Job, error)

	// RequeueOrphans rescues running jobs whose heartbeat went stale
	// before staleBefore: jobs with attempts remaining go back to queued,
	// exhausted ones park as dead_letter. Returns the rescued jobs in
	// their new states.
	RequeueOrphans(ctx context.Context, staleBefore time.Time) ([]*models.Job, error)

	// RequeueOwnedBy rescues running jobs claimed by the given owner,
	// called once at startup to recover from a previous crash of this
	// replica. Same attempt rules as RequeueOrphans.
	RequeueOwnedBy(ctx context.Context, claimedBy string) ([]*models.Job, error)

	// QueueDepth counts jobs currently waiting to run.
	QueueDepth(ctx context.Context) (int, error)

	// DeleteTerminalBefore removes terminal jobs last updated before the
	// cutoff. The retention sweeper calls this.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
