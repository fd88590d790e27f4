package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sotto-labs/sotto/pkg/models"
)

// PostgresStore is the production job store backed by the jobs table.
// Claiming relies on FOR UPDATE SKIP LOCKED so replicas never hand the
// same job to two workers.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a job store on the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const jobColumns = `id, kind, note_id, session_id, payload, status, attempts,
	max_attempts, last_error, claimed_by, run_after, heartbeat_at, created_at, updated_at`

func (s *PostgresStore) Enqueue(ctx context.Context, job *models.Job) error {
	const q = `
		INSERT INTO jobs
		    (id, kind, note_id, session_id, payload, status, attempts,
		     max_attempts, last_error, claimed_by, run_after, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	payload := job.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	_, err := s.pool.Exec(ctx, q,
		job.ID,
		job.Kind,
		job.NoteID,
		job.SessionID,
		payload,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.LastError,
		job.ClaimedBy,
		job.RunAfter,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("job store: enqueue: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("job store: get: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) LatestByNote(ctx context.Context, kind models.JobKind, noteID uuid.UUID) (*models.Job, error) {
	const q = `
		SELECT ` + jobColumns + `
		FROM   jobs
		WHERE  kind = $1 AND note_id = $2
		ORDER  BY created_at DESC
		LIMIT  1`

	job, err := scanJob(s.pool.QueryRow(ctx, q, kind, noteID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("job store: latest by note: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, claimedBy string) (*models.Job, error) {
	// Single-statement claim: the locked CTE row is invisible to
	// concurrent claimers, so no two workers ever run the same job.
	const q = `
		WITH next AS (
			SELECT id
			FROM   jobs
			WHERE  status = 'queued' AND run_after <= now()
			ORDER  BY created_at
			LIMIT  1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobs j
		SET    status = 'running',
		       attempts = j.attempts + 1,
		       claimed_by = $1,
		       heartbeat_at = now(),
		       updated_at = now()
		FROM   next
		WHERE  j.id = next.id
		RETURNING j.id, j.kind, j.note_id, j.session_id, j.payload, j.status,
		          j.attempts, j.max_attempts, j.last_error, j.claimed_by,
		          j.run_after, j.heartbeat_at, j.created_at, j.updated_at`

	job, err := scanJob(s.pool.QueryRow(ctx, q, claimedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("job store: claim: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id uuid.UUID) error {
	const q = `
		UPDATE jobs
		SET    heartbeat_at = now(), updated_at = now()
		WHERE  id = $1 AND status = 'running'`

	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("job store: heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) MarkSucceeded(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	const q = `
		UPDATE jobs
		SET    status = 'succeeded', last_error = '', updated_at = now()
		WHERE  id = $1 AND status = 'running'
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("job store: mark succeeded: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id uuid.UUID, jobErr string, runAfter time.Time) (*models.Job, error) {
	// The claim already counted this attempt, so exhaustion is
	// attempts >= max_attempts.
	const q = `
		UPDATE jobs
		SET    status = CASE WHEN attempts >= max_attempts
		                     THEN 'dead_letter' ELSE 'queued' END,
		       last_error = $2,
		       run_after = $3,
		       claimed_by = '',
		       updated_at = now()
		WHERE  id = $1 AND status = 'running'
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, q, id, jobErr, runAfter))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("job store: mark failed: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) MarkFailedPermanent(ctx context.Context, id uuid.UUID, jobErr string) (*models.Job, error) {
	const q = `
		UPDATE jobs
		SET    status = 'failed', last_error = $2, updated_at = now()
		WHERE  id = $1 AND status = 'running'
		RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, q, id, jobErr))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("job store: mark failed permanent: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) RequeueOrphans(ctx context.Context, staleBefore time.Time) ([]*models.Job, error) {
	return s.rescue(ctx,
		`status = 'running' AND heartbeat_at IS NOT NULL AND heartbeat_at < $2`,
		"orphaned: heartbeat stale", staleBefore)
}

func (s *PostgresStore) RequeueOwnedBy(ctx context.Context, claimedBy string) ([]*models.Job, error) {
	return s.rescue(ctx,
		`status = 'running' AND claimed_by = $2`,
		"orphaned: owner restarted", claimedBy)
}

// rescue moves stuck running jobs back to queued, or to dead_letter when
// their attempts are spent. Both orphan paths share it.
func (s *PostgresStore) rescue(ctx context.Context, where, reason string, arg any) ([]*models.Job, error) {
	q := `
		UPDATE jobs
		SET    status = CASE WHEN attempts >= max_attempts
		                     THEN 'dead_letter' ELSE 'queued' END,
		       last_error = $1,
		       run_after = now(),
		       claimed_by = '',
		       updated_at = now()
		WHERE  ` + where + `
		RETURNING ` + jobColumns

	rows, err := s.pool.Query(ctx, q, reason, arg)
	if err != nil {
		return nil, fmt.Errorf("job store: rescue: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Job, error) {
		return scanJob(row)
	})
	if err != nil {
		return nil, fmt.Errorf("job store: rescue: scan: %w", err)
	}
	return jobs, nil
}

func (s *PostgresStore) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE status = 'queued'`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("job store: queue depth: %w", err)
	}
	return depth, nil
}

func (s *PostgresStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `
		DELETE FROM jobs
		WHERE  status IN ('succeeded', 'failed', 'dead_letter')
		  AND  updated_at < $1`

	tag, err := s.pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("job store: delete terminal: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanJob scans a single row in jobColumns order.
func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j  models.Job
		hb *time.Time
	)
	if err := row.Scan(
		&j.ID,
		&j.Kind,
		&j.NoteID,
		&j.SessionID,
		&j.Payload,
		&j.Status,
		&j.Attempts,
		&j.MaxAttempts,
		&j.LastError,
		&j.ClaimedBy,
		&j.RunAfter,
		&hb,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if hb != nil {
		j.HeartbeatAt = *hb
	}
	return &j, nil
}
