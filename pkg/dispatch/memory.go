package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/models"
)

// MemoryStore is an in-memory job store with the same claim and requeue
// semantics as PostgresStore, for tests and single-process dev mode.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job

	// now is swappable so tests can steer run_after and heartbeat math.
	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*models.Job),
		now:  time.Now,
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) LatestByNote(_ context.Context, kind models.JobKind, noteID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.Job
	for _, job := range s.jobs {
		if job.Kind != kind || job.NoteID != noteID {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, ErrJobNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ClaimNext(_ context.Context, claimedBy string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var runnable []*models.Job
	for _, job := range s.jobs {
		if job.Status == models.JobQueued && !job.RunAfter.After(now) {
			runnable = append(runnable, job)
		}
	}
	if len(runnable) == 0 {
		return nil, ErrNoJobsAvailable
	}
	sort.Slice(runnable, func(i, j int) bool {
		return runnable[i].CreatedAt.Before(runnable[j].CreatedAt)
	})

	job := runnable[0]
	job.Status = models.JobRunning
	job.Attempts++
	job.ClaimedBy = claimedBy
	job.HeartbeatAt = now
	job.UpdatedAt = now
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobRunning {
		return ErrJobNotFound
	}
	now := s.now().UTC()
	job.HeartbeatAt = now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) MarkSucceeded(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobRunning {
		return nil, ErrJobNotFound
	}
	job.Status = models.JobSucceeded
	job.LastError = ""
	job.UpdatedAt = s.now().UTC()
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) MarkFailed(_ context.Context, id uuid.UUID, jobErr string, runAfter time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobRunning {
		return nil, ErrJobNotFound
	}
	if job.Attempts >= job.MaxAttempts {
		job.Status = models.JobDeadLetter
	} else {
		job.Status = models.JobQueued
	}
	job.LastError = jobErr
	job.RunAfter = runAfter
	job.ClaimedBy = ""
	job.UpdatedAt = s.now().UTC()
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) MarkFailedPermanent(_ context.Context, id uuid.UUID, jobErr string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != models.JobRunning {
		return nil, ErrJobNotFound
	}
	job.Status = models.JobFailed
	job.LastError = jobErr
	job.UpdatedAt = s.now().UTC()
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) RequeueOrphans(_ context.Context, staleBefore time.Time) ([]*models.Job, error) {
	return s.rescue(func(job *models.Job) bool {
		return !job.HeartbeatAt.IsZero() && job.HeartbeatAt.Before(staleBefore)
	}, "orphaned: heartbeat stale")
}

func (s *MemoryStore) RequeueOwnedBy(_ context.Context, claimedBy string) ([]*models.Job, error) {
	return s.rescue(func(job *models.Job) bool {
		return job.ClaimedBy == claimedBy
	}, "orphaned: owner restarted")
}

func (s *MemoryStore) rescue(match func(*models.Job) bool, reason string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var rescued []*models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobRunning || !match(job) {
			continue
		}
		if job.Attempts >= job.MaxAttempts {
			job.Status = models.JobDeadLetter
		} else {
			job.Status = models.JobQueued
		}
		job.LastError = reason
		job.RunAfter = now
		job.ClaimedBy = ""
		job.UpdatedAt = now
		cp := *job
		rescued = append(rescued, &cp)
	}
	return rescued, nil
}

func (s *MemoryStore) QueueDepth(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := 0
	for _, job := range s.jobs {
		if job.Status == models.JobQueued {
			depth++
		}
	}
	return depth, nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}
