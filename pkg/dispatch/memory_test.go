package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sotto-labs/sotto/pkg/models"
)

func newTestJob(kind models.JobKind, createdAt time.Time) *models.Job {
	return &models.Job{
		ID:          uuid.New(),
		Kind:        kind,
		NoteID:      uuid.New(),
		SessionID:   "sess-" + uuid.NewString()[:8],
		Payload:     map[string]any{},
		Status:      models.JobQueued,
		MaxAttempts: 3,
		RunAfter:    createdAt,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestMemoryStore_ClaimNext(t *testing.T) {
	ctx := context.Background()

	t.Run("claims oldest runnable job first", func(t *testing.T) {
		store := NewMemoryStore()
		base := time.Now().UTC()
		newer := newTestJob(models.JobPostNote, base.Add(time.Second))
		older := newTestJob(models.JobPostNote, base)
		require.NoError(t, store.Enqueue(ctx, newer))
		require.NoError(t, store.Enqueue(ctx, older))

		claimed, err := store.ClaimNext(ctx, "pod-a")
		require.NoError(t, err)
		assert.Equal(t, older.ID, claimed.ID)
		assert.Equal(t, models.JobRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		assert.Equal(t, "pod-a", claimed.ClaimedBy)
		assert.False(t, claimed.HeartbeatAt.IsZero())
	})

	t.Run("empty queue returns ErrNoJobsAvailable", func(t *testing.T) {
		store := NewMemoryStore()
		_, err := store.ClaimNext(ctx, "pod-a")
		assert.ErrorIs(t, err, ErrNoJobsAvailable)
	})

	t.Run("running jobs are not claimable twice", func(t *testing.T) {
		store := NewMemoryStore()
		job := newTestJob(models.JobPostNote, time.Now().UTC())
		require.NoError(t, store.Enqueue(ctx, job))

		_, err := store.ClaimNext(ctx, "pod-a")
		require.NoError(t, err)
		_, err = store.ClaimNext(ctx, "pod-b")
		assert.ErrorIs(t, err, ErrNoJobsAvailable)
	})

	t.Run("respects run_after", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Now().UTC()
		store.now = func() time.Time { return now }

		job := newTestJob(models.JobPostNote, now)
		job.RunAfter = now.Add(10 * time.Second)
		require.NoError(t, store.Enqueue(ctx, job))

		_, err := store.ClaimNext(ctx, "pod-a")
		assert.ErrorIs(t, err, ErrNoJobsAvailable)

		now = now.Add(11 * time.Second)
		claimed, err := store.ClaimNext(ctx, "pod-a")
		require.NoError(t, err)
		assert.Equal(t, job.ID, claimed.ID)
	})
}

func TestMemoryStore_Finalize(t *testing.T) {
	ctx := context.Background()

	claim := func(t *testing.T, store *MemoryStore) *models.Job {
		t.Helper()
		job := newTestJob(models.JobPostNote, time.Now().UTC())
		require.NoError(t, store.Enqueue(ctx, job))
		claimed, err := store.ClaimNext(ctx, "pod-a")
		require.NoError(t, err)
		return claimed
	}

	t.Run("mark succeeded", func(t *testing.T) {
		store := NewMemoryStore()
		job := claim(t, store)

		final, err := store.MarkSucceeded(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobSucceeded, final.Status)

		_, err = store.MarkSucceeded(ctx, job.ID)
		assert.ErrorIs(t, err, ErrJobNotFound, "finalizing twice must fail")
	})

	t.Run("mark failed requeues while attempts remain", func(t *testing.T) {
		store := NewMemoryStore()
		job := claim(t, store)
		runAfter := time.Now().UTC().Add(10 * time.Second)

		final, err := store.MarkFailed(ctx, job.ID, "webhook returned 500", runAfter)
		require.NoError(t, err)
		assert.Equal(t, models.JobQueued, final.Status)
		assert.Equal(t, "webhook returned 500", final.LastError)
		assert.Equal(t, runAfter, final.RunAfter)
		assert.Empty(t, final.ClaimedBy)
		assert.Equal(t, 1, final.Attempts)
	})

	t.Run("mark failed dead-letters on the last attempt", func(t *testing.T) {
		store := NewMemoryStore()
		job := newTestJob(models.JobPostNote, time.Now().UTC())
		job.MaxAttempts = 1
		require.NoError(t, store.Enqueue(ctx, job))
		claimed, err := store.ClaimNext(ctx, "pod-a")
		require.NoError(t, err)

		final, err := store.MarkFailed(ctx, claimed.ID, "still broken", time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, models.JobDeadLetter, final.Status)
	})

	t.Run("mark failed permanent skips remaining attempts", func(t *testing.T) {
		store := NewMemoryStore()
		job := claim(t, store)

		final, err := store.MarkFailedPermanent(ctx, job.ID, "note no longer exists")
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, final.Status)
		assert.Equal(t, 1, final.Attempts)

		_, err = store.ClaimNext(ctx, "pod-a")
		assert.ErrorIs(t, err, ErrNoJobsAvailable)
	})

	t.Run("heartbeat refreshes running jobs only", func(t *testing.T) {
		store := NewMemoryStore()
		job := claim(t, store)

		require.NoError(t, store.Heartbeat(ctx, job.ID))

		_, err := store.MarkSucceeded(ctx, job.ID)
		require.NoError(t, err)
		assert.ErrorIs(t, store.Heartbeat(ctx, job.ID), ErrJobNotFound)
	})
}

func TestMemoryStore_Rescue(t *testing.T) {
	ctx := context.Background()

	t.Run("requeues stale-heartbeat jobs and parks exhausted ones", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Now().UTC()
		store.now = func() time.Time { return now }

		fresh := newTestJob(models.JobPostNote, now)
		stale := newTestJob(models.JobPostNote, now.Add(time.Second))
		exhausted := newTestJob(models.JobRefineWithVision, now.Add(2*time.Second))
		exhausted.MaxAttempts = 1
		for _, j := range []*models.Job{fresh, stale, exhausted} {
			require.NoError(t, store.Enqueue(ctx, j))
		}

		// Claim all three, then age the heartbeats of two of them.
		claimedAt := now
		for range 3 {
			_, err := store.ClaimNext(ctx, "pod-a")
			require.NoError(t, err)
		}
		now = claimedAt.Add(5 * time.Minute)
		require.NoError(t, store.Heartbeat(ctx, fresh.ID))

		rescued, err := store.RequeueOrphans(ctx, now.Add(-2*time.Minute))
		require.NoError(t, err)
		require.Len(t, rescued, 2)

		byID := map[uuid.UUID]*models.Job{}
		for _, j := range rescued {
			byID[j.ID] = j
		}
		require.Contains(t, byID, stale.ID)
		require.Contains(t, byID, exhausted.ID)
		assert.Equal(t, models.JobQueued, byID[stale.ID].Status)
		assert.Equal(t, models.JobDeadLetter, byID[exhausted.ID].Status)

		got, err := store.Get(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobRunning, got.Status, "fresh heartbeat must not be rescued")
	})

	t.Run("requeues jobs owned by a restarted replica", func(t *testing.T) {
		store := NewMemoryStore()
		mine := newTestJob(models.JobPostNote, time.Now().UTC())
		theirs := newTestJob(models.JobPostNote, time.Now().UTC().Add(time.Second))
		require.NoError(t, store.Enqueue(ctx, mine))
		require.NoError(t, store.Enqueue(ctx, theirs))

		_, err := store.ClaimNext(ctx, "pod-a")
		require.NoError(t, err)
		_, err = store.ClaimNext(ctx, "pod-b")
		require.NoError(t, err)

		rescued, err := store.RequeueOwnedBy(ctx, "pod-a")
		require.NoError(t, err)
		require.Len(t, rescued, 1)
		assert.Equal(t, mine.ID, rescued[0].ID)
		assert.Equal(t, models.JobQueued, rescued[0].Status)

		got, err := store.Get(ctx, theirs.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobRunning, got.Status)
	})
}

func TestMemoryStore_Queries(t *testing.T) {
	ctx := context.Background()

	t.Run("latest by note", func(t *testing.T) {
		store := NewMemoryStore()
		noteID := uuid.New()
		older := newTestJob(models.JobPostNote, time.Now().UTC())
		older.NoteID = noteID
		newer := newTestJob(models.JobPostNote, time.Now().UTC().Add(time.Second))
		newer.NoteID = noteID
		other := newTestJob(models.JobRefineWithVision, time.Now().UTC().Add(2*time.Second))
		other.NoteID = noteID
		for _, j := range []*models.Job{older, newer, other} {
			require.NoError(t, store.Enqueue(ctx, j))
		}

		got, err := store.LatestByNote(ctx, models.JobPostNote, noteID)
		require.NoError(t, err)
		assert.Equal(t, newer.ID, got.ID)

		_, err = store.LatestByNote(ctx, models.JobPostNote, uuid.New())
		assert.ErrorIs(t, err, ErrJobNotFound)
	})

	t.Run("queue depth counts queued jobs only", func(t *testing.T) {
		store := NewMemoryStore()
		for i := range 3 {
			require.NoError(t, store.Enqueue(ctx, newTestJob(models.JobPostNote, time.Now().UTC().Add(time.Duration(i)*time.Second))))
		}
		_, err := store.ClaimNext(ctx, "pod-a")
		require.NoError(t, err)

		depth, err := store.QueueDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, depth)
	})

	t.Run("delete terminal before cutoff", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Now().UTC()
		store.now = func() time.Time { return now }

		done := newTestJob(models.JobPostNote, now)
		pending := newTestJob(models.JobPostNote, now.Add(time.Second))
		require.NoError(t, store.Enqueue(ctx, done))
		require.NoError(t, store.Enqueue(ctx, pending))

		claimed, err := store.ClaimNext(ctx, "pod-a")
		require.NoError(t, err)
		require.Equal(t, done.ID, claimed.ID)
		_, err = store.MarkSucceeded(ctx, done.ID)
		require.NoError(t, err)

		deleted, err := store.DeleteTerminalBefore(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = store.Get(ctx, done.ID)
		assert.ErrorIs(t, err, ErrJobNotFound)
		_, err = store.Get(ctx, pending.ID)
		assert.NoError(t, err)
	})
}
