package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sotto-labs/sotto/pkg/dispatch"
	"github.com/sotto-labs/sotto/pkg/models"
	testdb "github.com/sotto-labs/sotto/test/database"
)

func newJob(kind models.JobKind, createdAt time.Time) *models.Job {
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

func TestJobStorePostgres_Claim(t *testing.T) {
	skipShort(t)
	store := dispatch.NewPostgresStore(testdb.NewTestPool(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	t.Run("claims oldest runnable job and counts the attempt", func(t *testing.T) {
		newer := newJob(models.JobPostNote, base.Add(time.Second))
		older := newJob(models.JobPostNote, base)
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

	t.Run("future run_after is not claimable", func(t *testing.T) {
		store := dispatch.NewPostgresStore(testdb.NewTestPool(t))
		deferred := newJob(models.JobPostNote, base)
		deferred.RunAfter = time.Now().UTC().Add(time.Hour)
		require.NoError(t, store.Enqueue(ctx, deferred))

		_, err := store.ClaimNext(ctx, "pod-a")
		assert.ErrorIs(t, err, dispatch.ErrNoJobsAvailable)
	})

	t.Run("concurrent claimers never share a job", func(t *testing.T) {
		store := dispatch.NewPostgresStore(testdb.NewTestPool(t))
		const jobs = 8
		for i := 0; i < jobs; i++ {
			require.NoError(t, store.Enqueue(ctx, newJob(models.JobPostNote, base.Add(time.Duration(i)*time.Millisecond))))
		}

		var (
			mu      sync.Mutex
			claimed = map[uuid.UUID]string{}
			wg      sync.WaitGroup
		)
		for _, pod := range []string{"pod-a", "pod-b", "pod-c"} {
			wg.Add(1)
			go func(pod string) {
				defer wg.Done()
				for {
					job, err := store.ClaimNext(ctx, pod)
					if err != nil {
						return
					}
					mu.Lock()
					prev, dup := claimed[job.ID]
					claimed[job.ID] = pod
					mu.Unlock()
					require.Falsef(t, dup, "job %s claimed by both %s and %s", job.ID, prev, pod)
				}
			}(pod)
		}
		wg.Wait()
		assert.Len(t, claimed, jobs)
	})
}

func TestJobStorePostgres_Finalize(t *testing.T) {
	skipShort(t)
	store := dispatch.NewPostgresStore(testdb.NewTestPool(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	claimOne := func(t *testing.T) *models.Job {
		t.Helper()
		job := newJob(models.JobPostNote, base)
		require.NoError(t, store.Enqueue(ctx, job))
		claimed, err := store.ClaimNext(ctx, "pod-a")
		require.NoError(t, err)
		require.Equal(t, job.ID, claimed.ID)
		return claimed
	}

	t.Run("success finalizes once", func(t *testing.T) {
		job := claimOne(t)
		done, err := store.MarkSucceeded(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobSucceeded, done.Status)

		_, err = store.MarkSucceeded(ctx, job.ID)
		assert.ErrorIs(t, err, dispatch.ErrJobNotFound)
	})

	t.Run("failure requeues until attempts run out", func(t *testing.T) {
		job := claimOne(t)
		runAfter := time.Now().UTC().Add(-time.Second)

		for attempt := 1; attempt < job.MaxAttempts; attempt++ {
			failed, err := store.MarkFailed(ctx, job.ID, "upstream 503", runAfter)
			require.NoError(t, err)
			assert.Equal(t, models.JobQueued, failed.Status)
			assert.Equal(t, "upstream 503", failed.LastError)
			assert.Empty(t, failed.ClaimedBy)

			reclaimed, err := store.ClaimNext(ctx, "pod-a")
			require.NoError(t, err)
			assert.Equal(t, attempt+1, reclaimed.Attempts)
		}

		dead, err := store.MarkFailed(ctx, job.ID, "upstream 503", runAfter)
		require.NoError(t, err)
		assert.Equal(t, models.JobDeadLetter, dead.Status)
	})

	t.Run("permanent failure skips remaining attempts", func(t *testing.T) {
		job := claimOne(t)
		failed, err := store.MarkFailedPermanent(ctx, job.ID, "note gone")
		require.NoError(t, err)
		assert.Equal(t, models.JobFailed, failed.Status)
		assert.Equal(t, "note gone", failed.LastError)
	})

	t.Run("heartbeat only refreshes running jobs", func(t *testing.T) {
		job := claimOne(t)
		require.NoError(t, store.Heartbeat(ctx, job.ID))

		_, err := store.MarkSucceeded(ctx, job.ID)
		require.NoError(t, err)
		assert.ErrorIs(t, store.Heartbeat(ctx, job.ID), dispatch.ErrJobNotFound)
	})
}

func TestJobStorePostgres_Rescue(t *testing.T) {
	skipShort(t)
	store := dispatch.NewPostgresStore(testdb.NewTestPool(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	t.Run("stale heartbeats requeue", func(t *testing.T) {
		job := newJob(models.JobPostNote, base)
		require.NoError(t, store.Enqueue(ctx, job))
		_, err := store.ClaimNext(ctx, "pod-dead")
		require.NoError(t, err)

		// Nothing is stale yet.
		rescued, err := store.RequeueOrphans(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, rescued)

		rescued, err = store.RequeueOrphans(ctx, time.Now().UTC().Add(time.Second))
		require.NoError(t, err)
		require.Len(t, rescued, 1)
		assert.Equal(t, models.JobQueued, rescued[0].Status)
		assert.Empty(t, rescued[0].ClaimedBy)
	})

	t.Run("owner restart rescues only its own jobs", func(t *testing.T) {
		store := dispatch.NewPostgresStore(testdb.NewTestPool(t))
		mine := newJob(models.JobPostNote, base)
		theirs := newJob(models.JobPostNote, base.Add(time.Second))
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

		still, err := store.Get(ctx, theirs.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobRunning, still.Status)
	})

	t.Run("exhausted orphans dead-letter instead of requeueing", func(t *testing.T) {
		store := dispatch.NewPostgresStore(testdb.NewTestPool(t))
		job := newJob(models.JobPostNote, base)
		job.MaxAttempts = 1
		require.NoError(t, store.Enqueue(ctx, job))
		_, err := store.ClaimNext(ctx, "pod-dead")
		require.NoError(t, err)

		rescued, err := store.RequeueOrphans(ctx, time.Now().UTC().Add(time.Second))
		require.NoError(t, err)
		require.Len(t, rescued, 1)
		assert.Equal(t, models.JobDeadLetter, rescued[0].Status)
	})
}

func TestJobStorePostgres_Queries(t *testing.T) {
	skipShort(t)
	store := dispatch.NewPostgresStore(testdb.NewTestPool(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	noteID := uuid.New()
	first := newJob(models.JobPostNote, base)
	first.NoteID = noteID
	second := newJob(models.JobPostNote, base.Add(time.Second))
	second.NoteID = noteID
	otherKind := newJob(models.JobRefineWithVision, base.Add(2*time.Second))
	otherKind.NoteID = noteID
	for _, j := range []*models.Job{first, second, otherKind} {
		require.NoError(t, store.Enqueue(ctx, j))
	}

	t.Run("latest by note picks newest of the kind", func(t *testing.T) {
		got, err := store.LatestByNote(ctx, models.JobPostNote, noteID)
		require.NoError(t, err)
		assert.Equal(t, second.ID, got.ID)

		_, err = store.LatestByNote(ctx, models.JobPostNote, uuid.New())
		assert.ErrorIs(t, err, dispatch.ErrJobNotFound)
	})

	t.Run("queue depth counts queued only", func(t *testing.T) {
		depth, err := store.QueueDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, depth)

		_, err = store.ClaimNext(ctx, "pod-a")
		require.NoError(t, err)

		depth, err = store.QueueDepth(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, depth)
	})

	t.Run("retention deletes old terminal jobs only", func(t *testing.T) {
		running, err := store.Get(ctx, first.ID)
		require.NoError(t, err)
		require.Equal(t, models.JobRunning, running.Status)
		_, err = store.MarkSucceeded(ctx, first.ID)
		require.NoError(t, err)

		// Nothing predates a cutoff in the past.
		deleted, err := store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, deleted)

		deleted, err = store.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = store.Get(ctx, first.ID)
		assert.ErrorIs(t, err, dispatch.ErrJobNotFound)
	})
}
