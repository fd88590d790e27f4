package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/config"
	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/notestore"
)

func TestNewRegistryRequiresDependencies(t *testing.T) {
	h := newHarness(t)

	missingBus := h.deps()
	missingBus.Bus = nil
	assert.Panics(t, func() { NewRegistry(missingBus) })

	missingTranscriber := h.deps()
	missingTranscriber.Transcriber = nil
	assert.Panics(t, func() { NewRegistry(missingTranscriber) })
}

func TestRegistry_LookupOrCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.registry.LookupOrCreate(ctx, CreateParams{UserID: "user-1"})
	require.Error(t, err)
	_, err = h.registry.LookupOrCreate(ctx, CreateParams{SessionID: "sess-1"})
	require.Error(t, err)
}

func TestRegistry_LookupOrCreateReturnsExistingActor(t *testing.T) {
	h := newHarness(t)
	a1, _ := h.spawn(t, "sess-dup", "vid-1")

	a2, err := h.registry.LookupOrCreate(context.Background(), CreateParams{
		SessionID: "sess-dup",
		UserID:    "user-1",
		VideoID:   "vid-other",
	})
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Equal(t, 1, h.registry.Resident())

	// Reattaching does not rewrite the persisted row.
	row, err := h.checkpoints.GetSession(context.Background(), "sess-dup")
	require.NoError(t, err)
	assert.Equal(t, "user-1", row.UserID)
	assert.Equal(t, "vid-1", row.VideoID)
}

func TestRegistry_RecoversSessionFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.checkpoints.UpsertSession(ctx, &models.Session{
		ID:     "sess-restore",
		UserID: "user-1",
	}))
	require.NoError(t, h.checkpoints.Save(ctx, &models.Checkpoint{
		SessionID:      "sess-restore",
		Status:         models.SessionConfirming,
		VideoID:        "vid-restored",
		VideoTimestamp: 33.25,
		Sequence:       41,
	}))

	a, sub := h.spawn(t, "sess-restore", "")

	// The recovery announcement continues the checkpointed sequence.
	ev := awaitEvent(t, sub, bus.EventTypeSessionRecovered)
	assert.Equal(t, uint64(42), ev.Sequence)
	p := ev.Payload.(bus.SessionRecoveredPayload)
	assert.Equal(t, uint64(41), p.ResumedSequence)
	assert.Equal(t, "vid-restored", p.VideoID)
	assert.Equal(t, 33.25, p.VideoTimestamp)

	// Whatever was in flight at checkpoint time is gone; the session
	// resumes idle at the restored position.
	awaitSnapshot(t, a, func(s Snapshot) bool {
		return s.Status == models.SessionIdle &&
			s.VideoID == "vid-restored" &&
			s.VideoTimestamp == 33.25 &&
			s.Sequence == 42
	})
}

// panickingNotes crashes the actor from inside its run loop.
type panickingNotes struct {
	notestore.Store
}

func (panickingNotes) Create(context.Context, *models.Note) error {
	panic("notes table dropped")
}

func TestRegistry_RestartsCrashedActorFromCheckpoint(t *testing.T) {
	cfg := config.DefaultSessionConfig()
	cfg.ConfirmGrace = 40 * time.Millisecond
	cfg.RestartIntensity = 1
	h := newHarnessWith(t, harnessOpts{
		sessionCfg: cfg,
		notes:      panickingNotes{Store: notestore.NewMemoryStore()},
	})
	block := make(chan struct{})
	h.structurer.setBlock(block)
	a1, sub := h.spawn(t, "sess-crash", "vid-1")

	// Park the actor in structuring and checkpoint there, so the restart
	// sees a session that died mid-operation.
	enqueue(t, a1, TranscriptReady{Text: "boom one"})
	awaitState(t, sub, models.SessionStructuring)
	enqueue(t, a1, Checkpoint{})
	fence(t, a1)
	close(block)
	select {
	case <-a1.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("actor survived a panicking note store")
	}

	// The first crash is within the intensity budget; a replacement comes
	// up from the checkpoint.
	var a2 *Actor
	require.Eventually(t, func() bool {
		cur, ok := h.registry.Lookup("sess-crash")
		if !ok || cur == a1 {
			return false
		}
		a2 = cur
		return true
	}, 5*time.Second, 10*time.Millisecond, "crashed session was not restarted")

	// The replacement announces recovery and tells subscribers the
	// in-flight work was lost.
	awaitEvent(t, sub, bus.EventTypeSessionRecovered)
	errEv := awaitEvent(t, sub, bus.EventTypeError)
	lost := errEv.Payload.(bus.ErrorPayload)
	assert.Equal(t, "interrupted", lost.Kind)
	assert.True(t, lost.Transient)

	// A second crash inside the window exceeds the budget; the session is
	// left down.
	enqueue(t, a2, TranscriptReady{Text: "boom two"})
	select {
	case <-a2.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("replacement actor survived a panicking note store")
	}
	require.Eventually(t, func() bool {
		_, ok := h.registry.Lookup("sess-crash")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	_, ok := h.registry.Lookup("sess-crash")
	require.False(t, ok, "session past the restart budget must stay down")

	// An explicit create clears the failure marker.
	a3, err := h.registry.LookupOrCreate(context.Background(), CreateParams{
		SessionID: "sess-crash",
		UserID:    "user-1",
	})
	require.NoError(t, err)
	require.NotNil(t, a3)
	assert.Equal(t, 1, h.registry.Resident())
}

func TestRegistry_HibernatesIdleActor(t *testing.T) {
	cfg := config.DefaultSessionConfig()
	cfg.ConfirmGrace = 40 * time.Millisecond
	cfg.HibernateAfter = 60 * time.Millisecond
	h := newHarnessWith(t, harnessOpts{sessionCfg: cfg})
	h.spawn(t, "sess-hibernate", "vid-1")

	require.Eventually(t, func() bool {
		return h.registry.Resident() == 0
	}, 5*time.Second, 10*time.Millisecond, "idle actor never hibernated")

	cp, err := h.checkpoints.Load(context.Background(), "sess-hibernate")
	require.NoError(t, err)
	assert.Equal(t, models.SessionIdle, cp.Status)
	assert.Equal(t, "vid-1", cp.VideoID)

	// Reattaching revives the session from that checkpoint.
	_, err = h.registry.LookupOrCreate(context.Background(), CreateParams{
		SessionID: "sess-hibernate",
		UserID:    "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, h.registry.Resident())
}

func TestRegistry_HibernateDropsStaleListeningBuffer(t *testing.T) {
	cfg := config.DefaultSessionConfig()
	cfg.ConfirmGrace = 40 * time.Millisecond
	cfg.HibernateAfter = 200 * time.Millisecond
	h := newHarnessWith(t, harnessOpts{sessionCfg: cfg})
	a, sub := h.spawn(t, "sess-stale", "vid-1")

	// An opened stream that never ends must not pin the actor forever.
	enqueue(t, a, AudioStreamStart{})
	enqueue(t, a, AudioChunk{Bytes: []byte("abandoned take")})
	awaitState(t, sub, models.SessionListening)

	awaitState(t, sub, models.SessionIdle)
	require.Eventually(t, func() bool {
		return h.registry.Resident() == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.transcriber.calls(), "stale buffer must be dropped, not transcribed")
}

func TestRegistry_PendingJobDefersHibernate(t *testing.T) {
	cfg := config.DefaultSessionConfig()
	cfg.ConfirmGrace = 20 * time.Millisecond
	cfg.HibernateAfter = 200 * time.Millisecond
	h := newHarnessWith(t, harnessOpts{sessionCfg: cfg})
	a, sub := h.spawn(t, "sess-job-pin", "vid-1")

	enqueue(t, a, TranscriptReady{Text: "post this one"})
	awaitState(t, sub, models.SessionExecutingTool)

	// Well past the hibernate deadline the tracked job keeps the actor
	// resident.
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, h.registry.Resident())

	job := h.jobs.last()
	require.NotNil(t, job)
	h.bus.Publish(bus.JobsTopic(a.ID()), bus.Event{
		Type:    bus.EventTypeJobStatus,
		Payload: bus.JobStatusPayload{JobID: job.ID, NoteID: job.NoteID, Kind: job.Kind, Status: models.JobSucceeded},
	})
	awaitState(t, sub, models.SessionIdle)
	require.Eventually(t, func() bool {
		return h.registry.Resident() == 0
	}, 5*time.Second, 10*time.Millisecond, "actor did not hibernate once the job settled")
}

func TestRegistry_ShutdownCheckpointsEveryActor(t *testing.T) {
	h := newHarness(t)
	a1, _ := h.spawn(t, "sess-sd-1", "vid-1")
	h.spawn(t, "sess-sd-2", "vid-1")

	enqueue(t, a1, UpdateVideoContext{VideoID: "vid-9"})
	fence(t, a1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.registry.Shutdown(ctx))

	cp1, err := h.checkpoints.Load(ctx, "sess-sd-1")
	require.NoError(t, err)
	assert.Equal(t, "vid-9", cp1.VideoID)
	assert.Equal(t, uint64(1), cp1.Sequence)
	cp2, err := h.checkpoints.Load(ctx, "sess-sd-2")
	require.NoError(t, err)
	assert.Equal(t, models.SessionIdle, cp2.Status)

	_, err = h.registry.LookupOrCreate(ctx, CreateParams{SessionID: "sess-new", UserID: "user-1"})
	require.ErrorIs(t, err, ErrRegistryClosed)
	require.ErrorIs(t, a1.Enqueue(Checkpoint{}), ErrStopped)
}
