package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sotto-labs/sotto/pkg/bus"
	"github.com/sotto-labs/sotto/pkg/models"
)

// scriptedExecutor fails a fixed number of times, then succeeds.
type scriptedExecutor struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (e *scriptedExecutor) Execute(context.Context, *models.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.failures {
		return e.err
	}
	return nil
}

func (e *scriptedExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// awaitTerminal drains the jobs topic until the job reaches a terminal
// status, returning every status seen on the way.
func awaitTerminal(t *testing.T, sub *bus.Subscription) []models.JobStatus {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var seen []models.JobStatus
	for {
		select {
		case ev, ok := <-sub.C():
			require.True(t, ok, "subscription closed unexpectedly")
			payload, ok := ev.Payload.(bus.JobStatusPayload)
			require.True(t, ok, "unexpected payload %T", ev.Payload)
			seen = append(seen, payload.Status)
			if payload.Status.Terminal() {
				return seen
			}
		case <-deadline:
			t.Fatalf("job never reached a terminal status; saw %v", seen)
			return nil
		}
	}
}

func startPool(t *testing.T, store Store, d *Dispatcher) *Pool {
	t.Helper()
	pool := NewPool("pod-test", store, testDispatchConfig(), d)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)
	return pool
}

func TestPool_ExecutesJobEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	eventBus := bus.New(bus.DefaultQueueCapacity)
	t.Cleanup(eventBus.Shutdown)
	d := NewDispatcher(store, NewMemoryGuard(), eventBus, testDispatchConfig(), nil)
	exec := &scriptedExecutor{}
	d.Register(models.JobPostNote, exec)

	note := newPostableNote()
	sub := eventBus.Subscribe(bus.JobsTopic(note.SessionID))
	defer sub.Close()

	job, err := d.SubmitPostNote(ctx, note)
	require.NoError(t, err)

	startPool(t, store, d)

	seen := awaitTerminal(t, sub)
	assert.Equal(t, []models.JobStatus{
		models.JobQueued,
		models.JobRunning,
		models.JobSucceeded,
	}, seen)
	assert.Equal(t, 1, exec.count())

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, final.Status)
	assert.Equal(t, 1, final.Attempts)
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	eventBus := bus.New(bus.DefaultQueueCapacity)
	t.Cleanup(eventBus.Shutdown)
	d := NewDispatcher(store, NewMemoryGuard(), eventBus, testDispatchConfig(), nil)
	exec := &scriptedExecutor{failures: 1, err: errors.New("webhook returned 503")}
	d.Register(models.JobPostNote, exec)

	note := newPostableNote()
	sub := eventBus.Subscribe(bus.JobsTopic(note.SessionID))
	defer sub.Close()

	job, err := d.SubmitPostNote(ctx, note)
	require.NoError(t, err)

	startPool(t, store, d)

	seen := awaitTerminal(t, sub)
	assert.Equal(t, []models.JobStatus{
		models.JobQueued,
		models.JobRunning,
		models.JobQueued, // requeued after the failed attempt
		models.JobRunning,
		models.JobSucceeded,
	}, seen)
	assert.Equal(t, 2, exec.count())

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, final.Attempts)
}

func TestPool_DeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	eventBus := bus.New(bus.DefaultQueueCapacity)
	t.Cleanup(eventBus.Shutdown)
	d := NewDispatcher(store, NewMemoryGuard(), eventBus, testDispatchConfig(), nil)
	exec := &scriptedExecutor{failures: 100, err: errors.New("webhook returned 503")}
	d.Register(models.JobPostNote, exec)

	note := newPostableNote()
	sub := eventBus.Subscribe(bus.JobsTopic(note.SessionID))
	defer sub.Close()

	job, err := d.SubmitPostNote(ctx, note)
	require.NoError(t, err)

	startPool(t, store, d)

	seen := awaitTerminal(t, sub)
	require.NotEmpty(t, seen)
	assert.Equal(t, models.JobDeadLetter, seen[len(seen)-1])
	assert.Equal(t, 3, exec.count(), "three attempts before dead-letter")

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDeadLetter, final.Status)
	assert.Contains(t, final.LastError, "503")
}

func TestPool_PermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	eventBus := bus.New(bus.DefaultQueueCapacity)
	t.Cleanup(eventBus.Shutdown)
	d := NewDispatcher(store, NewMemoryGuard(), eventBus, testDispatchConfig(), nil)
	exec := &scriptedExecutor{failures: 100, err: fmt.Errorf("%w: note gone", ErrPermanent)}
	d.Register(models.JobPostNote, exec)

	note := newPostableNote()
	sub := eventBus.Subscribe(bus.JobsTopic(note.SessionID))
	defer sub.Close()

	job, err := d.SubmitPostNote(ctx, note)
	require.NoError(t, err)

	startPool(t, store, d)

	seen := awaitTerminal(t, sub)
	assert.Equal(t, models.JobFailed, seen[len(seen)-1])
	assert.Equal(t, 1, exec.count())

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, final.Status)
	assert.Equal(t, 1, final.Attempts)
}

func TestPool_UnregisteredKindDeadEnds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	eventBus := bus.New(bus.DefaultQueueCapacity)
	t.Cleanup(eventBus.Shutdown)
	d := NewDispatcher(store, NewMemoryGuard(), eventBus, testDispatchConfig(), nil)
	// No executors registered.

	note := newPostableNote()
	sub := eventBus.Subscribe(bus.JobsTopic(note.SessionID))
	defer sub.Close()

	_, err := d.SubmitPostNote(ctx, note)
	require.NoError(t, err)

	startPool(t, store, d)

	seen := awaitTerminal(t, sub)
	assert.Equal(t, models.JobFailed, seen[len(seen)-1])
}

func TestPool_StartupOrphanRecovery(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	eventBus := bus.New(bus.DefaultQueueCapacity)
	t.Cleanup(eventBus.Shutdown)
	d := NewDispatcher(store, NewMemoryGuard(), eventBus, testDispatchConfig(), nil)
	exec := &scriptedExecutor{}
	d.Register(models.JobPostNote, exec)

	// A job this replica was running when it last died.
	note := newPostableNote()
	job, err := d.SubmitPostNote(ctx, note)
	require.NoError(t, err)
	claimed, err := store.ClaimNext(ctx, "pod-test")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	sub := eventBus.Subscribe(bus.JobsTopic(note.SessionID))
	defer sub.Close()

	startPool(t, store, d)

	seen := awaitTerminal(t, sub)
	// Requeued at startup, then claimed and executed normally.
	assert.Equal(t, models.JobQueued, seen[0])
	assert.Equal(t, models.JobSucceeded, seen[len(seen)-1])
	assert.Equal(t, 1, exec.count())

	final, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, final.Status)
	assert.Equal(t, 2, final.Attempts, "the interrupted attempt stays burned")
}

func TestPool_Health(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	eventBus := bus.New(bus.DefaultQueueCapacity)
	t.Cleanup(eventBus.Shutdown)
	cfg := testDispatchConfig()
	cfg.WorkerCount = 2
	// Long poll keeps workers idle so the snapshot is stable.
	cfg.PollInterval = time.Hour
	d := NewDispatcher(store, NewMemoryGuard(), eventBus, cfg, nil)

	pool := NewPool("pod-health", store, cfg, d)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(pool.Stop)

	_, err := d.SubmitPostNote(ctx, newPostableNote())
	require.NoError(t, err)

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.DBReachable)
	assert.Equal(t, "pod-health", health.PodID)
	assert.Equal(t, 2, health.TotalWorkers)
	assert.Len(t, health.WorkerStats, 2)
	assert.GreaterOrEqual(t, health.QueueDepth, 0)
}
