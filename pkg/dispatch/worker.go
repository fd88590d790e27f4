package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/config"
	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/observe"
	"github.com/sotto-labs/sotto/pkg/pipeline"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single pool member that polls for, claims, and executes
// jobs. A running job is heartbeated so the orphan scan leaves it alone;
// the outcome requeues with delay, dead-letters, or finalizes the job.
type Worker struct {
	id         string
	podID      string
	store      Store
	cfg        *config.DispatchConfig
	dispatcher *Dispatcher
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// NewWorker creates a queue worker.
func NewWorker(id, podID string, store Store, cfg *config.DispatchConfig, dispatcher *Dispatcher) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        store,
		cfg:          cfg,
		dispatcher:   dispatcher,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish. The
// current job, if any, runs to completion. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("dispatch worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("dispatch worker shutting down")
			return
		case <-ctx.Done():
			log.Info("context cancelled, dispatch worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("error processing job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims one job and runs it to a finalized state.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.store.ClaimNext(ctx, w.podID)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "kind", job.Kind, "worker_id", w.id)
	log.Info("job claimed",
		"note_id", job.NoteID,
		"session_id", job.SessionID,
		"attempt", fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts))

	w.dispatcher.publishJobStatus(job, "")

	w.setStatus(WorkerStatusWorking, job.ID.String())
	defer w.setStatus(WorkerStatusIdle, "")

	jobCtx, cancelJob := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancelJob()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	execErr := w.dispatcher.execute(jobCtx, job)
	cancelHeartbeat()

	// Finalize on a fresh context: jobCtx may already be cancelled.
	w.finalize(context.Background(), log, job, execErr)

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
	return nil
}

// finalize persists the job's outcome and publishes it.
func (w *Worker) finalize(ctx context.Context, log *slog.Logger, job *models.Job, execErr error) {
	var (
		final  *models.Job
		err    error
		detail string
	)
	switch {
	case execErr == nil:
		final, err = w.store.MarkSucceeded(ctx, job.ID)

	case permanentFailure(execErr):
		detail = execErr.Error()
		final, err = w.store.MarkFailedPermanent(ctx, job.ID, detail)

	default:
		delay := retryDelay(w.cfg.RetryDelay, job.Attempts)
		final, err = w.store.MarkFailed(ctx, job.ID, execErr.Error(), time.Now().UTC().Add(delay))
	}
	if err != nil {
		// Most likely the orphan scan already rescued the job.
		log.Warn("finalizing job failed", "exec_error", execErr, "error", err)
		return
	}

	met := observe.DefaultMetrics()
	kind := string(final.Kind)
	switch final.Status {
	case models.JobSucceeded:
		log.Info("job succeeded")
		met.RecordJobExecution(ctx, kind, "succeeded")
	case models.JobQueued:
		detail = fmt.Sprintf("attempt %d/%d failed: %v", job.Attempts, job.MaxAttempts, execErr)
		log.Warn("job attempt failed, requeued", "error", execErr, "run_after", final.RunAfter)
		met.RecordJobExecution(ctx, kind, "retried")
		met.RecordJobRetry(ctx, kind)
	case models.JobFailed:
		log.Error("job failed permanently", "error", execErr)
		met.RecordJobExecution(ctx, kind, "failed")
	case models.JobDeadLetter:
		detail = fmt.Sprintf("attempt %d/%d failed: %v", job.Attempts, job.MaxAttempts, execErr)
		log.Error("job dead-lettered", "error", execErr)
		met.RecordJobExecution(ctx, kind, "dead_letter")
		met.RecordJobDeadLetter(ctx, kind)
	}
	w.dispatcher.publishJobStatus(final, detail)
}

// runHeartbeat periodically refreshes the job claim for orphan detection.
func (w *Worker) runHeartbeat(ctx context.Context, jobID uuid.UUID) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, jobID); err != nil {
				slog.Warn("heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}

// permanentFailure reports whether no retry can fix the error. Cancelled
// and timed-out executions requeue so another replica can pick the job
// up.
func permanentFailure(err error) bool {
	if errors.Is(err, ErrPermanent) {
		return true
	}
	switch pipeline.KindOf(err) {
	case pipeline.KindInvalidAudio, pipeline.KindInvalidInput:
		return true
	}
	return false
}

// retryDelay doubles the base delay for each attempt already burned.
func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
