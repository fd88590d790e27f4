package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sotto-labs/sotto/pkg/config"
	"github.com/sotto-labs/sotto/pkg/models"
)

// Pool manages the dispatch workers plus the orphan scan that rescues
// jobs whose worker died mid-run.
type Pool struct {
	podID      string
	store      Store
	cfg        *config.DispatchConfig
	dispatcher *Dispatcher
	workers    []*Worker
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	started    bool

	// Orphan detection state
	orphans orphanState
}

// orphanState tracks orphan scan metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	QueueDepth       int            `json:"queue_depth"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  string    `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}

// NewPool creates a worker pool.
func NewPool(podID string, store Store, cfg *config.DispatchConfig, dispatcher *Dispatcher) *Pool {
	return &Pool{
		podID:      podID,
		store:      store,
		cfg:        cfg,
		dispatcher: dispatcher,
		workers:    make([]*Worker, 0, cfg.WorkerCount),
		stopCh:     make(chan struct{}),
	}
}

// Start recovers jobs this replica abandoned in a previous run, then
// spawns the workers and the orphan scan. Safe to call multiple times;
// subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("dispatch pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}

	slog.Info("starting dispatch pool", "pod_id", p.podID, "worker_count", p.cfg.WorkerCount)

	// A failed start leaves the pool unstarted so a supervisor retry can
	// run recovery again.
	if err := p.recoverStartupOrphans(ctx); err != nil {
		return fmt.Errorf("startup orphan recovery: %w", err)
	}
	p.started = true

	for i := 0; i < p.cfg.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.cfg, p.dispatcher)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanScan(ctx)
	}()

	slog.Info("dispatch pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish their
// current jobs.
func (p *Pool) Stop() {
	slog.Info("stopping dispatch pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("dispatch pool stopped gracefully")
}

// recoverStartupOrphans requeues running jobs claimed by this pod in a
// previous life. Runs once, before the workers start claiming.
func (p *Pool) recoverStartupOrphans(ctx context.Context) error {
	rescued, err := p.store.RequeueOwnedBy(ctx, p.podID)
	if err != nil {
		return err
	}
	if len(rescued) == 0 {
		return nil
	}

	slog.Warn("recovered startup orphans from previous run",
		"pod_id", p.podID, "count", len(rescued))
	for _, job := range rescued {
		p.dispatcher.publishJobStatus(job, job.LastError)
		slog.Info("startup orphan rescued",
			"job_id", job.ID, "kind", job.Kind, "status", job.Status)
	}
	return nil
}

// runOrphanScan periodically rescues running jobs with stale heartbeats.
// All replicas run this independently; the rescue is idempotent.
func (p *Pool) runOrphanScan(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.OrphanDetectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.scanForOrphans(ctx); err != nil {
				slog.Error("orphan scan failed", "error", err)
			}
		}
	}
}

func (p *Pool) scanForOrphans(ctx context.Context) error {
	staleBefore := time.Now().Add(-p.cfg.OrphanThreshold)

	rescued, err := p.store.RequeueOrphans(ctx, staleBefore)
	if err != nil {
		return err
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += len(rescued)
	p.orphans.mu.Unlock()

	if len(rescued) == 0 {
		return nil
	}

	slog.Warn("rescued orphaned jobs", "count", len(rescued))
	for _, job := range rescued {
		p.dispatcher.publishJobStatus(job, job.LastError)
		if job.Status == models.JobDeadLetter {
			slog.Error("orphaned job dead-lettered",
				"job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts)
		} else {
			slog.Info("orphaned job requeued", "job_id", job.ID, "kind", job.Kind)
		}
	}
	return nil
}

// Health returns the current health status of the pool.
func (p *Pool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.store.QueueDepth(ctx)
	if errQ != nil {
		slog.Error("failed to query queue depth for health check",
			"pod_id", p.podID, "error", errQ)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil
	var dbError string
	if !dbHealthy {
		dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
	}

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	return &PoolHealth{
		IsHealthy:        len(p.workers) > 0 && dbHealthy,
		DBReachable:      dbHealthy,
		DBError:          dbError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		QueueDepth:       queueDepth,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}
