// Package cleanup enforces data retention: stale sessions (with their
// checkpoints) and terminal jobs are trimmed on a fixed cadence.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/sotto-labs/sotto/pkg/checkpoint"
	"github.com/sotto-labs/sotto/pkg/config"
	"github.com/sotto-labs/sotto/pkg/dispatch"
)

// Sweeper periodically deletes expired rows. All deletes are idempotent
// and safe to run from multiple replicas at once.
type Sweeper struct {
	cfg      *config.RetentionConfig
	sessions checkpoint.Store
	jobs     dispatch.Store
	log      *slog.Logger
}

// NewSweeper builds a Sweeper. A nil logger falls back to slog.Default.
func NewSweeper(cfg *config.RetentionConfig, sessions checkpoint.Store, jobs dispatch.Store, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		cfg:      cfg,
		sessions: sessions,
		jobs:     jobs,
		log:      log,
	}
}

// Run sweeps once immediately, then on every tick until ctx is done. It
// always returns nil: a failed sweep is logged and retried on the next
// tick rather than taking the component down.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("retention sweeper started",
		"session_max_age", s.cfg.SessionMaxAge,
		"job_max_age", s.cfg.JobMaxAge,
		"interval", s.cfg.SweepInterval)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	s.sweepSessions(ctx)
	s.sweepJobs(ctx)
}

// sweepSessions removes sessions whose last activity predates the keep
// window. Live actors refresh the watermark on every checkpoint, so only
// long-hibernated sessions qualify.
func (s *Sweeper) sweepSessions(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.SessionMaxAge)
	count, err := s.sessions.DeleteStaleSessions(ctx, cutoff)
	if err != nil {
		s.log.Error("retention: stale session sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.log.Info("retention: removed stale sessions", "count", count)
	}
}

// sweepJobs removes terminal jobs past the keep window; queued and running
// jobs are never touched.
func (s *Sweeper) sweepJobs(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.JobMaxAge)
	count, err := s.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("retention: terminal job sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.log.Info("retention: removed terminal jobs", "count", count)
	}
}
