// Package supervise runs named long-lived components under one errgroup,
// recovering panics and restarting the component that crashed. A component
// that keeps crashing exhausts its restart budget and takes the whole group
// down, so the process exits and the platform restarts it from a clean
// slate.
package supervise

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// Component is a long-running unit of work. Run blocks until ctx is done or
// the component fails. A nil return is a clean exit and is not restarted.
type Component interface {
	Run(ctx context.Context) error
}

// ComponentFunc adapts a plain function to the Component interface.
type ComponentFunc func(ctx context.Context) error

// Run calls f.
func (f ComponentFunc) Run(ctx context.Context) error { return f(ctx) }

// Config tunes restart behaviour. Zero values take defaults.
type Config struct {
	// RestartIntensity is the number of restarts tolerated per component
	// within RestartWindow before the group fails. Default: 5.
	RestartIntensity int

	// RestartWindow is the sliding window for restart accounting.
	// Default: 60s.
	RestartWindow time.Duration
}

type namedComponent struct {
	name string
	c    Component
}

// Supervisor owns a set of named components and runs them as one group.
// Add every component before calling Run; Supervisor is not safe for
// concurrent mutation.
type Supervisor struct {
	log        *slog.Logger
	intensity  int
	window     time.Duration
	components []namedComponent
	running    bool
}

// New builds a Supervisor. A nil logger falls back to slog.Default.
func New(cfg Config, log *slog.Logger) *Supervisor {
	if cfg.RestartIntensity <= 0 {
		cfg.RestartIntensity = 5
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		log:       log,
		intensity: cfg.RestartIntensity,
		window:    cfg.RestartWindow,
	}
}

// Add registers a component under a stable name used in logs and errors.
func (s *Supervisor) Add(name string, c Component) {
	if s.running {
		panic("supervise: Add after Run")
	}
	s.components = append(s.components, namedComponent{name: name, c: c})
}

// Run starts every registered component and blocks until they have all
// exited. Cancelling ctx asks all components to stop. A component that
// exceeds its restart budget fails the group: the shared context is
// cancelled, remaining components wind down, and their collective error is
// returned.
func (s *Supervisor) Run(ctx context.Context) error {
	s.running = true
	g, ctx := errgroup.WithContext(ctx)
	for _, nc := range s.components {
		g.Go(func() error { return s.supervise(ctx, nc) })
	}
	return g.Wait()
}

// supervise drives one component's restart loop.
func (s *Supervisor) supervise(ctx context.Context, nc namedComponent) error {
	var restarts []time.Time
	for {
		err := s.runOnce(ctx, nc)
		if ctx.Err() != nil {
			// Shutdown is in progress; whatever the component returned on
			// the way out does not fail the group.
			return nil
		}
		if err == nil {
			s.log.Info("component finished", "component", nc.name)
			return nil
		}

		now := time.Now()
		cutoff := now.Add(-s.window)
		restarts = append(restarts, now)
		trimmed := restarts[:0]
		for _, t := range restarts {
			if t.After(cutoff) {
				trimmed = append(trimmed, t)
			}
		}
		restarts = trimmed
		if len(restarts) > s.intensity {
			s.log.Error("component restart intensity exceeded, failing group",
				"component", nc.name, "crashes", len(restarts), "window", s.window)
			return fmt.Errorf("supervise: %s exceeded %d restarts in %s: %w",
				nc.name, s.intensity, s.window, err)
		}
		s.log.Warn("restarting component", "component", nc.name, "cause", err)
	}
}

// runOnce runs the component once, converting a panic into an error.
func (s *Supervisor) runOnce(ctx context.Context, nc namedComponent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("component panicked",
				"component", nc.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("supervise: %s panicked: %v", nc.name, r)
		}
	}()
	return nc.c.Run(ctx)
}
