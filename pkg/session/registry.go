package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sotto-labs/sotto/pkg/checkpoint"
	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/observe"
)

// ErrRegistryClosed is returned once Shutdown has begun.
var ErrRegistryClosed = errors.New("session: registry closed")

// CreateParams identify the session principal and its initial video
// binding.
type CreateParams struct {
	SessionID string
	UserID    string
	DeviceID  string
	VideoID   string
}

// Registry owns the live actors: at most one per session id, created on
// demand, restarted from checkpoints after panics, and removed when they
// hibernate. Restarts are rate limited per session; a session that keeps
// crashing is left down until a client explicitly creates it again.
type Registry struct {
	deps Deps
	log  *slog.Logger

	mu       sync.Mutex
	actors   map[string]*Actor
	restarts map[string][]time.Time
	failed   map[string]bool
	closed   bool
}

// NewRegistry builds a Registry. Panics if a required dependency is nil.
func NewRegistry(deps Deps) *Registry {
	deps.validate()
	return &Registry{
		deps:     deps,
		log:      deps.Logger,
		actors:   make(map[string]*Actor),
		restarts: make(map[string][]time.Time),
		failed:   make(map[string]bool),
	}
}

// LookupOrCreate returns the live actor for the session, starting one if
// needed. Creating persists the session identity and restores any prior
// checkpoint; an explicit create also clears the failed marker left by
// repeated crashes.
func (r *Registry) LookupOrCreate(ctx context.Context, p CreateParams) (*Actor, error) {
	if p.SessionID == "" || p.UserID == "" {
		return nil, fmt.Errorf("session: session id and user id are required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if a, ok := r.actors[p.SessionID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	sess := &models.Session{
		ID:       p.SessionID,
		UserID:   p.UserID,
		DeviceID: p.DeviceID,
		VideoID:  p.VideoID,
	}
	if err := r.deps.Checkpoints.UpsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("session: persisting session: %w", err)
	}
	restored, err := r.deps.Checkpoints.Load(ctx, p.SessionID)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("session: loading checkpoint: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if a, ok := r.actors[p.SessionID]; ok {
		// Lost the creation race; the winner's actor serves both callers.
		return a, nil
	}
	delete(r.failed, p.SessionID)
	delete(r.restarts, p.SessionID)
	a := newActor(sess, restored, r.deps, r.onActorExit)
	r.actors[p.SessionID] = a
	a.start()
	observe.DefaultMetrics().ActiveSessions.Add(ctx, 1)
	r.log.Info("session actor started",
		"session_id", p.SessionID, "user_id", p.UserID, "recovered", restored != nil)
	return a, nil
}

// Lookup returns the live actor for the session, if resident.
func (r *Registry) Lookup(sessionID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[sessionID]
	return a, ok
}

// Resident returns the number of live actors.
func (r *Registry) Resident() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// onActorExit runs when an actor's goroutine returns. A nil cause is a
// clean stop (hibernate or shutdown); a non-nil cause is a panic and the
// session restarts from its checkpoint unless it has crashed too often.
func (r *Registry) onActorExit(a *Actor, cause error) {
	r.mu.Lock()
	if r.actors[a.id] == a {
		delete(r.actors, a.id)
		observe.DefaultMetrics().ActiveSessions.Add(context.Background(), -1)
	}
	if cause == nil || r.closed {
		r.mu.Unlock()
		return
	}

	now := time.Now()
	cutoff := now.Add(-r.deps.Session.RestartWindow)
	hist := append(r.restarts[a.id], now)
	trimmed := hist[:0]
	for _, t := range hist {
		if t.After(cutoff) {
			trimmed = append(trimmed, t)
		}
	}
	r.restarts[a.id] = trimmed
	if len(trimmed) > r.deps.Session.RestartIntensity {
		r.failed[a.id] = true
		r.mu.Unlock()
		r.log.Error("session restart intensity exceeded, leaving session down",
			"session_id", a.id, "crashes", len(trimmed), "window", r.deps.Session.RestartWindow)
		return
	}
	r.mu.Unlock()

	r.log.Warn("restarting session actor after crash", "session_id", a.id, "cause", cause)
	go r.restart(a)
}

func (r *Registry) restart(old *Actor) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	restored, err := r.deps.Checkpoints.Load(ctx, old.id)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		r.log.Error("checkpoint load failed during restart", "session_id", old.id, "error", err)
		restored = nil
	}
	snap := old.Snapshot()
	sess := &models.Session{
		ID:       old.id,
		UserID:   old.userID,
		DeviceID: old.deviceID,
		VideoID:  snap.VideoID,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.failed[old.id] {
		return
	}
	if _, ok := r.actors[old.id]; ok {
		return
	}
	a := newActor(sess, restored, r.deps, r.onActorExit)
	r.actors[old.id] = a
	a.start()
	observe.DefaultMetrics().ActiveSessions.Add(ctx, 1)
}

// Shutdown checkpoints and stops every live actor, blocking until they
// have all exited or ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.stop()
		}()
	}
	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		r.log.Info("session registry stopped", "actors", len(actors))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
