package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sotto-labs/sotto/pkg/checkpoint"
	"github.com/sotto-labs/sotto/pkg/models"
)

// View is the REST representation of a session: its persisted identity
// plus, for resident sessions, the live actor state.
type View struct {
	Session        *models.Session      `json:"session"`
	Status         models.SessionStatus `json:"status"`
	VideoID        string               `json:"video_id,omitempty"`
	VideoTimestamp float64              `json:"video_timestamp"`
	Sequence       uint64               `json:"sequence"`
	Resident       bool                 `json:"resident"`
	Backlog        int                  `json:"backlog"`
}

// Service is the REST-facing surface over the registry: create/attach,
// lookup, listing, and out-of-band cancellation.
type Service struct {
	registry    *Registry
	checkpoints checkpoint.Store
	log         *slog.Logger
}

// NewService builds a Service. Panics if registry or store is nil.
func NewService(registry *Registry, checkpoints checkpoint.Store, logger *slog.Logger) *Service {
	if registry == nil {
		panic("session: registry is required")
	}
	if checkpoints == nil {
		panic("session: checkpoint store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{registry: registry, checkpoints: checkpoints, log: logger}
}

// Ensure creates or reattaches the session and returns its live view. A
// video id differing from the actor's current binding is applied as a
// context switch.
func (s *Service) Ensure(ctx context.Context, p CreateParams) (*View, error) {
	a, err := s.registry.LookupOrCreate(ctx, p)
	if err != nil {
		return nil, err
	}
	if p.VideoID != "" && a.Snapshot().VideoID != p.VideoID {
		if err := a.Enqueue(UpdateVideoContext{VideoID: p.VideoID}); err != nil {
			return nil, fmt.Errorf("session: binding video: %w", err)
		}
	}
	return s.view(ctx, a.ID())
}

// Get returns the session view, live or hibernated.
func (s *Service) Get(ctx context.Context, sessionID string) (*View, error) {
	return s.view(ctx, sessionID)
}

// List returns session views matching opts, most recently active first.
// Non-resident sessions are idle by construction, so only resident ones
// consult the live actor.
func (s *Service) List(ctx context.Context, opts models.SessionListOpts) ([]*View, error) {
	sessions, err := s.checkpoints.ListSessions(ctx, opts)
	if err != nil {
		return nil, err
	}
	views := make([]*View, 0, len(sessions))
	for _, sess := range sessions {
		v := &View{
			Session: sess,
			Status:  models.SessionIdle,
			VideoID: sess.VideoID,
		}
		if a, ok := s.registry.Lookup(sess.ID); ok {
			snap := a.Snapshot()
			v.Status = snap.Status
			v.VideoID = snap.VideoID
			v.VideoTimestamp = snap.VideoTimestamp
			v.Sequence = snap.Sequence
			v.Resident = true
			v.Backlog = snap.Backlog
		}
		views = append(views, v)
	}
	return views, nil
}

// Cancel delivers a cancel into the session's mailbox. Cancelling a
// hibernated session is a no-op: nothing is in flight.
func (s *Service) Cancel(ctx context.Context, sessionID string, scope CancelScope) error {
	a, ok := s.registry.Lookup(sessionID)
	if !ok {
		if _, err := s.checkpoints.GetSession(ctx, sessionID); err != nil {
			return err
		}
		s.log.Debug("cancel on hibernated session ignored", "session_id", sessionID)
		return nil
	}
	return a.Enqueue(Cancel{Scope: scope})
}

func (s *Service) view(ctx context.Context, sessionID string) (*View, error) {
	sess, err := s.checkpoints.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	v := &View{
		Session: sess,
		Status:  models.SessionIdle,
		VideoID: sess.VideoID,
	}
	if a, ok := s.registry.Lookup(sessionID); ok {
		snap := a.Snapshot()
		v.Status = snap.Status
		v.VideoID = snap.VideoID
		v.VideoTimestamp = snap.VideoTimestamp
		v.Sequence = snap.Sequence
		v.Resident = true
		v.Backlog = snap.Backlog
		return v, nil
	}
	if cp, err := s.checkpoints.Load(ctx, sessionID); err == nil {
		v.VideoID = cp.VideoID
		v.VideoTimestamp = cp.VideoTimestamp
		v.Sequence = cp.Sequence
	}
	return v, nil
}
