package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sotto-labs/sotto/pkg/models"
)

// MemoryStore is an in-process Store for tests and single-node
// development runs.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	checkpoints map[string]*models.Checkpoint
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-process checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*models.Session),
		checkpoints: make(map[string]*models.Checkpoint),
	}
}

func (s *MemoryStore) UpsertSession(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActiveAt.IsZero() {
		session.LastActiveAt = session.CreatedAt
	}

	if existing, ok := s.sessions[session.ID]; ok {
		existing.DeviceID = session.DeviceID
		existing.VideoID = session.VideoID
		if session.LastActiveAt.After(existing.LastActiveAt) {
			existing.LastActiveAt = session.LastActiveAt
		}
		*session = *existing
		return nil
	}

	c := *session
	s.sessions[session.ID] = &c
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *session
	return &c, nil
}

func (s *MemoryStore) ListSessions(_ context.Context, opts models.SessionListOpts) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Session
	for _, session := range s.sessions {
		if opts.UserID != "" && session.UserID != opts.UserID {
			continue
		}
		if opts.VideoID != "" && session.VideoID != opts.VideoID {
			continue
		}
		if !opts.ActiveSince.IsZero() && session.LastActiveAt.Before(opts.ActiveSince) {
			continue
		}
		c := *session
		out = append(out, &c)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		return out[i].ID < out[j].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return []*models.Session{}, nil
		}
		out = out[opts.Offset:]
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []*models.Session{}
	}
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	c := *cp
	s.checkpoints[cp.SessionID] = &c

	if session, ok := s.sessions[cp.SessionID]; ok {
		session.LastActiveAt = cp.UpdatedAt
		session.VideoID = cp.VideoID
	}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cp
	return &c, nil
}

func (s *MemoryStore) DeleteStaleSessions(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, session := range s.sessions {
		if session.LastActiveAt.Before(olderThan) {
			delete(s.sessions, id)
			delete(s.checkpoints, id)
			removed++
		}
	}
	return removed, nil
}
