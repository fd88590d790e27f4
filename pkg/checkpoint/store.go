// Package checkpoint persists session rows and periodic actor snapshots.
// Snapshots carry just enough to resume a session after a crash or
// hibernation: lifecycle status, video position, and the event sequence
// high-water mark. Audio buffers and visual context are never persisted;
// pipeline work in flight at crash time is lost, and the recovered
// actor restarts in idle.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/sotto-labs/sotto/pkg/models"
)

// ErrNotFound is returned when no session or snapshot exists for the
// requested ID.
var ErrNotFound = errors.New("checkpoint store: not found")

// Store persists session rows and recovery snapshots.
type Store interface {
	// UpsertSession creates the session row or refreshes device binding,
	// video binding, and the last-active watermark of an existing one.
	UpsertSession(ctx context.Context, session *models.Session) error

	// GetSession returns a session row by ID.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// ListSessions returns session rows matching opts, most recently
	// active first.
	ListSessions(ctx context.Context, opts models.SessionListOpts) ([]*models.Session, error)

	// Save upserts the snapshot for a session and refreshes the session
	// row's last-active watermark.
	Save(ctx context.Context, cp *models.Checkpoint) error

	// Load returns the most recent snapshot for a session.
	Load(ctx context.Context, sessionID string) (*models.Checkpoint, error)

	// DeleteStaleSessions removes sessions (and their snapshots) whose
	// last activity predates olderThan. Returns the number removed.
	DeleteStaleSessions(ctx context.Context, olderThan time.Time) (int64, error)
}
