// Package notestore persists notes and serves the sibling lookups the
// structuring pipeline uses for prompt context.
package notestore

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/models"
)

var (
	// ErrNotFound is returned when a note does not exist.
	ErrNotFound = errors.New("note not found")

	// ErrInvalidTransition is returned when a status patch is not a
	// permitted forward edge of the note lifecycle.
	ErrInvalidTransition = errors.New("invalid note status transition")
)

// Store persists notes. Implementations enforce lifecycle ordering on
// status patches and are safe for concurrent use.
type Store interface {
	// Create persists a new note.
	Create(ctx context.Context, note *models.Note) error

	// Get returns the note with the given ID, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*models.Note, error)

	// Update applies patch and returns the updated note. A status patch
	// that is not a permitted forward edge fails with
	// ErrInvalidTransition; patching the current status is a no-op.
	Update(ctx context.Context, id uuid.UUID, patch models.NotePatch) (*models.Note, error)

	// ListByVideo returns notes for a video ordered by video timestamp.
	ListByVideo(ctx context.Context, videoID string, opts models.NoteListOpts) ([]*models.Note, error)

	// NearbyByTimestamp returns up to limit non-archived notes on the
	// video closest to ts, nearest first.
	NearbyByTimestamp(ctx context.Context, videoID string, ts float64, limit int) ([]*models.Note, error)

	// SimilarByEmbedding returns up to limit non-archived notes on the
	// video closest to the query embedding by cosine distance, nearest
	// first. Notes without embeddings are skipped.
	SimilarByEmbedding(ctx context.Context, videoID string, embedding []float32, limit int) ([]*models.Note, error)
}
