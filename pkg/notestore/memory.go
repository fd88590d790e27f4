package notestore

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sotto-labs/sotto/pkg/models"
)

// MemoryStore is an in-process Store for tests and single-node
// development runs. It mirrors PostgresStore semantics, including
// lifecycle enforcement and cosine ordering for similarity lookups.
type MemoryStore struct {
	mu    sync.RWMutex
	notes map[uuid.UUID]*models.Note
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-process note store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notes: make(map[uuid.UUID]*models.Note)}
}

func (s *MemoryStore) Create(_ context.Context, note *models.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if note.CreatedAt.IsZero() {
		note.CreatedAt = now
	}
	if note.UpdatedAt.IsZero() {
		note.UpdatedAt = note.CreatedAt
	}
	if note.Enrichment == "" {
		note.Enrichment = models.EnrichmentNone
	}
	if _, exists := s.notes[note.ID]; exists {
		return fmt.Errorf("note store: create: duplicate id %s", note.ID)
	}

	s.notes[note.ID] = cloneNote(note)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	note, ok := s.notes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNote(note), nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, patch models.NotePatch) (*models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	note, ok := s.notes[id]
	if !ok {
		return nil, ErrNotFound
	}

	if patch.Status != nil && *patch.Status != note.Status {
		if !note.Status.CanAdvance(*patch.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, note.Status, *patch.Status)
		}
	}
	if patch.ExpectedUpdatedAt != nil && !patch.ExpectedUpdatedAt.Equal(note.UpdatedAt) {
		// The patch still applies; the conflict is surfaced for operators.
		slog.Warn("note update raced a newer revision",
			"note_id", id,
			"expected_updated_at", patch.ExpectedUpdatedAt,
			"actual_updated_at", note.UpdatedAt)
	}

	if patch.Text != nil {
		note.Text = *patch.Text
	}
	if patch.Category != nil {
		note.Category = *patch.Category
	}
	if patch.Confidence != nil {
		note.Confidence = *patch.Confidence
	}
	if patch.Enrichment != nil {
		note.Enrichment = *patch.Enrichment
	}
	if patch.VisualContext != nil {
		note.VisualContext = patch.VisualContext
	}
	if patch.Status != nil {
		note.Status = *patch.Status
	}
	if patch.ExternalPermalink != nil {
		note.ExternalPermalink = *patch.ExternalPermalink
	}
	if patch.ErrorReason != nil {
		note.ErrorReason = *patch.ErrorReason
	}
	note.UpdatedAt = time.Now().UTC()

	return cloneNote(note), nil
}

func (s *MemoryStore) ListByVideo(_ context.Context, videoID string, opts models.NoteListOpts) ([]*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Note
	for _, note := range s.notes {
		if note.VideoID != videoID {
			continue
		}
		if !opts.Since.IsZero() && note.CreatedAt.Before(opts.Since) {
			continue
		}
		if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, note.Status) {
			continue
		}
		out = append(out, cloneNote(note))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TimestampSeconds != out[j].TimestampSeconds {
			return out[i].TimestampSeconds < out[j].TimestampSeconds
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return page(out, opts.Limit, opts.Offset), nil
}

func (s *MemoryStore) NearbyByTimestamp(_ context.Context, videoID string, ts float64, limit int) ([]*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Note
	for _, note := range s.notes {
		if note.VideoID != videoID || note.Status == models.NoteStatusArchived {
			continue
		}
		out = append(out, cloneNote(note))
	}

	sort.Slice(out, func(i, j int) bool {
		return math.Abs(out[i].TimestampSeconds-ts) < math.Abs(out[j].TimestampSeconds-ts)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []*models.Note{}
	}
	return out, nil
}

func (s *MemoryStore) SimilarByEmbedding(_ context.Context, videoID string, embedding []float32, limit int) ([]*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Note
	for _, note := range s.notes {
		if note.VideoID != videoID || note.Status == models.NoteStatusArchived {
			continue
		}
		if len(note.Embedding) == 0 {
			continue
		}
		out = append(out, cloneNote(note))
	}

	sort.Slice(out, func(i, j int) bool {
		return cosineDistance(out[i].Embedding, embedding) < cosineDistance(out[j].Embedding, embedding)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []*models.Note{}
	}
	return out, nil
}

func containsStatus(statuses []models.NoteStatus, s models.NoteStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func page(notes []*models.Note, limit, offset int) []*models.Note {
	if offset > 0 {
		if offset >= len(notes) {
			return []*models.Note{}
		}
		notes = notes[offset:]
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if len(notes) > limit {
		notes = notes[:limit]
	}
	if notes == nil {
		notes = []*models.Note{}
	}
	return notes
}

func cloneNote(n *models.Note) *models.Note {
	c := *n
	if n.VisualContext != nil {
		c.VisualContext = make(map[string]any, len(n.VisualContext))
		for k, v := range n.VisualContext {
			c.VisualContext[k] = v
		}
	}
	if n.Embedding != nil {
		c.Embedding = append([]float32(nil), n.Embedding...)
	}
	return &c
}

// cosineDistance matches the ordering pgvector's <=> operator produces.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.MaxFloat64
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return math.MaxFloat64
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
