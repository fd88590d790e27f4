package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sotto-labs/sotto/pkg/models"
	"github.com/sotto-labs/sotto/pkg/notestore"
	testdb "github.com/sotto-labs/sotto/test/database"
)

// embeddingDims matches the notes.embedding column definition.
const embeddingDims = 512

func testEmbedding(seed float32) []float32 {
	vec := make([]float32, embeddingDims)
	vec[0] = seed
	vec[1] = 1 - seed
	return vec
}

func newNote(videoID string, ts float64) *models.Note {
	return &models.Note{
		ID:               uuid.New(),
		SessionID:        "sess-" + uuid.NewString()[:8],
		UserID:           "user-1",
		VideoID:          videoID,
		TimestampSeconds: ts,
		Text:             "color grade shifts between shots",
		Category:         "visual",
		Confidence:       0.78,
		Status:           models.NoteStatusGhost,
	}
}

func TestNoteStorePostgres_RoundTrip(t *testing.T) {
	skipShort(t)
	store := notestore.NewPostgresStore(testdb.NewTestPool(t))
	ctx := context.Background()

	t.Run("create fills defaults and survives a read", func(t *testing.T) {
		note := newNote("video-rt", 12.5)
		note.VisualContext = map[string]any{"scene": "intro", "brightness": 0.4}
		note.Embedding = testEmbedding(0.3)
		require.NoError(t, store.Create(ctx, note))

		got, err := store.Get(ctx, note.ID)
		require.NoError(t, err)
		assert.Equal(t, note.Text, got.Text)
		assert.Equal(t, models.EnrichmentNone, got.Enrichment)
		assert.Equal(t, "intro", got.VisualContext["scene"])
		assert.Len(t, got.Embedding, embeddingDims)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("note without embedding scans as nil", func(t *testing.T) {
		note := newNote("video-rt", 20)
		require.NoError(t, store.Create(ctx, note))

		got, err := store.Get(ctx, note.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Embedding)
	})

	t.Run("unknown id is ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, uuid.New())
		assert.ErrorIs(t, err, notestore.ErrNotFound)
	})
}

func TestNoteStorePostgres_Update(t *testing.T) {
	skipShort(t)
	store := notestore.NewPostgresStore(testdb.NewTestPool(t))
	ctx := context.Background()

	t.Run("lifecycle advances forward only", func(t *testing.T) {
		note := newNote("video-up", 5)
		require.NoError(t, store.Create(ctx, note))

		firmed := models.NoteStatusFirmed
		updated, err := store.Update(ctx, note.ID, models.NotePatch{Status: &firmed})
		require.NoError(t, err)
		assert.Equal(t, models.NoteStatusFirmed, updated.Status)
		assert.True(t, updated.UpdatedAt.After(updated.CreatedAt))

		ghost := models.NoteStatusGhost
		_, err = store.Update(ctx, note.ID, models.NotePatch{Status: &ghost})
		assert.ErrorIs(t, err, notestore.ErrInvalidTransition)
	})

	t.Run("same-status patch is a no-op", func(t *testing.T) {
		note := newNote("video-up", 6)
		require.NoError(t, store.Create(ctx, note))

		ghost := models.NoteStatusGhost
		updated, err := store.Update(ctx, note.ID, models.NotePatch{Status: &ghost})
		require.NoError(t, err)
		assert.Equal(t, models.NoteStatusGhost, updated.Status)
	})

	t.Run("stale expected revision still applies", func(t *testing.T) {
		note := newNote("video-up", 7)
		require.NoError(t, store.Create(ctx, note))

		stale := note.CreatedAt.Add(-time.Hour)
		text := "rewritten after refinement"
		updated, err := store.Update(ctx, note.ID, models.NotePatch{
			Text:              &text,
			ExpectedUpdatedAt: &stale,
		})
		require.NoError(t, err)
		assert.Equal(t, text, updated.Text)
	})

	t.Run("visual context patch replaces the map", func(t *testing.T) {
		note := newNote("video-up", 8)
		note.VisualContext = map[string]any{"scene": "old"}
		require.NoError(t, store.Create(ctx, note))

		enrichment := models.EnrichmentCloudVision
		updated, err := store.Update(ctx, note.ID, models.NotePatch{
			Enrichment:    &enrichment,
			VisualContext: map[string]any{"scene": "refined"},
		})
		require.NoError(t, err)
		assert.Equal(t, models.EnrichmentCloudVision, updated.Enrichment)
		assert.Equal(t, "refined", updated.VisualContext["scene"])
	})
}

func TestNoteStorePostgres_Queries(t *testing.T) {
	skipShort(t)
	store := notestore.NewPostgresStore(testdb.NewTestPool(t))
	ctx := context.Background()

	// Three notes spread across the timeline, one archived, one embedded.
	early := newNote("video-q", 10)
	early.Embedding = testEmbedding(0.1)
	mid := newNote("video-q", 60)
	mid.Embedding = testEmbedding(0.9)
	late := newNote("video-q", 120)
	other := newNote("video-other", 10)
	for _, n := range []*models.Note{mid, late, early, other} {
		require.NoError(t, store.Create(ctx, n))
	}
	archived := models.NoteStatusArchived
	_, err := store.Update(ctx, late.ID, models.NotePatch{Status: &archived})
	require.NoError(t, err)

	t.Run("list by video orders by timestamp", func(t *testing.T) {
		notes, err := store.ListByVideo(ctx, "video-q", models.NoteListOpts{})
		require.NoError(t, err)
		require.Len(t, notes, 3)
		assert.Equal(t, early.ID, notes[0].ID)
		assert.Equal(t, mid.ID, notes[1].ID)
		assert.Equal(t, late.ID, notes[2].ID)
	})

	t.Run("list filters by status", func(t *testing.T) {
		notes, err := store.ListByVideo(ctx, "video-q", models.NoteListOpts{
			Statuses: []models.NoteStatus{models.NoteStatusArchived},
		})
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, late.ID, notes[0].ID)
	})

	t.Run("nearby skips archived notes", func(t *testing.T) {
		notes, err := store.NearbyByTimestamp(ctx, "video-q", 115, 2)
		require.NoError(t, err)
		require.Len(t, notes, 2)
		// 120 is the closest but archived; 60 then 10 remain.
		assert.Equal(t, mid.ID, notes[0].ID)
		assert.Equal(t, early.ID, notes[1].ID)
	})

	t.Run("similar orders by cosine distance", func(t *testing.T) {
		notes, err := store.SimilarByEmbedding(ctx, "video-q", testEmbedding(0.85), 5)
		require.NoError(t, err)
		// late has no embedding and is archived; early and mid qualify.
		require.Len(t, notes, 2)
		assert.Equal(t, mid.ID, notes[0].ID)
		assert.Equal(t, early.ID, notes[1].ID)
	})
}
