package notestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/sotto-labs/sotto/pkg/models"
)

// PostgresStore is the production note store backed by the notes table.
// Embeddings live in a pgvector column with an HNSW index.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a note store on the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const noteColumns = `id, session_id, user_id, video_id, timestamp_seconds, text, category,
	confidence, enrichment_source, visual_context, embedding, status,
	external_permalink, error_reason, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, note *models.Note) error {
	const q = `
		INSERT INTO notes
		    (id, session_id, user_id, video_id, timestamp_seconds, text, category,
		     confidence, enrichment_source, visual_context, embedding, status,
		     external_permalink, error_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

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

	var vec any
	if len(note.Embedding) > 0 {
		vec = pgvector.NewVector(note.Embedding)
	}
	vc := note.VisualContext
	if vc == nil {
		vc = map[string]any{}
	}

	_, err := s.pool.Exec(ctx, q,
		note.ID,
		note.SessionID,
		note.UserID,
		note.VideoID,
		note.TimestampSeconds,
		note.Text,
		note.Category,
		note.Confidence,
		note.Enrichment,
		vc,
		vec,
		note.Status,
		note.ExternalPermalink,
		note.ErrorReason,
		note.CreatedAt,
		note.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("note store: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Note, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = $1`, id)

	note, err := scanNote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("note store: get: %w", err)
	}
	return note, nil
}

func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, patch models.NotePatch) (*models.Note, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("note store: update: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE id = $1 FOR UPDATE`, id)
	current, err := scanNote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("note store: update: load: %w", err)
	}

	if patch.Status != nil && *patch.Status != current.Status {
		if !current.Status.CanAdvance(*patch.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, *patch.Status)
		}
	}
	if patch.ExpectedUpdatedAt != nil && !patch.ExpectedUpdatedAt.Equal(current.UpdatedAt) {
		// The patch still applies; the conflict is surfaced for operators.
		slog.Warn("note update raced a newer revision",
			"note_id", id,
			"expected_updated_at", patch.ExpectedUpdatedAt,
			"actual_updated_at", current.UpdatedAt)
	}

	var sets []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Text != nil {
		sets = append(sets, "text = "+next(*patch.Text))
	}
	if patch.Category != nil {
		sets = append(sets, "category = "+next(*patch.Category))
	}
	if patch.Confidence != nil {
		sets = append(sets, "confidence = "+next(*patch.Confidence))
	}
	if patch.Enrichment != nil {
		sets = append(sets, "enrichment_source = "+next(*patch.Enrichment))
	}
	if patch.VisualContext != nil {
		sets = append(sets, "visual_context = "+next(patch.VisualContext))
	}
	if patch.Status != nil {
		sets = append(sets, "status = "+next(*patch.Status))
	}
	if patch.ExternalPermalink != nil {
		sets = append(sets, "external_permalink = "+next(*patch.ExternalPermalink))
	}
	if patch.ErrorReason != nil {
		sets = append(sets, "error_reason = "+next(*patch.ErrorReason))
	}
	if len(sets) == 0 {
		return current, nil
	}
	sets = append(sets, "updated_at = "+next(time.Now().UTC()))

	q := fmt.Sprintf(
		"UPDATE notes SET %s WHERE id = %s RETURNING "+noteColumns,
		strings.Join(sets, ", "), next(id))

	updated, err := scanNote(tx.QueryRow(ctx, q, args...))
	if err != nil {
		return nil, fmt.Errorf("note store: update: apply: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("note store: update: commit: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) ListByVideo(ctx context.Context, videoID string, opts models.NoteListOpts) ([]*models.Note, error) {
	args := []any{videoID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"video_id = $1"}
	if !opts.Since.IsZero() {
		conditions = append(conditions, "created_at >= "+next(opts.Since))
	}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, "status = ANY("+next(statuses)+")")
	}

	q := "SELECT " + noteColumns + "\nFROM notes\nWHERE " +
		strings.Join(conditions, "\n  AND ") +
		"\nORDER BY timestamp_seconds, created_at"

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	q += "\nLIMIT " + next(limit)
	if opts.Offset > 0 {
		q += " OFFSET " + next(opts.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("note store: list by video: %w", err)
	}
	return collectNotes(rows)
}

func (s *PostgresStore) NearbyByTimestamp(ctx context.Context, videoID string, ts float64, limit int) ([]*models.Note, error) {
	const q = `
		SELECT ` + noteColumns + `
		FROM   notes
		WHERE  video_id = $1
		  AND  status <> 'archived'
		ORDER  BY abs(timestamp_seconds - $2)
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, videoID, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("note store: nearby by timestamp: %w", err)
	}
	return collectNotes(rows)
}

func (s *PostgresStore) SimilarByEmbedding(ctx context.Context, videoID string, embedding []float32, limit int) ([]*models.Note, error) {
	const q = `
		SELECT ` + noteColumns + `
		FROM   notes
		WHERE  video_id = $1
		  AND  status <> 'archived'
		  AND  embedding IS NOT NULL
		ORDER  BY embedding <=> $2
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, videoID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("note store: similar by embedding: %w", err)
	}
	return collectNotes(rows)
}

// collectNotes scans pgx rows into a slice of notes.
func collectNotes(rows pgx.Rows) ([]*models.Note, error) {
	notes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Note, error) {
		return scanNote(row)
	})
	if err != nil {
		return nil, fmt.Errorf("note store: scan rows: %w", err)
	}
	if notes == nil {
		notes = []*models.Note{}
	}
	return notes, nil
}

// scanNote scans a single row in noteColumns order.
func scanNote(row pgx.Row) (*models.Note, error) {
	var (
		n   models.Note
		vec *pgvector.Vector
	)
	if err := row.Scan(
		&n.ID,
		&n.SessionID,
		&n.UserID,
		&n.VideoID,
		&n.TimestampSeconds,
		&n.Text,
		&n.Category,
		&n.Confidence,
		&n.Enrichment,
		&n.VisualContext,
		&vec,
		&n.Status,
		&n.ExternalPermalink,
		&n.ErrorReason,
		&n.CreatedAt,
		&n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if vec != nil {
		n.Embedding = vec.Slice()
	}
	return &n, nil
}

const defaultListLimit = 100
