package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sotto-labs/sotto/pkg/models"
)

// PostgresStore persists sessions and snapshots in the sessions and
// session_checkpoints tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a checkpoint store on the given pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertSession(ctx context.Context, session *models.Session) error {
	const q = `
		INSERT INTO sessions (id, user_id, device_id, video_id, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    device_id      = EXCLUDED.device_id,
		    video_id       = EXCLUDED.video_id,
		    last_active_at = GREATEST(sessions.last_active_at, EXCLUDED.last_active_at)`

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActiveAt.IsZero() {
		session.LastActiveAt = session.CreatedAt
	}

	_, err := s.pool.Exec(ctx, q,
		session.ID,
		session.UserID,
		session.DeviceID,
		session.VideoID,
		session.CreatedAt,
		session.LastActiveAt,
	)
	if err != nil {
		return fmt.Errorf("checkpoint store: upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	const q = `
		SELECT id, user_id, device_id, video_id, created_at, last_active_at
		FROM sessions
		WHERE id = $1`

	row := s.pool.QueryRow(ctx, q, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: get session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, opts models.SessionListOpts) ([]*models.Session, error) {
	var (
		conditions []string
		args       []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.UserID != "" {
		conditions = append(conditions, "user_id = "+next(opts.UserID))
	}
	if opts.VideoID != "" {
		conditions = append(conditions, "video_id = "+next(opts.VideoID))
	}
	if !opts.ActiveSince.IsZero() {
		conditions = append(conditions, "last_active_at >= "+next(opts.ActiveSince))
	}

	q := `SELECT id, user_id, device_id, video_id, created_at, last_active_at FROM sessions`
	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	q += " ORDER BY last_active_at DESC, id"

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	q += " LIMIT " + next(limit)
	if opts.Offset > 0 {
		q += " OFFSET " + next(opts.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return sessions, nil
}

func (s *PostgresStore) Save(ctx context.Context, cp *models.Checkpoint) error {
	const upsert = `
		INSERT INTO session_checkpoints
		    (session_id, status, video_id, video_timestamp, sequence, last_transition_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
		    status             = EXCLUDED.status,
		    video_id           = EXCLUDED.video_id,
		    video_timestamp    = EXCLUDED.video_timestamp,
		    sequence           = EXCLUDED.sequence,
		    last_transition_at = EXCLUDED.last_transition_at,
		    updated_at         = EXCLUDED.updated_at`
	const touch = `UPDATE sessions SET last_active_at = $2, video_id = $3 WHERE id = $1`

	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint store: save: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, upsert,
		cp.SessionID,
		cp.Status,
		cp.VideoID,
		cp.VideoTimestamp,
		int64(cp.Sequence),
		cp.LastTransitionAt,
		cp.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("checkpoint store: save: %w", err)
	}
	if _, err := tx.Exec(ctx, touch, cp.SessionID, cp.UpdatedAt, cp.VideoID); err != nil {
		return fmt.Errorf("checkpoint store: save: touch session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("checkpoint store: save: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, sessionID string) (*models.Checkpoint, error) {
	const q = `
		SELECT session_id, status, video_id, video_timestamp, sequence, last_transition_at, updated_at
		FROM session_checkpoints
		WHERE session_id = $1`

	var (
		cp  models.Checkpoint
		seq int64
	)
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(
		&cp.SessionID,
		&cp.Status,
		&cp.VideoID,
		&cp.VideoTimestamp,
		&seq,
		&cp.LastTransitionAt,
		&cp.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: load: %w", err)
	}
	cp.Sequence = uint64(seq)
	return &cp, nil
}

func (s *PostgresStore) DeleteStaleSessions(ctx context.Context, olderThan time.Time) (int64, error) {
	// Snapshots ride along via the ON DELETE CASCADE on session_checkpoints.
	const q = `DELETE FROM sessions WHERE last_active_at < $1`

	tag, err := s.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("checkpoint store: delete stale sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var session models.Session
	err := row.Scan(
		&session.ID,
		&session.UserID,
		&session.DeviceID,
		&session.VideoID,
		&session.CreatedAt,
		&session.LastActiveAt,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

const defaultListLimit = 100
