package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/threadline/pkg/models"
)

const uniqueViolation = "23505"

// Schema creates the thread tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS threads (
	id          TEXT PRIMARY KEY,
	resource_id TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS threads_resource_updated_idx
	ON threads (resource_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS thread_messages (
	seq         BIGSERIAL PRIMARY KEY,
	id          TEXT NOT NULL UNIQUE,
	thread_id   TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	resource_id TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	parts       JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS thread_messages_thread_seq_idx
	ON thread_messages (thread_id, seq);
`

// Migrate applies Schema on pool.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply thread schema: %w", err)
	}
	return nil
}

// PostgresStore persists threads using pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const threadColumns = `id, resource_id, title, metadata, created_at, updated_at`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var (
		t        models.Thread
		metadata []byte
	)
	if err := row.Scan(&t.ID, &t.ResourceID, &t.Title, &metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if len(metadata) > 0 && string(metadata) != "{}" {
		t.Metadata = json.RawMessage(metadata)
	}
	return &t, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads WHERE id = $1`, id)
	thread, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return thread, nil
}

func (s *PostgresStore) ListThreadsByOwner(ctx context.Context, ownerID string) ([]models.Thread, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+threadColumns+`
		FROM threads
		WHERE resource_id = $1
		ORDER BY updated_at DESC, id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	out := make([]models.Thread, 0)
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		out = append(out, *thread)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = thread.CreatedAt
	}
	metadata := []byte(thread.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO threads (id, resource_id, title, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		thread.ID, thread.ResourceID, thread.Title, metadata, thread.CreatedAt, thread.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrThreadExists, thread.ID)
		}
		return fmt.Errorf("create thread %s: %w", thread.ID, err)
	}
	return nil
}

func (s *PostgresStore) TouchThread(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE threads SET updated_at = GREATEST(updated_at, $2)
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch thread %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, id, title string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE threads SET title = $2 WHERE id = $1`, id, title)
	if err != nil {
		return fmt.Errorf("update title %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) DeleteThread(ctx context.Context, id, callerOwnerID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	var owner string
	err = tx.QueryRow(ctx, `SELECT resource_id FROM threads WHERE id = $1 FOR UPDATE`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("lock thread %s: %w", id, err)
	}
	if owner != callerOwnerID {
		return fmt.Errorf("%w: %s", ErrForbidden, id)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete thread %s: %w", id, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	prepareMessage(msg)
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("encode parts: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO thread_messages (id, thread_id, resource_id, role, content, parts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.ThreadID, msg.ResourceID, msg.Role, msg.Content, parts, msg.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("%w: %s", ErrNotFound, msg.ThreadID)
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

const messageColumns = `id, thread_id, resource_id, role, content, parts, created_at`

func (s *PostgresStore) QueryMessages(ctx context.Context, threadID, ownerID string, q Query) ([]models.Message, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if err := CheckOwner(thread, ownerID); err != nil {
		return nil, err
	}

	var rows pgx.Rows
	switch {
	case q.Before != "":
		seq, err := s.cursorSeq(ctx, threadID, q.Before)
		if err != nil {
			return nil, err
		}
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM (
				SELECT seq, `+messageColumns+` FROM thread_messages
				WHERE thread_id = $1 AND seq <= $2
				ORDER BY seq DESC
				LIMIT $3
			) page ORDER BY seq ASC`, threadID, seq, q.Limit)
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
	case q.After != "":
		seq, err := s.cursorSeq(ctx, threadID, q.After)
		if err != nil {
			return nil, err
		}
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM thread_messages
			WHERE thread_id = $1 AND seq >= $2
			ORDER BY seq ASC
			LIMIT $3`, threadID, seq, q.Limit)
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
	default:
		return s.RecentMessages(ctx, threadID, q.Limit)
	}

	return collectMessages(rows)
}

func (s *PostgresStore) RecentMessages(ctx context.Context, threadID string, n int) ([]models.Message, error) {
	if n <= 0 {
		return []models.Message{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT seq, `+messageColumns+` FROM thread_messages
			WHERE thread_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) page ORDER BY seq ASC`, threadID, n)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	return collectMessages(rows)
}

func (s *PostgresStore) cursorSeq(ctx context.Context, threadID, messageID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT seq FROM thread_messages WHERE thread_id = $1 AND id = $2`,
		threadID, messageID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrCursorNotFound, messageID)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve cursor %s: %w", messageID, err)
	}
	return seq, nil
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()

	out := make([]models.Message, 0)
	for rows.Next() {
		var (
			m     models.Message
			parts []byte
		)
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.ResourceID, &m.Role, &m.Content, &parts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := json.Unmarshal(parts, &m.Parts); err != nil {
			return nil, fmt.Errorf("decode parts for %s: %w", m.ID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
