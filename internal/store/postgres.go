package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// profileTTL is how long a cached native-identity profile stays fresh.
const profileTTL = 24 * time.Hour

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// EnsureRoom records the room→thread mapping if it is not known yet. A
// second room claiming an already-mapped (tenant, slug) violates the unique
// index and fails loudly rather than silently diverging.
func (s *PostgresStore) EnsureRoom(ctx context.Context, roomID, tenant, slug string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (room_id, site_id, post_slug)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id) DO NOTHING
	`, roomID, tenant, slug)
	if err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRoomMeta(ctx context.Context, roomID string) (*RoomMeta, error) {
	var meta RoomMeta
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, site_id, post_slug FROM rooms WHERE room_id=$1
	`, roomID).Scan(&meta.RoomID, &meta.Tenant, &meta.Slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get room meta: %w", err)
	}
	return &meta, nil
}

// UpsertComment inserts a comment row, or on conflict updates only the
// fields an edit may change. Creation-time fields are immutable on conflict,
// which makes re-delivery of the same event a safe no-op.
func (s *PostgresStore) UpsertComment(ctx context.Context, roomID string, c Comment, rawEvent *string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert comment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The mapping may be missing when the event raced ahead of the command
	// path; recording it here keeps the read path consistent.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (room_id, site_id, post_slug)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id) DO NOTHING
	`, roomID, c.Tenant, c.Slug); err != nil {
		return fmt.Errorf("ensure room for comment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comments (
			id, room_id, author_id, author_name, author_fingerprint, avatar_url,
			is_guest, is_redacted, content, reply_to, created_at, updated_at,
			txn_id, raw_event
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			is_redacted = EXCLUDED.is_redacted,
			updated_at = EXCLUDED.updated_at,
			author_name = EXCLUDED.author_name,
			avatar_url = EXCLUDED.avatar_url
	`, c.ID, roomID, c.AuthorID, c.AuthorName, c.AuthorFingerprint, c.AvatarURL,
		c.IsGuest, c.IsRedacted, c.Content, c.ReplyTo, c.CreatedAt, c.UpdatedAt,
		c.TxnID, rawEvent); err != nil {
		return fmt.Errorf("upsert comment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (*Comment, error) {
	var c Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, r.site_id, r.post_slug, c.author_id, c.author_name,
			c.author_fingerprint, c.avatar_url, c.is_guest, c.is_redacted,
			c.content, c.reply_to, c.created_at, c.updated_at, c.txn_id
		FROM comments c
		JOIN rooms r ON r.room_id = c.room_id
		WHERE c.id=$1
	`, commentID).Scan(
		&c.ID, &c.Tenant, &c.Slug, &c.AuthorID, &c.AuthorName,
		&c.AuthorFingerprint, &c.AvatarURL, &c.IsGuest, &c.IsRedacted,
		&c.Content, &c.ReplyTo, &c.CreatedAt, &c.UpdatedAt, &c.TxnID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get comment: %w", err)
	}
	return &c, nil
}

// DeleteComment soft-deletes the target: content cleared, author replaced by
// the deletion sentinel, redaction flag set. The id stays so reply threads
// keep their shape. Returns the owning (tenant, slug), or nil when the
// target is unknown (a no-op, not an error).
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) (*RoomMeta, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete comment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var meta RoomMeta
	err = tx.QueryRowContext(ctx, `
		SELECT r.room_id, r.site_id, r.post_slug
		FROM comments c
		JOIN rooms r ON r.room_id = c.room_id
		WHERE c.id=$1
	`, commentID).Scan(&meta.RoomID, &meta.Tenant, &meta.Slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup comment for delete: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE comments
		SET content='', author_name=$2, is_redacted=TRUE, avatar_url=NULL
		WHERE id=$1
	`, commentID, DeletedAuthorName); err != nil {
		return nil, fmt.Errorf("soft delete comment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete comment: %w", err)
	}
	return &meta, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, tenant, slug string, limit, offset int) ([]Comment, int, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, r.site_id, r.post_slug, c.author_id, c.author_name,
			c.author_fingerprint, c.avatar_url, c.is_guest, c.is_redacted,
			c.content, c.reply_to, c.created_at, c.updated_at, c.txn_id
		FROM comments c
		JOIN rooms r ON r.room_id = c.room_id
		WHERE r.site_id=$1 AND r.post_slug=$2
		ORDER BY c.created_at ASC
		LIMIT $3 OFFSET $4
	`, tenant, slug, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var c Comment
		if err := rows.Scan(
			&c.ID, &c.Tenant, &c.Slug, &c.AuthorID, &c.AuthorName,
			&c.AuthorFingerprint, &c.AvatarURL, &c.IsGuest, &c.IsRedacted,
			&c.Content, &c.ReplyTo, &c.CreatedAt, &c.UpdatedAt, &c.TxnID,
		); err != nil {
			return nil, 0, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate comments: %w", err)
	}

	var total int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM comments c
		JOIN rooms r ON r.room_id = c.room_id
		WHERE r.site_id=$1 AND r.post_slug=$2
	`, tenant, slug).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count comments: %w", err)
	}
	return items, total, nil
}

// GetProfile returns the cached profile, or nil when absent or stale.
func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, display_name, avatar_url, last_refreshed_at
		FROM profiles
		WHERE user_id=$1 AND last_refreshed_at > $2
	`, userID, time.Now().Add(-profileTTL)).Scan(&p.UserID, &p.DisplayName, &p.AvatarURL, &p.LastRefreshed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) PutProfile(ctx context.Context, userID string, displayName, avatarURL *string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, avatar_url, last_refreshed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			last_refreshed_at = EXCLUDED.last_refreshed_at
	`, userID, displayName, avatarURL)
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSyncToken(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='sync_token'`).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sync token: %w", err)
	}
	return token, nil
}

func (s *PostgresStore) SaveSyncToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('sync_token', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, token)
	if err != nil {
		return fmt.Errorf("save sync token: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
