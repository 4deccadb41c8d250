package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"analysisd/pkg/telemetry"
)

// SessionRepository persists issued session tokens.
type SessionRepository struct {
	db *sql.DB
}

// Create inserts a session row.
func (r *SessionRepository) Create(ctx context.Context, sess *Session) error {
	ctx, span := telemetry.StartSpan(ctx, "SessionRepository.Create")
	defer span.End()

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (token, user_id, expires_at, created_at)
		VALUES (?, ?, ?, ?)`,
		sess.Token, sess.UserID, encodeTime(sess.ExpiresAt), encodeTime(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get fetches a session by token; expired sessions are deleted and
// reported as missing.
func (r *SessionRepository) Get(ctx context.Context, token string) (*Session, error) {
	ctx, span := telemetry.StartSpan(ctx, "SessionRepository.Get")
	defer span.End()

	var sess Session
	var expiresAt, createdAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT token, user_id, expires_at, created_at FROM sessions WHERE token = ?`,
		token).Scan(&sess.Token, &sess.UserID, &expiresAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	sess.ExpiresAt = decodeTime(expiresAt)
	sess.CreatedAt = decodeTime(createdAt)

	if sess.Expired() {
		_, _ = r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
		return nil, ErrNotFound
	}
	return &sess, nil
}

// Delete removes one session (logout).
func (r *SessionRepository) Delete(ctx context.Context, token string) error {
	ctx, span := telemetry.StartSpan(ctx, "SessionRepository.Delete")
	defer span.End()

	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteForUser removes every session of a user (force logout).
func (r *SessionRepository) DeleteForUser(ctx context.Context, userID string) error {
	ctx, span := telemetry.StartSpan(ctx, "SessionRepository.DeleteForUser")
	defer span.End()

	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("failed to delete user sessions: %w", err)
	}
	return nil
}

// PurgeExpired removes all sessions past their expiry and returns the count.
func (r *SessionRepository) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "SessionRepository.PurgeExpired")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`,
		encodeTime(time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return res.RowsAffected()
}
