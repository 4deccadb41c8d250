package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"analysisd/pkg/telemetry"
)

// UserRepository persists user accounts.
type UserRepository struct {
	db *sql.DB
}

// Create inserts a user, generating an id when absent.
func (r *UserRepository) Create(ctx context.Context, user *User) error {
	ctx, span := telemetry.StartSpan(ctx, "UserRepository.Create")
	defer span.End()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Role == "" {
		user.Role = RoleUser
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.PasswordHash, user.Role,
		encodeTime(user.CreatedAt), encodeTime(user.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *UserRepository) scanUser(row *sql.Row) (*User, error) {
	var u User
	var createdAt, updatedAt string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.CreatedAt = decodeTime(createdAt)
	u.UpdatedAt = decodeTime(updatedAt)
	return &u, nil
}

// GetByID fetches a user by id.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*User, error) {
	ctx, span := telemetry.StartSpan(ctx, "UserRepository.GetByID")
	defer span.End()

	return r.scanUser(r.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, role, created_at, updated_at
		FROM users WHERE id = ?`, id))
}

// GetByUsername fetches a user by username.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	ctx, span := telemetry.StartSpan(ctx, "UserRepository.GetByUsername")
	defer span.End()

	return r.scanUser(r.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, role, created_at, updated_at
		FROM users WHERE username = ?`, username))
}

// List returns all users ordered by username.
func (r *UserRepository) List(ctx context.Context) ([]*User, error) {
	ctx, span := telemetry.StartSpan(ctx, "UserRepository.List")
	defer span.End()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, username, email, password_hash, role, created_at, updated_at
		FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var u User
		var createdAt, updatedAt string
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Role, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		u.CreatedAt = decodeTime(createdAt)
		u.UpdatedAt = decodeTime(updatedAt)
		users = append(users, &u)
	}
	return users, rows.Err()
}

// UpdateRole changes a user's global role.
func (r *UserRepository) UpdateRole(ctx context.Context, id, role string) error {
	ctx, span := telemetry.StartSpan(ctx, "UserRepository.UpdateRole")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET role = ?, updated_at = ? WHERE id = ?`,
		role, encodeTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return requireRow(res)
}

// Delete removes a user; sessions and memberships cascade.
func (r *UserRepository) Delete(ctx context.Context, id string) error {
	ctx, span := telemetry.StartSpan(ctx, "UserRepository.Delete")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation matches sqlite's unique-constraint failure without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
