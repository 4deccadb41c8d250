package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"analysisd/pkg/telemetry"
)

// TeamRepository persists teams and memberships.
type TeamRepository struct {
	db *sql.DB
}

// Create inserts a team.
func (r *TeamRepository) Create(ctx context.Context, team *Team) error {
	ctx, span := telemetry.StartSpan(ctx, "TeamRepository.Create")
	defer span.End()

	if team.ID == "" {
		team.ID = uuid.NewString()
	}
	if team.Color == "" {
		team.Color = "#808080"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO teams (id, name, color, order_index, is_system)
		VALUES (?, ?, ?, ?, 0)`,
		team.ID, team.Name, team.Color, team.OrderIndex)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create team: %w", err)
	}
	return nil
}

// Get fetches a team by id.
func (r *TeamRepository) Get(ctx context.Context, id string) (*Team, error) {
	ctx, span := telemetry.StartSpan(ctx, "TeamRepository.Get")
	defer span.End()

	var t Team
	var isSystem int
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, color, order_index, is_system FROM teams WHERE id = ?`,
		id).Scan(&t.ID, &t.Name, &t.Color, &t.OrderIndex, &isSystem)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get team: %w", err)
	}
	t.IsSystem = isSystem != 0
	return &t, nil
}

// List returns all teams ordered by order index then name.
func (r *TeamRepository) List(ctx context.Context) ([]*Team, error) {
	ctx, span := telemetry.StartSpan(ctx, "TeamRepository.List")
	defer span.End()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, color, order_index, is_system
		FROM teams ORDER BY order_index, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	var teams []*Team
	for rows.Next() {
		var t Team
		var isSystem int
		if err := rows.Scan(&t.ID, &t.Name, &t.Color, &t.OrderIndex, &isSystem); err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		t.IsSystem = isSystem != 0
		teams = append(teams, &t)
	}
	return teams, rows.Err()
}

// Update modifies a team's mutable fields.
func (r *TeamRepository) Update(ctx context.Context, team *Team) error {
	ctx, span := telemetry.StartSpan(ctx, "TeamRepository.Update")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `
		UPDATE teams SET name = ?, color = ?, order_index = ? WHERE id = ? AND is_system = 0`,
		team.Name, team.Color, team.OrderIndex, team.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to update team: %w", err)
	}
	return requireRow(res)
}

// Delete removes a non-system team. The caller is responsible for moving
// the team's analyses first (see AnalysisRepository.MoveTeamAnalyses).
func (r *TeamRepository) Delete(ctx context.Context, id string) error {
	ctx, span := telemetry.StartSpan(ctx, "TeamRepository.Delete")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `DELETE FROM teams WHERE id = ? AND is_system = 0`, id)
	if err != nil {
		return fmt.Errorf("failed to delete team: %w", err)
	}
	return requireRow(res)
}

// SetMembership upserts a user's membership on a team with the given
// permission set.
func (r *TeamRepository) SetMembership(ctx context.Context, m *Membership) error {
	ctx, span := telemetry.StartSpan(ctx, "TeamRepository.SetMembership")
	defer span.End()

	perms, err := json.Marshal(m.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode permissions: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO memberships (user_id, team_id, permissions) VALUES (?, ?, ?)
		ON CONFLICT (user_id, team_id) DO UPDATE SET permissions = excluded.permissions`,
		m.UserID, m.TeamID, string(perms))
	if err != nil {
		return fmt.Errorf("failed to set membership: %w", err)
	}
	return nil
}

// RemoveMembership deletes a user's membership on a team. Returns
// ErrNotFound when no such membership exists ("Member not found").
func (r *TeamRepository) RemoveMembership(ctx context.Context, userID, teamID string) error {
	ctx, span := telemetry.StartSpan(ctx, "TeamRepository.RemoveMembership")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM memberships WHERE user_id = ? AND team_id = ?`, userID, teamID)
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	return requireRow(res)
}

// GetMembership fetches one membership.
func (r *TeamRepository) GetMembership(ctx context.Context, userID, teamID string) (*Membership, error) {
	ctx, span := telemetry.StartSpan(ctx, "TeamRepository.GetMembership")
	defer span.End()

	var m Membership
	var perms string
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, team_id, permissions FROM memberships
		WHERE user_id = ? AND team_id = ?`, userID, teamID).
		Scan(&m.UserID, &m.TeamID, &perms)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &m.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions: %w", err)
	}
	return &m, nil
}

// ListMembershipsForUser returns all memberships of one user.
func (r *TeamRepository) ListMembershipsForUser(ctx context.Context, userID string) ([]*Membership, error) {
	ctx, span := telemetry.StartSpan(ctx, "TeamRepository.ListMembershipsForUser")
	defer span.End()

	return r.listMemberships(ctx, `
		SELECT user_id, team_id, permissions FROM memberships WHERE user_id = ?`, userID)
}

// ListMembershipsForTeam returns all memberships on one team.
func (r *TeamRepository) ListMembershipsForTeam(ctx context.Context, teamID string) ([]*Membership, error) {
	ctx, span := telemetry.StartSpan(ctx, "TeamRepository.ListMembershipsForTeam")
	defer span.End()

	return r.listMemberships(ctx, `
		SELECT user_id, team_id, permissions FROM memberships WHERE team_id = ?`, teamID)
}

func (r *TeamRepository) listMemberships(ctx context.Context, query string, arg any) ([]*Membership, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	defer rows.Close()

	var result []*Membership
	for rows.Next() {
		var m Membership
		var perms string
		if err := rows.Scan(&m.UserID, &m.TeamID, &perms); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		if err := json.Unmarshal([]byte(perms), &m.Permissions); err != nil {
			return nil, fmt.Errorf("failed to decode permissions: %w", err)
		}
		result = append(result, &m)
	}
	return result, rows.Err()
}
