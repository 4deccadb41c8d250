package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"analysisd/pkg/telemetry"
)

// AnalysisRepository persists the analysis index.
type AnalysisRepository struct {
	db *sql.DB
}

const analysisColumns = `id, name, team_id, folder_id, enabled, intended_state,
	current_version, last_start_time, created_at, updated_at`

func scanAnalysis(scan func(dest ...any) error) (*Analysis, error) {
	var a Analysis
	var teamID, folderID, lastStart sql.NullString
	var enabled int
	var createdAt, updatedAt string
	err := scan(&a.ID, &a.Name, &teamID, &folderID, &enabled, &a.IntendedState,
		&a.CurrentVersion, &lastStart, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.TeamID = teamID.String
	if a.TeamID == "" {
		a.TeamID = UncategorizedTeamID
	}
	a.FolderID = folderID.String
	a.Enabled = enabled != 0
	a.LastStartTime = decodeNullTime(lastStart)
	a.CreatedAt = decodeTime(createdAt)
	a.UpdatedAt = decodeTime(updatedAt)
	return &a, nil
}

// Create inserts an analysis row.
func (r *AnalysisRepository) Create(ctx context.Context, a *Analysis) error {
	ctx, span := telemetry.StartSpan(ctx, "AnalysisRepository.Create")
	defer span.End()

	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.TeamID == "" {
		a.TeamID = UncategorizedTeamID
	}
	if a.IntendedState == "" {
		a.IntendedState = IntendedStopped
	}
	if a.CurrentVersion == 0 {
		a.CurrentVersion = 1
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO analyses (id, name, team_id, folder_id, enabled, intended_state,
			current_version, last_start_time, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		a.ID, a.Name, a.TeamID, nullable(a.FolderID), boolToInt(a.Enabled),
		a.IntendedState, a.CurrentVersion, encodeTime(a.CreatedAt), encodeTime(a.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create analysis: %w", err)
	}
	return nil
}

// Get fetches one analysis.
func (r *AnalysisRepository) Get(ctx context.Context, id string) (*Analysis, error) {
	ctx, span := telemetry.StartSpan(ctx, "AnalysisRepository.Get")
	defer span.End()

	row := r.db.QueryRowContext(ctx, `SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id)
	a, err := scanAnalysis(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}
	return a, nil
}

// List returns every analysis, name-ordered.
func (r *AnalysisRepository) List(ctx context.Context) ([]*Analysis, error) {
	ctx, span := telemetry.StartSpan(ctx, "AnalysisRepository.List")
	defer span.End()

	return r.list(ctx, `SELECT `+analysisColumns+` FROM analyses ORDER BY name`)
}

// ListByTeams returns analyses belonging to any of the given teams.
func (r *AnalysisRepository) ListByTeams(ctx context.Context, teamIDs []string) ([]*Analysis, error) {
	ctx, span := telemetry.StartSpan(ctx, "AnalysisRepository.ListByTeams")
	defer span.End()

	if len(teamIDs) == 0 {
		return nil, nil
	}
	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE team_id IN (?`
	args := []any{teamIDs[0]}
	for _, id := range teamIDs[1:] {
		query += ",?"
		args = append(args, id)
	}
	query += `) ORDER BY name`
	return r.list(ctx, query, args...)
}

func (r *AnalysisRepository) list(ctx context.Context, query string, args ...any) ([]*Analysis, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer rows.Close()

	var result []*Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// Rename updates the analysis name.
func (r *AnalysisRepository) Rename(ctx context.Context, id, name string) error {
	ctx, span := telemetry.StartSpan(ctx, "AnalysisRepository.Rename")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `
		UPDATE analyses SET name = ?, updated_at = ? WHERE id = ?`,
		name, encodeTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to rename analysis: %w", err)
	}
	return requireRow(res)
}

// SetIntendedState records the operator's latest wish and enabled flag.
func (r *AnalysisRepository) SetIntendedState(ctx context.Context, id, state string, enabled bool) error {
	ctx, span := telemetry.StartSpan(ctx, "AnalysisRepository.SetIntendedState")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `
		UPDATE analyses SET intended_state = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		state, boolToInt(enabled), encodeTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to set intended state: %w", err)
	}
	return requireRow(res)
}

// TouchStart stamps the last start time.
func (r *AnalysisRepository) TouchStart(ctx context.Context, id string, t time.Time) error {
	ctx, span := telemetry.StartSpan(ctx, "AnalysisRepository.TouchStart")
	defer span.End()

	_, err := r.db.ExecContext(ctx, `
		UPDATE analyses SET last_start_time = ? WHERE id = ?`,
		encodeTime(t), id)
	if err != nil {
		return fmt.Errorf("failed to stamp start time: %w", err)
	}
	return nil
}

// SetVersion records the current source version.
func (r *AnalysisRepository) SetVersion(ctx context.Context, id string, version int) error {
	ctx, span := telemetry.StartSpan(ctx, "AnalysisRepository.SetVersion")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `
		UPDATE analyses SET current_version = ?, updated_at = ? WHERE id = ?`,
		version, encodeTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to set version: %w", err)
	}
	return requireRow(res)
}

// MoveToTeam reassigns an analysis to another team and detaches it from its
// folder (folders are team-scoped).
func (r *AnalysisRepository) MoveToTeam(ctx context.Context, id, teamID string) error {
	ctx, span := telemetry.StartSpan(ctx, "AnalysisRepository.MoveToTeam")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `
		UPDATE analyses SET team_id = ?, folder_id = NULL, updated_at = ? WHERE id = ?`,
		teamID, encodeTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to move analysis: %w", err)
	}
	return requireRow(res)
}

// MoveTeamAnalyses reassigns every analysis of one team, returning the
// affected ids. Used when a team is deleted.
func (r *AnalysisRepository) MoveTeamAnalyses(ctx context.Context, fromTeam, toTeam string) ([]string, error) {
	ctx, span := telemetry.StartSpan(ctx, "AnalysisRepository.MoveTeamAnalyses")
	defer span.End()

	rows, err := r.db.QueryContext(ctx, `SELECT id FROM analyses WHERE team_id = ?`, fromTeam)
	if err != nil {
		return nil, fmt.Errorf("failed to list team analyses: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE analyses SET team_id = ?, folder_id = NULL, updated_at = ? WHERE team_id = ?`,
		toTeam, encodeTime(time.Now().UTC()), fromTeam)
	if err != nil {
		return nil, fmt.Errorf("failed to move team analyses: %w", err)
	}
	return ids, nil
}

// Delete removes the index row.
func (r *AnalysisRepository) Delete(ctx context.Context, id string) error {
	ctx, span := telemetry.StartSpan(ctx, "AnalysisRepository.Delete")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `DELETE FROM analyses WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete analysis: %w", err)
	}
	return requireRow(res)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
