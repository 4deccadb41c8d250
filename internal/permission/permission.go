// Package permission resolves (user, team, permission) triples against the
// metadata store. Store failures resolve to deny and are logged; the HTTP
// path never sees them as errors.
package permission

import (
	"context"
	"errors"
	"slices"

	"analysisd/internal/store"
	"analysisd/pkg/logger"
	"analysisd/pkg/telemetry"
)

// Permission names the fine-grained analysis permissions carried by team
// memberships.
type Permission string

const (
	UploadAnalyses   Permission = "upload_analyses"
	ViewAnalyses     Permission = "view_analyses"
	RunAnalyses      Permission = "run_analyses"
	EditAnalyses     Permission = "edit_analyses"
	DeleteAnalyses   Permission = "delete_analyses"
	DownloadAnalyses Permission = "download_analyses"
)

// All lists every known permission, for request validation.
var All = []Permission{
	UploadAnalyses, ViewAnalyses, RunAnalyses,
	EditAnalyses, DeleteAnalyses, DownloadAnalyses,
}

// Valid reports whether p names a known permission.
func Valid(p Permission) bool {
	return slices.Contains(All, p)
}

// Resolver derives effective permissions from users, teams and memberships.
type Resolver struct {
	store *store.Store
}

// NewResolver creates a resolver over the metadata store.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Can reports whether the user holds perm on teamID. Global admins are
// always allowed.
func (r *Resolver) Can(ctx context.Context, user *store.User, teamID string, perm Permission) bool {
	ctx, span := telemetry.StartSpan(ctx, "Resolver.Can")
	defer span.End()

	if user == nil {
		return false
	}
	if user.IsAdmin() {
		return true
	}

	m, err := r.store.Teams.GetMembership(ctx, user.ID, teamID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error("Permission lookup failed", "user_id", user.ID, "team_id", teamID, "error", err)
		}
		return false
	}
	return slices.Contains(m.Permissions, string(perm))
}

// HasAnyTeamPermission reports whether the user holds perm on at least one
// team.
func (r *Resolver) HasAnyTeamPermission(ctx context.Context, user *store.User, perm Permission) bool {
	return len(r.TeamIDs(ctx, user, perm)) > 0
}

// TeamIDs returns the teams where the user holds perm. For admins this is
// every team.
func (r *Resolver) TeamIDs(ctx context.Context, user *store.User, perm Permission) []string {
	ctx, span := telemetry.StartSpan(ctx, "Resolver.TeamIDs")
	defer span.End()

	if user == nil {
		return nil
	}
	if user.IsAdmin() {
		teams, err := r.store.Teams.List(ctx)
		if err != nil {
			logger.Error("Team list failed", "error", err)
			return nil
		}
		ids := make([]string, 0, len(teams))
		for _, t := range teams {
			ids = append(ids, t.ID)
		}
		return ids
	}

	memberships, err := r.store.Teams.ListMembershipsForUser(ctx, user.ID)
	if err != nil {
		logger.Error("Membership list failed", "user_id", user.ID, "error", err)
		return nil
	}
	var ids []string
	for _, m := range memberships {
		if slices.Contains(m.Permissions, string(perm)) {
			ids = append(ids, m.TeamID)
		}
	}
	return ids
}

// UsersWithTeamAccess returns user ids holding perm on teamID, plus every
// admin. The fan-out uses it for addressing.
func (r *Resolver) UsersWithTeamAccess(ctx context.Context, teamID string, perm Permission) []string {
	ctx, span := telemetry.StartSpan(ctx, "Resolver.UsersWithTeamAccess")
	defer span.End()

	seen := map[string]bool{}
	var ids []string

	memberships, err := r.store.Teams.ListMembershipsForTeam(ctx, teamID)
	if err != nil {
		logger.Error("Membership list failed", "team_id", teamID, "error", err)
	} else {
		for _, m := range memberships {
			if slices.Contains(m.Permissions, string(perm)) && !seen[m.UserID] {
				seen[m.UserID] = true
				ids = append(ids, m.UserID)
			}
		}
	}

	users, err := r.store.Users.List(ctx)
	if err != nil {
		logger.Error("User list failed", "error", err)
		return ids
	}
	for _, u := range users {
		if u.IsAdmin() && !seen[u.ID] {
			seen[u.ID] = true
			ids = append(ids, u.ID)
		}
	}
	return ids
}
