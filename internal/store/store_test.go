package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "auth.db"),
	})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{Username: "alice", Email: "alice@example.com", PasswordHash: "h", Role: RoleAdmin}
	require.NoError(t, s.Users.Create(ctx, u))
	require.NotEmpty(t, u.ID)

	got, err := s.Users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.True(t, got.IsAdmin())
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)

	dup := &User{Username: "alice", Email: "other@example.com", PasswordHash: "h"}
	assert.ErrorIs(t, s.Users.Create(ctx, dup), ErrAlreadyExists)

	require.NoError(t, s.Users.UpdateRole(ctx, u.ID, RoleUser))
	got, err = s.Users.GetByID(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, got.IsAdmin())

	require.NoError(t, s.Users.Delete(ctx, u.ID))
	_, err = s.Users.GetByID(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{Username: "bob", Email: "bob@example.com", PasswordHash: "h"}
	require.NoError(t, s.Users.Create(ctx, u))

	live := &Session{Token: "t-live", UserID: u.ID, ExpiresAt: time.Now().Add(time.Hour)}
	expired := &Session{Token: "t-old", UserID: u.ID, ExpiresAt: time.Now().Add(-time.Hour)}
	require.NoError(t, s.Sessions.Create(ctx, live))
	require.NoError(t, s.Sessions.Create(ctx, expired))

	got, err := s.Sessions.Get(ctx, "t-live")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)

	_, err = s.Sessions.Get(ctx, "t-old")
	assert.ErrorIs(t, err, ErrNotFound, "expired sessions read as missing")

	require.NoError(t, s.Sessions.DeleteForUser(ctx, u.ID))
	_, err = s.Sessions.Get(ctx, "t-live")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserDeleteCascadesSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{Username: "carol", Email: "carol@example.com", PasswordHash: "h"}
	require.NoError(t, s.Users.Create(ctx, u))
	require.NoError(t, s.Sessions.Create(ctx, &Session{
		Token: "t1", UserID: u.ID, ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, s.Users.Delete(ctx, u.ID))
	_, err := s.Sessions.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUncategorizedTeamIsSeeded(t *testing.T) {
	s := newTestStore(t)

	team, err := s.Teams.Get(context.Background(), UncategorizedTeamID)
	require.NoError(t, err)
	assert.True(t, team.IsSystem)

	// System teams resist update and delete.
	team.Name = "renamed"
	assert.ErrorIs(t, s.Teams.Update(context.Background(), team), ErrNotFound)
	assert.ErrorIs(t, s.Teams.Delete(context.Background(), UncategorizedTeamID), ErrNotFound)
}

func TestMemberships(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &User{Username: "dave", Email: "dave@example.com", PasswordHash: "h"}
	require.NoError(t, s.Users.Create(ctx, u))
	team := &Team{Name: "team-1"}
	require.NoError(t, s.Teams.Create(ctx, team))

	m := &Membership{UserID: u.ID, TeamID: team.ID, Permissions: []string{"view_analyses"}}
	require.NoError(t, s.Teams.SetMembership(ctx, m))

	got, err := s.Teams.GetMembership(ctx, u.ID, team.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"view_analyses"}, got.Permissions)

	// Upsert replaces the permission set.
	m.Permissions = []string{"view_analyses", "run_analyses"}
	require.NoError(t, s.Teams.SetMembership(ctx, m))
	got, err = s.Teams.GetMembership(ctx, u.ID, team.ID)
	require.NoError(t, err)
	assert.Len(t, got.Permissions, 2)

	require.NoError(t, s.Teams.RemoveMembership(ctx, u.ID, team.ID))
	assert.ErrorIs(t, s.Teams.RemoveMembership(ctx, u.ID, team.ID), ErrNotFound)
}

func TestAnalysisLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	team := &Team{Name: "team-1"}
	require.NoError(t, s.Teams.Create(ctx, team))

	a := &Analysis{ID: "an-1", Name: "My Analysis", TeamID: team.ID, Enabled: true}
	require.NoError(t, s.Analyses.Create(ctx, a))
	assert.Equal(t, 1, a.CurrentVersion)
	assert.Equal(t, IntendedStopped, a.IntendedState)

	got, err := s.Analyses.Get(ctx, "an-1")
	require.NoError(t, err)
	assert.Equal(t, "My Analysis", got.Name)
	assert.Nil(t, got.LastStartTime)

	require.NoError(t, s.Analyses.SetIntendedState(ctx, "an-1", IntendedRunning, true))
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.Analyses.TouchStart(ctx, "an-1", now))

	got, err = s.Analyses.Get(ctx, "an-1")
	require.NoError(t, err)
	assert.Equal(t, IntendedRunning, got.IntendedState)
	require.NotNil(t, got.LastStartTime)
	assert.WithinDuration(t, now, *got.LastStartTime, time.Second)

	require.NoError(t, s.Analyses.Rename(ctx, "an-1", "Renamed"))
	require.NoError(t, s.Analyses.SetVersion(ctx, "an-1", 2))

	listed, err := s.Analyses.ListByTeams(ctx, []string{team.ID})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "Renamed", listed[0].Name)
	assert.Equal(t, 2, listed[0].CurrentVersion)

	require.NoError(t, s.Analyses.Delete(ctx, "an-1"))
	_, err = s.Analyses.Get(ctx, "an-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMoveTeamAnalyses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	team := &Team{Name: "doomed"}
	require.NoError(t, s.Teams.Create(ctx, team))
	require.NoError(t, s.Analyses.Create(ctx, &Analysis{ID: "an-1", Name: "a", TeamID: team.ID}))
	require.NoError(t, s.Analyses.Create(ctx, &Analysis{ID: "an-2", Name: "b", TeamID: team.ID}))

	moved, err := s.Analyses.MoveTeamAnalyses(ctx, team.ID, UncategorizedTeamID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"an-1", "an-2"}, moved)

	require.NoError(t, s.Teams.Delete(ctx, team.ID))

	got, err := s.Analyses.Get(ctx, "an-1")
	require.NoError(t, err)
	assert.Equal(t, UncategorizedTeamID, got.TeamID)
}

func TestTreeBuildAndMove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	team := &Team{Name: "team-1"}
	require.NoError(t, s.Teams.Create(ctx, team))

	root := &Folder{TeamID: team.ID, Name: "Root Folder"}
	require.NoError(t, s.Tree.CreateFolder(ctx, root))
	child := &Folder{TeamID: team.ID, ParentID: root.ID, Name: "Child"}
	require.NoError(t, s.Tree.CreateFolder(ctx, child))

	require.NoError(t, s.Analyses.Create(ctx, &Analysis{ID: "an-1", Name: "a", TeamID: team.ID, FolderID: ""}))
	require.NoError(t, s.Tree.MoveAnalysis(ctx, nil, "an-1", child.ID))

	items, err := s.Tree.Build(ctx, team.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "folder", items[0].Type)
	require.Len(t, items[0].Items, 1)
	childItem := items[0].Items[0]
	assert.Equal(t, "Child", childItem.Name)
	require.Len(t, childItem.Items, 1)
	assert.Equal(t, "analysis", childItem.Items[0].Type)
	assert.Equal(t, "an-1", childItem.Items[0].ID)

	// An item appears exactly once after a move.
	require.NoError(t, s.Tree.MoveAnalysis(ctx, nil, "an-1", ""))
	items, err = s.Tree.Build(ctx, team.ID)
	require.NoError(t, err)

	var leafCount int
	var walk func(items []TreeItem)
	walk = func(items []TreeItem) {
		for _, it := range items {
			if it.Type == "analysis" && it.ID == "an-1" {
				leafCount++
			}
			walk(it.Items)
		}
	}
	walk(items)
	assert.Equal(t, 1, leafCount)
}

func TestMoveFolderRejectsCycles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	team := &Team{Name: "team-1"}
	require.NoError(t, s.Teams.Create(ctx, team))

	a := &Folder{TeamID: team.ID, Name: "A"}
	require.NoError(t, s.Tree.CreateFolder(ctx, a))
	b := &Folder{TeamID: team.ID, ParentID: a.ID, Name: "B"}
	require.NoError(t, s.Tree.CreateFolder(ctx, b))

	err := s.Tree.MoveFolder(ctx, nil, a.ID, b.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subtree")
}
