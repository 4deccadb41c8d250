package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"analysisd/pkg/telemetry"
)

// TreeRepository persists the per-team folder tree. An item appears exactly
// once: the parent pointer lives on the item itself, so moves are a single
// update inside a transaction.
type TreeRepository struct {
	db *sql.DB
}

// CreateFolder inserts a folder under parentID ("" for the team root).
func (r *TreeRepository) CreateFolder(ctx context.Context, f *Folder) error {
	ctx, span := telemetry.StartSpan(ctx, "TreeRepository.CreateFolder")
	defer span.End()

	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO folders (id, team_id, parent_id, name, order_index)
		VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.TeamID, nullable(f.ParentID), f.Name, f.OrderIndex)
	if err != nil {
		return fmt.Errorf("failed to create folder: %w", err)
	}
	return nil
}

// RenameFolder updates a folder name.
func (r *TreeRepository) RenameFolder(ctx context.Context, id, name string) error {
	ctx, span := telemetry.StartSpan(ctx, "TreeRepository.RenameFolder")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `UPDATE folders SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("failed to rename folder: %w", err)
	}
	return requireRow(res)
}

// DeleteFolder removes a folder; children cascade, contained analyses fall
// back to the team root via ON DELETE SET NULL.
func (r *TreeRepository) DeleteFolder(ctx context.Context, id string) error {
	ctx, span := telemetry.StartSpan(ctx, "TreeRepository.DeleteFolder")
	defer span.End()

	res, err := r.db.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return requireRow(res)
}

// GetFolder fetches one folder.
func (r *TreeRepository) GetFolder(ctx context.Context, id string) (*Folder, error) {
	ctx, span := telemetry.StartSpan(ctx, "TreeRepository.GetFolder")
	defer span.End()

	var f Folder
	var parent sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, team_id, parent_id, name, order_index FROM folders WHERE id = ?`, id).
		Scan(&f.ID, &f.TeamID, &parent, &f.Name, &f.OrderIndex)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	f.ParentID = parent.String
	return &f, nil
}

// MoveFolder re-parents a folder within its team. The single parent pointer
// makes the removal from the old parent and insertion under the new one one
// atomic statement; a cycle check guards against a folder becoming its own
// ancestor.
func (r *TreeRepository) MoveFolder(ctx context.Context, tx *sql.Tx, id, newParentID string) error {
	ctx, span := telemetry.StartSpan(ctx, "TreeRepository.MoveFolder")
	defer span.End()

	var q querier = r.db
	if tx != nil {
		q = tx
	}

	// Walk up from the new parent; hitting id means a cycle.
	current := newParentID
	for current != "" {
		if current == id {
			return fmt.Errorf("cannot move folder into its own subtree")
		}
		var parent sql.NullString
		err := q.QueryRowContext(ctx, `SELECT parent_id FROM folders WHERE id = ?`, current).Scan(&parent)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to walk folder ancestry: %w", err)
		}
		current = parent.String
	}

	res, err := q.ExecContext(ctx, `UPDATE folders SET parent_id = ? WHERE id = ?`,
		nullable(newParentID), id)
	if err != nil {
		return fmt.Errorf("failed to move folder: %w", err)
	}
	return requireRow(res)
}

// MoveAnalysis re-parents an analysis leaf to folderID ("" for team root).
func (r *TreeRepository) MoveAnalysis(ctx context.Context, tx *sql.Tx, analysisID, folderID string) error {
	ctx, span := telemetry.StartSpan(ctx, "TreeRepository.MoveAnalysis")
	defer span.End()

	var q querier = r.db
	if tx != nil {
		q = tx
	}

	res, err := q.ExecContext(ctx, `UPDATE analyses SET folder_id = ? WHERE id = ?`,
		nullable(folderID), analysisID)
	if err != nil {
		return fmt.Errorf("failed to move analysis: %w", err)
	}
	return requireRow(res)
}

// Build assembles the rendered tree for one team: folders nested by parent,
// analysis leaves attached to their folder or the root.
func (r *TreeRepository) Build(ctx context.Context, teamID string) ([]TreeItem, error) {
	ctx, span := telemetry.StartSpan(ctx, "TreeRepository.Build")
	defer span.End()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, parent_id, name, order_index FROM folders WHERE team_id = ?`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	type folderNode struct {
		item       TreeItem
		parentID   string
		orderIndex int
	}
	nodes := map[string]*folderNode{}
	for rows.Next() {
		var id, name string
		var parent sql.NullString
		var orderIndex int
		if err := rows.Scan(&id, &parent, &name, &orderIndex); err != nil {
			rows.Close()
			return nil, err
		}
		nodes[id] = &folderNode{
			item:       TreeItem{ID: id, Type: "folder", Name: name},
			parentID:   parent.String,
			orderIndex: orderIndex,
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	leafRows, err := r.db.QueryContext(ctx, `
		SELECT id, folder_id FROM analyses WHERE team_id = ? ORDER BY name`, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}
	type leaf struct {
		item     TreeItem
		folderID string
	}
	var leaves []leaf
	for leafRows.Next() {
		var id string
		var folderID sql.NullString
		if err := leafRows.Scan(&id, &folderID); err != nil {
			leafRows.Close()
			return nil, err
		}
		leaves = append(leaves, leaf{
			item:     TreeItem{ID: id, Type: "analysis"},
			folderID: folderID.String,
		})
	}
	leafRows.Close()
	if err := leafRows.Err(); err != nil {
		return nil, err
	}

	// Attach leaves.
	var rootItems []TreeItem
	for _, l := range leaves {
		if node, ok := nodes[l.folderID]; ok {
			node.item.Items = append(node.item.Items, l.item)
		} else {
			rootItems = append(rootItems, l.item)
		}
	}

	// Nest folders bottom-up. Sort ids for a stable assembly order, then
	// attach each node to its parent (or the root).
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := nodes[ids[i]], nodes[ids[j]]
		if a.orderIndex != b.orderIndex {
			return a.orderIndex < b.orderIndex
		}
		return a.item.Name < b.item.Name
	})

	// Children must be fully assembled before the parent captures them, so
	// process leaf-most folders first by repeatedly attaching nodes whose
	// children are done.
	attached := map[string]bool{}
	for len(attached) < len(nodes) {
		progressed := false
		for _, id := range ids {
			if attached[id] {
				continue
			}
			node := nodes[id]
			hasUnattachedChild := false
			for _, cid := range ids {
				if !attached[cid] && nodes[cid].parentID == id {
					hasUnattachedChild = true
					break
				}
			}
			if hasUnattachedChild {
				continue
			}
			if parent, ok := nodes[node.parentID]; ok {
				parent.item.Items = append([]TreeItem{node.item}, parent.item.Items...)
			} else {
				rootItems = append([]TreeItem{node.item}, rootItems...)
			}
			attached[id] = true
			progressed = true
		}
		if !progressed {
			// Orphan cycle on disk; attach remaining nodes at the root
			// rather than loop forever.
			for _, id := range ids {
				if !attached[id] {
					rootItems = append(rootItems, nodes[id].item)
					attached[id] = true
				}
			}
		}
	}

	return rootItems, nil
}
