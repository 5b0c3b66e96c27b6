package repo

import (
	"context"
	"database/sql"

	"github.com/poliarc/election-management-system-sub008/internal/domain"
)

const nodeColumns = `n.id,n.display_name,n.level_name,n.parent_id,n.is_active,n.is_leaf_level,
(SELECT COUNT(*) FROM assignments a WHERE a.node_id=n.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(s rowScanner, extra ...any) (domain.HierarchyNode, error) {
	var n domain.HierarchyNode
	var parent sql.NullInt64
	dest := append([]any{&n.ID, &n.DisplayName, &n.LevelName, &parent, &n.IsActive, &n.IsLeafLevel, &n.AssignedUserCount}, extra...)
	if err := s.Scan(dest...); err != nil {
		return n, err
	}
	if parent.Valid {
		p := parent.Int64
		n.ParentID = &p
	}
	return n, nil
}

func (r Repo) UpsertLevelKind(ctx context.Context, tx *sql.Tx, k domain.LevelKind) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO level_kinds(name,rank,is_leaf) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET rank=excluded.rank, is_leaf=excluded.is_leaf`, k.Name, k.Rank, k.Leaf)
	return err
}

func (r Repo) ListLevelKinds(ctx context.Context) ([]domain.LevelKind, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,rank,is_leaf FROM level_kinds ORDER BY rank`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LevelKind
	for rows.Next() {
		var k domain.LevelKind
		if err := rows.Scan(&k.Name, &k.Rank, &k.Leaf); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}

// UpsertNode inserts a node or updates it in place. AssignedUserCount is ignored.
func (r Repo) UpsertNode(ctx context.Context, tx *sql.Tx, n domain.HierarchyNode, now string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO nodes(id,display_name,level_name,parent_id,is_active,is_leaf_level,created_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, level_name=excluded.level_name,
parent_id=excluded.parent_id, is_active=excluded.is_active, is_leaf_level=excluded.is_leaf_level`,
		n.ID, n.DisplayName, n.LevelName, nullableInt64Ptr(n.ParentID), n.IsActive, n.IsLeafLevel, now)
	return err
}

func (r Repo) GetNode(ctx context.Context, tx *sql.Tx, id int64) (domain.HierarchyNode, error) {
	n, err := scanNode(r.on(tx).QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes n WHERE n.id=?`, id))
	if err == sql.ErrNoRows {
		return n, ErrNotFound
	}
	return n, err
}

// Children returns the direct children of nodeID ordered by display name. A
// node without children yields an empty slice; an unknown node ErrNotFound.
func (r Repo) Children(ctx context.Context, nodeID int64) ([]domain.HierarchyNode, error) {
	if _, err := r.GetNode(ctx, nil, nodeID); err != nil {
		return nil, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes n WHERE n.parent_id=? ORDER BY n.display_name, n.id`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HierarchyNode{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// Ancestors returns the parent chain of nodeID, nearest first.
func (r Repo) Ancestors(ctx context.Context, tx *sql.Tx, nodeID int64) ([]domain.HierarchyNode, error) {
	rows, err := r.on(tx).QueryContext(ctx, `WITH RECURSIVE chain(id, depth) AS (
  SELECT parent_id, 1 FROM nodes WHERE id=?
  UNION ALL
  SELECT p.parent_id, c.depth+1 FROM nodes p JOIN chain c ON p.id=c.id WHERE p.parent_id IS NOT NULL
)
SELECT `+nodeColumns+` FROM chain c JOIN nodes n ON n.id=c.id ORDER BY c.depth`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HierarchyNode{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// Roots returns nodes without a parent.
func (r Repo) Roots(ctx context.Context) ([]domain.HierarchyNode, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes n WHERE n.parent_id IS NULL ORDER BY n.display_name, n.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.HierarchyNode{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}
