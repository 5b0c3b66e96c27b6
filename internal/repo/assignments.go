package repo

import (
	"context"
	"database/sql"

	"github.com/poliarc/election-management-system-sub008/internal/domain"
)

// EnsureUser creates the user or refreshes a non-empty name.
func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO users(id,name,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name WHERE excluded.name<>''`, u.ID, u.Name, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM users WHERE id=?`, id).Scan(&u.ID, &u.Name, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) Assign(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO assignments(user_id,node_id,created_at) VALUES (?,?,?)`,
		a.UserID, a.NodeID, a.CreatedAt)
	return err
}

func (r Repo) Unassign(ctx context.Context, tx *sql.Tx, userID string, nodeID int64) error {
	res, err := r.on(tx).ExecContext(ctx, `DELETE FROM assignments WHERE user_id=? AND node_id=?`, userID, nodeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignedUsers lists users assigned to nodeID in assignment order.
func (r Repo) AssignedUsers(ctx context.Context, tx *sql.Tx, nodeID int64) ([]domain.User, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT u.id,u.name,u.created_at FROM assignments a
JOIN users u ON u.id=a.user_id WHERE a.node_id=? ORDER BY a.created_at, u.id`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.User{}
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// LevelIDsForUser returns the ids of every node the user is assigned to.
func (r Repo) LevelIDsForUser(ctx context.Context, tx *sql.Tx, userID string) ([]int64, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT node_id FROM assignments WHERE user_id=? ORDER BY node_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}
