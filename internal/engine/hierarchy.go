package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/poliarc/election-management-system-sub008/internal/domain"
	"github.com/poliarc/election-management-system-sub008/internal/errs"
	"github.com/poliarc/election-management-system-sub008/internal/events"
	"github.com/poliarc/election-management-system-sub008/internal/hierarchy"
	"github.com/poliarc/election-management-system-sub008/internal/repo"
)

// NodeSpec is one node of an imported hierarchy document.
type NodeSpec struct {
	ID       int64      `yaml:"id" json:"id" validate:"required,gt=0"`
	Name     string     `yaml:"name" json:"name" validate:"required"`
	Level    string     `yaml:"level" json:"level" validate:"required"`
	Inactive bool       `yaml:"inactive" json:"inactive,omitempty"`
	Children []NodeSpec `yaml:"children" json:"children,omitempty" validate:"dive"`
}

type UserSpec struct {
	ID     string  `yaml:"id" json:"id" validate:"required"`
	Name   string  `yaml:"name" json:"name"`
	Levels []int64 `yaml:"levels" json:"levels" validate:"dive,gt=0"`
}

// HierarchyDocument is the import format: a forest of nodes plus users with
// their level assignments.
type HierarchyDocument struct {
	Nodes []NodeSpec `yaml:"nodes" json:"nodes" validate:"required,min=1,dive"`
	Users []UserSpec `yaml:"users" json:"users" validate:"dive"`
}

type ImportSummary struct {
	Nodes       int `json:"nodes"`
	Leaves      int `json:"leaves"`
	Users       int `json:"users"`
	Assignments int `json:"assignments"`
}

// ParseHierarchyDocument decodes and validates YAML (or JSON) input.
func ParseHierarchyDocument(data []byte) (HierarchyDocument, error) {
	var doc HierarchyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return doc, errs.Validation("document", fmt.Sprintf("invalid hierarchy document: %v", err))
	}
	if err := validate.Struct(doc); err != nil {
		return doc, validationError(err)
	}
	return doc, nil
}

// ImportHierarchy upserts level kinds from config, then every node and user
// in doc, in one transaction. The leaf flag of each node is resolved here from
// its level name.
func (e Engine) ImportHierarchy(ctx context.Context, doc HierarchyDocument, actorID string) (ImportSummary, error) {
	var sum ImportSummary
	if err := validate.Struct(doc); err != nil {
		return sum, validationError(err)
	}
	cfg := e.config()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return sum, err
	}
	defer tx.Rollback()

	for i, k := range cfg.Hierarchy.LevelKinds {
		if err := e.Repo.UpsertLevelKind(ctx, tx, domain.LevelKind{Name: k.Name, Rank: i, Leaf: k.Leaf}); err != nil {
			return sum, fmt.Errorf("upsert level kind %s: %w", k.Name, err)
		}
	}
	now := e.stamp()
	seen := map[int64]bool{}
	var walk func(nodes []NodeSpec, parent *int64) error
	walk = func(nodes []NodeSpec, parent *int64) error {
		for _, spec := range nodes {
			if seen[spec.ID] {
				return errs.Validation("id", fmt.Sprintf("node %d appears twice", spec.ID))
			}
			seen[spec.ID] = true
			if _, ok := cfg.LevelRank(spec.Level); !ok {
				e.logger(ctx).Warn("level not in configured level kinds", zap.Int64("node_id", spec.ID), zap.String("level", spec.Level))
			}
			n := domain.HierarchyNode{
				ID:          spec.ID,
				DisplayName: spec.Name,
				LevelName:   spec.Level,
				ParentID:    parent,
				IsActive:    !spec.Inactive,
				IsLeafLevel: cfg.IsLeafKind(spec.Level),
			}
			if err := e.Repo.UpsertNode(ctx, tx, n, now); err != nil {
				return fmt.Errorf("upsert node %d: %w", spec.ID, err)
			}
			sum.Nodes++
			if n.IsLeafLevel {
				sum.Leaves++
			}
			id := spec.ID
			if err := walk(spec.Children, &id); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(doc.Nodes, nil); err != nil {
		return sum, err
	}
	for _, u := range doc.Users {
		if err := e.Repo.EnsureUser(ctx, tx, domain.User{ID: u.ID, Name: u.Name, CreatedAt: now}); err != nil {
			return sum, fmt.Errorf("upsert user %s: %w", u.ID, err)
		}
		sum.Users++
		for _, lvl := range u.Levels {
			if _, err := e.Repo.GetNode(ctx, tx, lvl); err != nil {
				return sum, notFound(err, "node", lvl)
			}
			if err := e.Repo.Assign(ctx, tx, domain.Assignment{UserID: u.ID, NodeID: lvl, CreatedAt: now}); err != nil {
				return sum, fmt.Errorf("assign %s to %d: %w", u.ID, lvl, err)
			}
			sum.Assignments++
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeHierarchyImport, "hierarchy", "", actorID, events.EventPayload{
		"nodes": sum.Nodes, "leaves": sum.Leaves, "users": sum.Users, "assignments": sum.Assignments,
	}); err != nil {
		return sum, err
	}
	if err := tx.Commit(); err != nil {
		return sum, err
	}
	e.logger(ctx).Info("hierarchy imported", zap.Int("nodes", sum.Nodes), zap.Int("users", sum.Users))
	return sum, nil
}

func (e Engine) Node(ctx context.Context, id int64) (domain.HierarchyNode, error) {
	n, err := e.Repo.GetNode(ctx, nil, id)
	if err != nil {
		return n, notFound(err, "node", id)
	}
	return n, nil
}

func (e Engine) Roots(ctx context.Context) ([]domain.HierarchyNode, error) {
	return e.Repo.Roots(ctx)
}

// Children is the storage-backed child source used by discovery. Unknown
// nodes surface as NotFoundError; childless nodes as an empty slice.
func (e Engine) Children(ctx context.Context, nodeID int64) ([]domain.HierarchyNode, error) {
	children, err := e.Repo.Children(ctx, nodeID)
	if err != nil {
		return nil, notFound(err, "node", nodeID)
	}
	return children, nil
}

// NewExplorer returns an explorer over stored nodes.
func (e Engine) NewExplorer() *hierarchy.Explorer {
	return hierarchy.NewExplorer(hierarchy.ChildSourceFunc(e.Children), e.Classifier())
}

// Discover walks from startNodeID along path and optionally narrows the leaf
// set to leafID. A failed step still returns the partial result.
func (e Engine) Discover(ctx context.Context, startNodeID int64, path []int64, leafID *int64) (domain.DiscoveryResult, error) {
	x, err := hierarchy.Walk(ctx, hierarchy.ChildSourceFunc(e.Children), e.Classifier(), startNodeID, path)
	if err != nil {
		return x.Result(), err
	}
	if leafID != nil {
		if err := x.SelectLeaf(*leafID); err != nil {
			return x.Result(), err
		}
	}
	return x.Result(), nil
}

// AssignedUsers lists users assigned to nodeID.
func (e Engine) AssignedUsers(ctx context.Context, nodeID int64) ([]domain.User, error) {
	if _, err := e.Node(ctx, nodeID); err != nil {
		return nil, err
	}
	users, err := e.Repo.AssignedUsers(ctx, nil, nodeID)
	if err != nil {
		return nil, errs.FetchError{Op: fmt.Sprintf("fetch users of node %d", nodeID), Err: err}
	}
	return users, nil
}

// CallerLevels returns the nodes userID is assigned to.
func (e Engine) CallerLevels(ctx context.Context, userID string) ([]domain.HierarchyNode, error) {
	ids, err := e.Auth.CallerLevelIDs(ctx, nil, userID)
	if err != nil {
		return nil, err
	}
	nodes := make([]domain.HierarchyNode, 0, len(ids))
	for _, id := range ids {
		n, err := e.Repo.GetNode(ctx, nil, id)
		if err != nil {
			return nil, notFound(err, "node", id)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (e Engine) EnsureUser(ctx context.Context, id, name string) (domain.User, error) {
	u := domain.User{ID: id, Name: name, CreatedAt: e.stamp()}
	if err := validate.Var(id, "required"); err != nil {
		return u, errs.Validation("id", "user id is required")
	}
	if err := e.Repo.EnsureUser(ctx, nil, u); err != nil {
		return u, err
	}
	return e.Repo.GetUser(ctx, id)
}

func (e Engine) Assign(ctx context.Context, userID string, nodeID int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetNode(ctx, tx, nodeID); err != nil {
		return notFound(err, "node", nodeID)
	}
	now := e.stamp()
	if err := e.Repo.EnsureUser(ctx, tx, domain.User{ID: userID, CreatedAt: now}); err != nil {
		return err
	}
	if err := e.Repo.Assign(ctx, tx, domain.Assignment{UserID: userID, NodeID: nodeID, CreatedAt: now}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeAssignment, "node", fmt.Sprint(nodeID), actorID, events.EventPayload{"user_id": userID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) Unassign(ctx context.Context, userID string, nodeID int64, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.Unassign(ctx, tx, userID, nodeID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errs.NotFound("assignment", fmt.Sprintf("%s@%d", userID, nodeID))
		}
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeUnassignment, "node", fmt.Sprint(nodeID), actorID, events.EventPayload{"user_id": userID}); err != nil {
		return err
	}
	return tx.Commit()
}
