// Package hierarchy walks an administrative tree of unknown depth one level at
// a time, pausing at each intermediate level until the caller selects a node.
package hierarchy

import (
	"context"
	"fmt"
	"sync"

	"github.com/poliarc/election-management-system-sub008/internal/domain"
	"github.com/poliarc/election-management-system-sub008/internal/errs"
)

// ChildSource fetches the direct children of a node. It must return an empty
// slice, not an error, for nodes without descendants.
type ChildSource interface {
	Children(ctx context.Context, nodeID int64) ([]domain.HierarchyNode, error)
}

// ChildSourceFunc adapts a function to ChildSource.
type ChildSourceFunc func(ctx context.Context, nodeID int64) ([]domain.HierarchyNode, error)

func (f ChildSourceFunc) Children(ctx context.Context, nodeID int64) ([]domain.HierarchyNode, error) {
	return f(ctx, nodeID)
}

type Explorer struct {
	src        ChildSource
	classifier Classifier

	mu     sync.Mutex
	state  domain.DiscoveryResult
	loaded bool
}

func NewExplorer(src ChildSource, classifier Classifier) *Explorer {
	return &Explorer{src: src, classifier: classifier}
}

// Discover resets the explorer and fetches the children of startNodeID.
func (x *Explorer) Discover(ctx context.Context, startNodeID int64) (domain.DiscoveryResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.state = domain.DiscoveryResult{StartNodeID: startNodeID, Levels: []domain.HierarchyLevel{}}
	x.loaded = true
	err := x.expand(ctx, startNodeID, 0)
	return x.snapshot(), err
}

// Select picks nodeID at an intermediate level, drops every deeper level and
// the leaf set, then discovers beneath the selection.
func (x *Explorer) Select(ctx context.Context, levelIndex int, nodeID int64) (domain.DiscoveryResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.loaded {
		return domain.DiscoveryResult{}, errs.Validation("level_index", "nothing discovered yet")
	}
	if levelIndex < 0 || levelIndex >= len(x.state.Levels) {
		return x.snapshot(), errs.Validation("level_index", fmt.Sprintf("level %d has not been discovered", levelIndex))
	}
	level := &x.state.Levels[levelIndex]
	if !containsNode(level.Members, nodeID) {
		return x.snapshot(), errs.Validation("node_id", fmt.Sprintf("node %d is not a member of level %d", nodeID, levelIndex))
	}
	x.state.Levels = x.state.Levels[:levelIndex+1]
	id := nodeID
	level.SelectedID = &id
	x.state.Leaves = nil
	x.state.LeafLevelName = ""
	x.state.LeafFilterID = nil
	x.state.DeadEnd = false
	err := x.expand(ctx, nodeID, levelIndex+1)
	return x.snapshot(), err
}

// SelectLeaf narrows the discovered leaf set to a single member.
func (x *Explorer) SelectLeaf(nodeID int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !containsNode(x.state.Leaves, nodeID) {
		return errs.Validation("leaf_id", fmt.Sprintf("node %d is not in the leaf set", nodeID))
	}
	id := nodeID
	x.state.LeafFilterID = &id
	return nil
}

func (x *Explorer) Result() domain.DiscoveryResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snapshot()
}

// expand must be called with mu held.
func (x *Explorer) expand(ctx context.Context, parentID int64, index int) error {
	children, err := x.src.Children(ctx, parentID)
	if err != nil {
		if errs.IsNotFound(err) {
			return err
		}
		return errs.FetchError{Op: fmt.Sprintf("fetch children of node %d", parentID), Err: err}
	}
	if len(children) == 0 {
		x.state.DeadEnd = true
		return nil
	}
	if x.classifier.IsLeafBatch(children) {
		x.state.Leaves = children
		x.state.LeafLevelName = children[0].LevelName
		return nil
	}
	x.state.Levels = append(x.state.Levels, domain.HierarchyLevel{
		Index:   index,
		Name:    children[0].LevelName,
		Members: children,
	})
	return nil
}

func (x *Explorer) snapshot() domain.DiscoveryResult {
	out := x.state
	out.Levels = make([]domain.HierarchyLevel, len(x.state.Levels))
	for i, l := range x.state.Levels {
		cp := l
		cp.Members = append([]domain.HierarchyNode(nil), l.Members...)
		if l.SelectedID != nil {
			id := *l.SelectedID
			cp.SelectedID = &id
		}
		out.Levels[i] = cp
	}
	if x.state.Leaves != nil {
		out.Leaves = append([]domain.HierarchyNode(nil), x.state.Leaves...)
	}
	if x.state.LeafFilterID != nil {
		id := *x.state.LeafFilterID
		out.LeafFilterID = &id
	}
	return out
}

// Walk runs Discover from startNodeID and then selects path[i] at level i.
// A failed step returns the explorer with the partial state reached so far.
func Walk(ctx context.Context, src ChildSource, classifier Classifier, startNodeID int64, path []int64) (*Explorer, error) {
	x := NewExplorer(src, classifier)
	if _, err := x.Discover(ctx, startNodeID); err != nil {
		return x, err
	}
	for i, id := range path {
		if _, err := x.Select(ctx, i, id); err != nil {
			return x, err
		}
	}
	return x, nil
}

func containsNode(nodes []domain.HierarchyNode, id int64) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}
