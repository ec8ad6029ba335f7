// Package deps answers two questions about the task graph: which tasks in
// a candidate set are effectively blocked, and whether a new edge would
// close a dependency cycle. Both work in batches; neither issues one
// query per task.
package deps

import (
	"context"
	"database/sql"

	"github.com/basket/taskhive/internal/store"
)

// Resolver evaluates blocking over the relationship graph.
type Resolver struct {
	store *store.Store
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// Blocked computes the subset of ids that must not be offered as
// available. A task is blocked when an incomplete blocker points at it
// (blocked_by edge from the blocker, or blocking edge to the blocker), or
// when any subtask descendant is blocked itself.
func (r *Resolver) Blocked(ctx context.Context, ids []int64) (map[int64]bool, error) {
	return r.blocked(ctx, nil, ids)
}

// BlockedTx is the transactional variant used inside the reserve path so
// the decision and the reservation commit atomically.
func (r *Resolver) BlockedTx(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]bool, error) {
	return r.blocked(ctx, tx, ids)
}

func (r *Resolver) blocked(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool)
	if len(ids) == 0 {
		return out, nil
	}

	inSet := make(map[int64]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}

	// Walk the subtask forest down from the candidate set, one indexed
	// query per level. childToParents records only subtask edges so
	// blocked-ness propagates back up the hierarchy.
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	childToParents := make(map[int64][]int64)
	frontier := append([]int64(nil), ids...)
	for len(frontier) > 0 {
		edges, err := r.edgesByParents(ctx, tx, frontier, store.RelSubtask)
		if err != nil {
			return nil, err
		}
		var next []int64
		for _, e := range edges {
			childToParents[e.ChildTaskID] = append(childToParents[e.ChildTaskID], e.ParentTaskID)
			if !seen[e.ChildTaskID] {
				seen[e.ChildTaskID] = true
				next = append(next, e.ChildTaskID)
			}
		}
		frontier = next
	}

	allIDs := make([]int64, 0, len(seen))
	for id := range seen {
		allIDs = append(allIDs, id)
	}

	// Direct blockers for the whole forest in two indexed queries.
	blockedByEdges, err := r.edgesByChildren(ctx, tx, allIDs, store.RelBlockedBy)
	if err != nil {
		return nil, err
	}
	blockingEdges, err := r.edgesByParents(ctx, tx, allIDs, store.RelBlocking)
	if err != nil {
		return nil, err
	}

	blockersOf := make(map[int64][]int64)
	blockerIDs := make(map[int64]bool)
	for _, e := range blockedByEdges {
		// (b, t, blocked_by): parent b blocks child t.
		blockersOf[e.ChildTaskID] = append(blockersOf[e.ChildTaskID], e.ParentTaskID)
		blockerIDs[e.ParentTaskID] = true
	}
	for _, e := range blockingEdges {
		// (t, b, blocking): child b blocks parent t.
		blockersOf[e.ParentTaskID] = append(blockersOf[e.ParentTaskID], e.ChildTaskID)
		blockerIDs[e.ChildTaskID] = true
	}

	// One batch status fetch for forest members and their blockers.
	statusIDs := make([]int64, 0, len(seen)+len(blockerIDs))
	for id := range seen {
		statusIDs = append(statusIDs, id)
	}
	for id := range blockerIDs {
		if !seen[id] {
			statusIDs = append(statusIDs, id)
		}
	}
	tasks, err := r.tasksByIDs(ctx, tx, statusIDs)
	if err != nil {
		return nil, err
	}

	hasIncompleteBlocker := func(id int64) bool {
		for _, b := range blockersOf[id] {
			blocker, ok := tasks[b]
			if !ok {
				continue // dangling edge; a missing blocker cannot block
			}
			if blocker.Status != store.StatusComplete {
				return true
			}
		}
		return false
	}

	// Seed: forest members with an incomplete blocker, plus any member
	// sitting in the blocked state.
	var bad []int64
	badSet := make(map[int64]bool)
	for id := range seen {
		directly := hasIncompleteBlocker(id)
		if !directly {
			if t, ok := tasks[id]; ok && t.Status == store.StatusBlocked {
				directly = true
			}
		}
		if directly {
			bad = append(bad, id)
			badSet[id] = true
		}
	}

	// Propagate badness up the subtask hierarchy to the candidate set.
	for len(bad) > 0 {
		id := bad[len(bad)-1]
		bad = bad[:len(bad)-1]
		if inSet[id] {
			out[id] = true
		}
		for _, parent := range childToParents[id] {
			if !badSet[parent] {
				badSet[parent] = true
				bad = append(bad, parent)
			}
		}
	}
	return out, nil
}

// WouldCycle reports whether adding a dependency edge parent -> child
// would close a directed cycle in the subtask/blocking/blocked_by
// subgraph. It runs inside the writer transaction that would insert the
// edge, so the answer and the insert are atomic.
func (r *Resolver) WouldCycle(ctx context.Context, tx *sql.Tx, parentID, childID int64) (bool, error) {
	if parentID == childID {
		return true, nil
	}
	edges, err := r.store.DependencyEdgesTx(ctx, tx)
	if err != nil {
		return false, err
	}
	adjacency := make(map[int64][]int64, len(edges))
	for _, e := range edges {
		adjacency[e.ParentTaskID] = append(adjacency[e.ParentTaskID], e.ChildTaskID)
	}

	// If child already reaches parent, parent -> child closes the loop.
	visited := map[int64]bool{childID: true}
	stack := []int64{childID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == parentID {
			return true, nil
		}
		for _, next := range adjacency[id] {
			if !visited[next] {
				visited[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false, nil
}

// Ancestry returns the subtask chain above a task, root first. Used by
// the task-context assembler.
func (r *Resolver) Ancestry(ctx context.Context, taskID int64) ([]int64, error) {
	var chain []int64
	visited := map[int64]bool{taskID: true}
	current := taskID
	for {
		edges, err := r.store.EdgesByChildren(ctx, []int64{current}, store.RelSubtask)
		if err != nil {
			return nil, err
		}
		if len(edges) == 0 {
			break
		}
		parent := edges[0].ParentTaskID
		if visited[parent] {
			break // defensive: the cycle guard should make this unreachable
		}
		visited[parent] = true
		chain = append([]int64{parent}, chain...)
		current = parent
	}
	return chain, nil
}

func (r *Resolver) edgesByParents(ctx context.Context, tx *sql.Tx, ids []int64, relType store.RelationshipType) ([]store.Relationship, error) {
	if tx != nil {
		return r.store.EdgesByParentsTx(ctx, tx, ids, relType)
	}
	return r.store.EdgesByParents(ctx, ids, relType)
}

func (r *Resolver) edgesByChildren(ctx context.Context, tx *sql.Tx, ids []int64, relType store.RelationshipType) ([]store.Relationship, error) {
	if tx != nil {
		return r.store.EdgesByChildrenTx(ctx, tx, ids, relType)
	}
	return r.store.EdgesByChildren(ctx, ids, relType)
}

func (r *Resolver) tasksByIDs(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]*store.Task, error) {
	if tx != nil {
		return r.store.GetTasksByIDsTx(ctx, tx, ids)
	}
	return r.store.GetTasksByIDs(ctx, ids)
}
