package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/taskhive/internal/fault"
)

func scanRelationship(scan func(dest ...any) error) (Relationship, error) {
	var r Relationship
	if err := scan(&r.ID, &r.ParentTaskID, &r.ChildTaskID, &r.Type, &r.CreatedAt, &r.CreatedBy); err != nil {
		return r, err
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

const relationshipColumns = `id, parent_task_id, child_task_id, relationship_type, created_at, created_by`

// InsertRelationshipTx adds a directed edge. Duplicate (parent, child,
// type) triples surface as conflict faults; self-loops are rejected as
// validation faults. Cycle checking
// happens in the dependency resolver before this call, inside the same
// transaction.
func (s *Store) InsertRelationshipTx(ctx context.Context, tx *sql.Tx, r *Relationship) error {
	if r.ParentTaskID == r.ChildTaskID {
		return fault.New(fault.KindValidation, "relationship cannot link task %d to itself", r.ParentTaskID)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_relationships (parent_task_id, child_task_id, relationship_type, created_at, created_by)
		VALUES (?, ?, ?, ?, ?);
	`, r.ParentTaskID, r.ChildTaskID, r.Type, r.CreatedAt.UTC(), r.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return fault.New(fault.KindConflict, "%s relationship %d -> %d already exists", r.Type, r.ParentTaskID, r.ChildTaskID)
		}
		return fmt.Errorf("insert relationship: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("relationship insert id: %w", err)
	}
	r.ID = id
	return nil
}

// ListRelationshipsForTask returns every edge touching the task, in either
// direction.
func (s *Store) ListRelationshipsForTask(ctx context.Context, taskID int64) ([]Relationship, error) {
	defer s.observe(time.Now(), "list_relationships")
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+relationshipColumns+`
		FROM task_relationships
		WHERE parent_task_id = ? OR child_task_id = ?
		ORDER BY id ASC;
	`, taskID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()
	return collectRelationships(rows)
}

// EdgesByParents batch-fetches edges of the given type whose parent is in
// ids. One indexed query per BFS level, never one per task.
func (s *Store) EdgesByParents(ctx context.Context, ids []int64, relType RelationshipType) ([]Relationship, error) {
	return s.edgesBy(ctx, s.db, "parent_task_id", ids, relType)
}

// EdgesByChildren batch-fetches edges of the given type whose child is in
// ids.
func (s *Store) EdgesByChildren(ctx context.Context, ids []int64, relType RelationshipType) ([]Relationship, error) {
	return s.edgesBy(ctx, s.db, "child_task_id", ids, relType)
}

// EdgesByParentsTx / EdgesByChildrenTx are the transactional variants used
// by the reserve path's blocker evaluation, which must observe the
// writer's own view.
func (s *Store) EdgesByParentsTx(ctx context.Context, tx *sql.Tx, ids []int64, relType RelationshipType) ([]Relationship, error) {
	return s.edgesBy(ctx, tx, "parent_task_id", ids, relType)
}

func (s *Store) EdgesByChildrenTx(ctx context.Context, tx *sql.Tx, ids []int64, relType RelationshipType) ([]Relationship, error) {
	return s.edgesBy(ctx, tx, "child_task_id", ids, relType)
}

func (s *Store) edgesBy(ctx context.Context, q querier, column string, ids []int64, relType RelationshipType) ([]Relationship, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	defer s.observe(time.Now(), "edges_by_"+column)
	query := `SELECT ` + relationshipColumns + ` FROM task_relationships WHERE ` +
		column + ` IN (` + placeholders(len(ids)) + `) AND relationship_type = ? ORDER BY id ASC;`
	args := append(int64Args(ids), relType)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("edges by %s: %w", column, err)
	}
	defer rows.Close()
	return collectRelationships(rows)
}

// DependencyEdgesTx fetches every subtask/blocking/blocked_by edge in one
// scan. The cycle guard walks this in memory; the table is small relative
// to tasks.
func (s *Store) DependencyEdgesTx(ctx context.Context, tx *sql.Tx) ([]Relationship, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+relationshipColumns+`
		FROM task_relationships
		WHERE relationship_type IN ('subtask', 'blocking', 'blocked_by');
	`)
	if err != nil {
		return nil, fmt.Errorf("dependency edges: %w", err)
	}
	defer rows.Close()
	return collectRelationships(rows)
}

func collectRelationships(rows *sql.Rows) ([]Relationship, error) {
	var out []Relationship
	for rows.Next() {
		r, err := scanRelationship(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
