package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// appendChangeEntriesTx writes one change entry per mutated field inside
// the mutation's own transaction. Entry order within the slice is the
// canonical field order, so ids stay totally ordered per task.
func (s *Store) appendChangeEntriesTx(ctx context.Context, tx *sql.Tx, taskID int64, agentID, changeType string, entries []changePair, at time.Time) error {
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO change_entries (task_id, agent_id, change_type, field_name, old_value, new_value, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, taskID, agentID, changeType, e.field, e.oldValue, e.newValue, at.UTC()); err != nil {
			return fmt.Errorf("append change entry %s: %w", e.field, err)
		}
	}
	return nil
}

// AppendTombstoneTx records the deletion of a task in the change log. The
// entry survives the task row.
func (s *Store) AppendTombstoneTx(ctx context.Context, tx *sql.Tx, taskID int64, agentID string, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_entries (task_id, agent_id, change_type, field_name, old_value, new_value, created_at)
		VALUES (?, ?, 'delete', 'task', 'present', 'deleted', ?);
	`, taskID, agentID, at.UTC()); err != nil {
		return fmt.Errorf("append tombstone: %w", err)
	}
	return nil
}

// ChangeFilter selects change entries.
type ChangeFilter struct {
	TaskID  *int64
	AgentID *string
	After   *time.Time
	Before  *time.Time
	Limit   int
}

// ListChangeEntries returns matching entries ordered by (created_at, id)
// ascending.
func (s *Store) ListChangeEntries(ctx context.Context, f ChangeFilter) ([]ChangeEntry, error) {
	defer s.observe(time.Now(), "list_change_entries")
	query := `SELECT id, task_id, agent_id, change_type, field_name, old_value, new_value, created_at FROM change_entries`
	var conds []string
	var args []any
	if f.TaskID != nil {
		conds = append(conds, "task_id = ?")
		args = append(args, *f.TaskID)
	}
	if f.AgentID != nil {
		conds = append(conds, "agent_id = ?")
		args = append(args, *f.AgentID)
	}
	if f.After != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.After.UTC())
	}
	if f.Before != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.Before.UTC())
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list change entries: %w", err)
	}
	defer rows.Close()

	var out []ChangeEntry
	for rows.Next() {
		var e ChangeEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AgentID, &e.ChangeType, &e.FieldName, &e.OldValue, &e.NewValue, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change entry: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentChangeEntries returns the newest n entries for a task, oldest
// first, for context assembly.
func (s *Store) RecentChangeEntries(ctx context.Context, taskID int64, n int) ([]ChangeEntry, error) {
	defer s.observe(time.Now(), "recent_change_entries")
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, agent_id, change_type, field_name, old_value, new_value, created_at
		FROM (
			SELECT * FROM change_entries WHERE task_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;
	`, taskID, n)
	if err != nil {
		return nil, fmt.Errorf("recent change entries: %w", err)
	}
	defer rows.Close()

	var out []ChangeEntry
	for rows.Next() {
		var e ChangeEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.AgentID, &e.ChangeType, &e.FieldName, &e.OldValue, &e.NewValue, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change entry: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountChangeEntries counts the audit rows for one task.
func (s *Store) CountChangeEntries(ctx context.Context, taskID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM change_entries WHERE task_id = ?;`, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count change entries: %w", err)
	}
	return n, nil
}
