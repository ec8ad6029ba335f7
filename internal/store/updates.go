package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/taskhive/internal/fault"
)

// InsertUpdateTx appends an immutable narrative entry inside tx.
func (s *Store) InsertUpdateTx(ctx context.Context, tx *sql.Tx, u *Update) error {
	meta := "{}"
	if len(u.Metadata) > 0 {
		b, err := json.Marshal(u.Metadata)
		if err != nil {
			return fmt.Errorf("marshal update metadata: %w", err)
		}
		meta = string(b)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_updates (task_id, agent_id, update_type, content, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, u.TaskID, u.AgentID, u.Type, u.Content, meta, u.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("update insert id: %w", err)
	}
	u.ID = id
	return nil
}

func scanUpdate(scan func(dest ...any) error) (Update, error) {
	var u Update
	var meta string
	if err := scan(&u.ID, &u.TaskID, &u.AgentID, &u.Type, &u.Content, &meta, &u.CreatedAt); err != nil {
		return u, err
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &u.Metadata); err != nil {
			return u, fault.Wrap(fault.KindFatal, err, "corrupt update metadata for update %d", u.ID)
		}
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

const updateColumns = `id, task_id, agent_id, update_type, content, metadata_json, created_at`

// ListUpdatesForTask returns a task's updates in chronological order.
func (s *Store) ListUpdatesForTask(ctx context.Context, taskID int64) ([]Update, error) {
	defer s.observe(time.Now(), "list_updates")
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+updateColumns+` FROM task_updates
		WHERE task_id = ? ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()
	return collectUpdates(rows)
}

// UpdateFilter selects narrative entries for the activity feed.
type UpdateFilter struct {
	TaskID  *int64
	AgentID *string
	After   *time.Time
	Before  *time.Time
	Limit   int
}

// ListUpdates returns matching updates ordered by (created_at, id)
// ascending.
func (s *Store) ListUpdates(ctx context.Context, f UpdateFilter) ([]Update, error) {
	defer s.observe(time.Now(), "list_updates_filtered")
	query := `SELECT ` + updateColumns + ` FROM task_updates`
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
		return nil, fmt.Errorf("list updates filtered: %w", err)
	}
	defer rows.Close()
	return collectUpdates(rows)
}

// LatestFindingUpdate returns the most recent finding-type update for a
// task, or nil. Reserve does not call it: the stale warning comes from the
// task's stale marker columns, written in the same transaction as the
// finding.
func (s *Store) LatestFindingUpdate(ctx context.Context, taskID int64) (*Update, error) {
	u, err := scanUpdate(s.db.QueryRowContext(ctx, `
		SELECT `+updateColumns+` FROM task_updates
		WHERE task_id = ? AND update_type = 'finding'
		ORDER BY id DESC LIMIT 1;
	`, taskID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest finding update: %w", err)
	}
	return &u, nil
}

func collectUpdates(rows *sql.Rows) ([]Update, error) {
	var out []Update
	for rows.Next() {
		u, err := scanUpdate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
