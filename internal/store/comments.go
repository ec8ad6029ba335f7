package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/taskhive/internal/fault"
)

const commentColumns = `id, task_id, agent_id, content, parent_comment_id, mentions_json, created_at, updated_at`

func scanComment(scan func(dest ...any) error) (Comment, error) {
	var c Comment
	var parent sql.NullInt64
	var mentions string
	var updatedAt sql.NullTime
	if err := scan(&c.ID, &c.TaskID, &c.AgentID, &c.Content, &parent, &mentions, &c.CreatedAt, &updatedAt); err != nil {
		return c, err
	}
	if parent.Valid {
		c.ParentCommentID = &parent.Int64
	}
	if mentions != "" && mentions != "[]" {
		if err := json.Unmarshal([]byte(mentions), &c.Mentions); err != nil {
			return c, fault.Wrap(fault.KindFatal, err, "corrupt mentions for comment %d", c.ID)
		}
	}
	if updatedAt.Valid {
		u := updatedAt.Time.UTC()
		c.UpdatedAt = &u
	}
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// InsertCommentTx appends a comment inside tx. A parent id, when present,
// must reference a comment on the same task.
func (s *Store) InsertCommentTx(ctx context.Context, tx *sql.Tx, c *Comment) error {
	if c.ParentCommentID != nil {
		var parentTask int64
		err := tx.QueryRowContext(ctx,
			`SELECT task_id FROM comments WHERE id = ?;`, *c.ParentCommentID).Scan(&parentTask)
		if err == sql.ErrNoRows {
			return fault.New(fault.KindNotFound, "comment %d not found", *c.ParentCommentID)
		}
		if err != nil {
			return fmt.Errorf("check parent comment: %w", err)
		}
		if parentTask != c.TaskID {
			return fault.New(fault.KindValidation, "parent comment %d belongs to task %d, not %d", *c.ParentCommentID, parentTask, c.TaskID)
		}
	}
	mentions := "[]"
	if len(c.Mentions) > 0 {
		b, err := json.Marshal(c.Mentions)
		if err != nil {
			return fmt.Errorf("marshal mentions: %w", err)
		}
		mentions = string(b)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO comments (task_id, agent_id, content, parent_comment_id, mentions_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, c.TaskID, c.AgentID, c.Content, nullInt64(c.ParentCommentID), mentions, c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("comment insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetComment fetches one comment.
func (s *Store) GetComment(ctx context.Context, id int64) (*Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = ?;`, id).Scan)
	if err != nil {
		return nil, notFound(err, "comment", id)
	}
	return &c, nil
}

// GetCommentTx fetches one comment inside a writer transaction.
func (s *Store) GetCommentTx(ctx context.Context, tx *sql.Tx, id int64) (*Comment, error) {
	c, err := scanComment(tx.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = ?;`, id).Scan)
	if err != nil {
		return nil, notFound(err, "comment", id)
	}
	return &c, nil
}

// ListCommentsForTask returns a task's comments in chronological order.
func (s *Store) ListCommentsForTask(ctx context.Context, taskID int64) ([]Comment, error) {
	defer s.observe(time.Now(), "list_comments")
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+` FROM comments
		WHERE task_id = ? ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		c, err := scanComment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCommentTx replaces a comment's content and stamps updated_at.
func (s *Store) UpdateCommentTx(ctx context.Context, tx *sql.Tx, id int64, content string, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE comments SET content = ?, updated_at = ? WHERE id = ?;`, content, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "comment %d not found", id)
	}
	return nil
}

// DeleteCommentTreeTx deletes a comment and its whole reply subtree.
// Returns the number of comments removed.
func (s *Store) DeleteCommentTreeTx(ctx context.Context, tx *sql.Tx, id int64) (int, error) {
	frontier := []int64{id}
	all := []int64{id}
	for len(frontier) > 0 {
		query := `SELECT id FROM comments WHERE parent_comment_id IN (` + placeholders(len(frontier)) + `);`
		rows, err := tx.QueryContext(ctx, query, int64Args(frontier)...)
		if err != nil {
			return 0, fmt.Errorf("list replies: %w", err)
		}
		var next []int64
		for rows.Next() {
			var cid int64
			if err := rows.Scan(&cid); err != nil {
				rows.Close()
				return 0, fmt.Errorf("scan reply id: %w", err)
			}
			next = append(next, cid)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, err
		}
		rows.Close()
		all = append(all, next...)
		frontier = next
	}

	// Delete leaves first so the self-referencing foreign key holds.
	for i := len(all) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id = ?;`, all[i]); err != nil {
			return 0, fmt.Errorf("delete comment %d: %w", all[i], err)
		}
	}
	return len(all), nil
}
