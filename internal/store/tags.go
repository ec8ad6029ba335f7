package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/taskhive/internal/fault"
)

// CreateTag inserts a uniquely named tag.
func (s *Store) CreateTag(ctx context.Context, name string) (*Tag, error) {
	now := Now()
	var tag Tag
	err := s.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO tags (name, created_at) VALUES (?, ?);`, name, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fault.New(fault.KindConflict, "tag %q already exists", name)
			}
			return fmt.Errorf("insert tag: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("tag insert id: %w", err)
		}
		tag = Tag{ID: id, Name: name, CreatedAt: now}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &tag, nil
}

// GetTag fetches one tag by id.
func (s *Store) GetTag(ctx context.Context, id int64) (*Tag, error) {
	var t Tag
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM tags WHERE id = ?;`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err, "tag", id)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// GetTagTx fetches one tag inside a writer transaction.
func (s *Store) GetTagTx(ctx context.Context, tx *sql.Tx, id int64) (*Tag, error) {
	var t Tag
	err := tx.QueryRowContext(ctx, `SELECT id, name, created_at FROM tags WHERE id = ?;`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err, "tag", id)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// GetTagByName fetches one tag by its unique name; nil when absent.
func (s *Store) GetTagByName(ctx context.Context, name string) (*Tag, error) {
	var t Tag
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM tags WHERE name = ?;`, name).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tag by name: %w", err)
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

// ListTags returns all tags ordered by name.
func (s *Store) ListTags(ctx context.Context) ([]Tag, error) {
	defer s.observe(time.Now(), "list_tags")
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM tags ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// AssignTagTx links a tag to a task. Re-assigning an existing link is a
// no-op; assigned reports whether a row was written.
func (s *Store) AssignTagTx(ctx context.Context, tx *sql.Tx, taskID, tagID int64) (assigned bool, err error) {
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_tags (task_id, tag_id) VALUES (?, ?);`, taskID, tagID)
	if err != nil {
		return false, fmt.Errorf("assign tag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign tag rows: %w", err)
	}
	return n == 1, nil
}

// RemoveTagTx unlinks a tag from a task. Removing an absent link is a
// no-op success; removed reports whether a row existed.
func (s *Store) RemoveTagTx(ctx context.Context, tx *sql.Tx, taskID, tagID int64) (removed bool, err error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM task_tags WHERE task_id = ? AND tag_id = ?;`, taskID, tagID)
	if err != nil {
		return false, fmt.Errorf("remove tag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove tag rows: %w", err)
	}
	return n == 1, nil
}

// TagsForTask lists the tags applied to one task, ordered by name.
func (s *Store) TagsForTask(ctx context.Context, taskID int64) ([]Tag, error) {
	defer s.observe(time.Now(), "tags_for_task")
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.created_at
		FROM tags t JOIN task_tags tt ON tt.tag_id = t.id
		WHERE tt.task_id = ?
		ORDER BY t.name ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("tags for task: %w", err)
	}
	defer rows.Close()

	var out []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task tag: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
