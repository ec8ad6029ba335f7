package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/taskhive/internal/fault"
)

// snapshotVersionTx records the post-image of a task as version N+1 inside
// the mutation's transaction.
func (s *Store) snapshotVersionTx(ctx context.Context, tx *sql.Tx, t *Task, at time.Time) error {
	payload, err := MarshalTaskPayload(t)
	if err != nil {
		return err
	}
	var prev int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM task_versions WHERE task_id = ?;`, t.ID).Scan(&prev); err != nil {
		return fmt.Errorf("read latest version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_versions (task_id, version, payload_json, created_at)
		VALUES (?, ?, ?, ?);
	`, t.ID, prev+1, payload, at.UTC()); err != nil {
		return fmt.Errorf("snapshot version %d: %w", prev+1, err)
	}
	return nil
}

func scanVersion(scan func(dest ...any) error) (TaskVersion, error) {
	var v TaskVersion
	var payload string
	if err := scan(&v.ID, &v.TaskID, &v.Version, &payload, &v.CreatedAt); err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(payload), &v.Payload); err != nil {
		return v, fault.Wrap(fault.KindFatal, err, "corrupt version payload for task %d v%d", v.TaskID, v.Version)
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return v, nil
}

// ListVersions returns all versions of a task, newest first.
func (s *Store) ListVersions(ctx context.Context, taskID int64) ([]TaskVersion, error) {
	defer s.observe(time.Now(), "list_versions")
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, version, payload_json, created_at
		FROM task_versions WHERE task_id = ? ORDER BY version DESC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []TaskVersion
	for rows.Next() {
		v, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetVersion fetches one version of a task by number.
func (s *Store) GetVersion(ctx context.Context, taskID int64, version int) (*TaskVersion, error) {
	defer s.observe(time.Now(), "get_version")
	v, err := scanVersion(s.db.QueryRowContext(ctx, `
		SELECT id, task_id, version, payload_json, created_at
		FROM task_versions WHERE task_id = ? AND version = ?;
	`, taskID, version).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fault.New(fault.KindNotFound, "task %d has no version %d", taskID, version)
		}
		return nil, err
	}
	return &v, nil
}

// LatestVersion fetches the newest version of a task.
func (s *Store) LatestVersion(ctx context.Context, taskID int64) (*TaskVersion, error) {
	defer s.observe(time.Now(), "latest_version")
	v, err := scanVersion(s.db.QueryRowContext(ctx, `
		SELECT id, task_id, version, payload_json, created_at
		FROM task_versions WHERE task_id = ? ORDER BY version DESC LIMIT 1;
	`, taskID).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fault.New(fault.KindNotFound, "task %d has no versions", taskID)
		}
		return nil, err
	}
	return &v, nil
}

// CountVersions counts the snapshots for one task.
func (s *Store) CountVersions(ctx context.Context, taskID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_versions WHERE task_id = ?;`, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return n, nil
}

// DiffVersions compares two versions of a task, v2 > v1, and returns the
// differing persistent fields.
func (s *Store) DiffVersions(ctx context.Context, taskID int64, v1, v2 int) ([]FieldDiff, error) {
	if v2 <= v1 {
		return nil, fault.New(fault.KindValidation, "diff requires v2 (%d) > v1 (%d)", v2, v1)
	}
	older, err := s.GetVersion(ctx, taskID, v1)
	if err != nil {
		return nil, err
	}
	newer, err := s.GetVersion(ctx, taskID, v2)
	if err != nil {
		return nil, err
	}
	return DiffSnapshots(&older.Payload, &newer.Payload), nil
}
