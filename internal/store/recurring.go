package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/taskhive/internal/fault"
)

const recurringColumns = `id, name, cron_expr, task_type, priority, title, task_instruction, verification_instruction, project_id, active, last_instantiated_at, next_run_at, created_at, updated_at`

func scanRecurring(scan func(dest ...any) error) (RecurringTask, error) {
	var r RecurringTask
	var projectID sql.NullInt64
	var active int
	var last sql.NullTime
	if err := scan(&r.ID, &r.Name, &r.CronExpr, &r.TaskType, &r.Priority,
		&r.Title, &r.Instruction, &r.Verification, &projectID, &active,
		&last, &r.NextRunAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return r, err
	}
	if projectID.Valid {
		r.ProjectID = &projectID.Int64
	}
	r.Active = active == 1
	if last.Valid {
		l := last.Time.UTC()
		r.LastInstantiatedAt = &l
	}
	r.NextRunAt = r.NextRunAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// CreateRecurring inserts a uniquely named recurring definition.
func (s *Store) CreateRecurring(ctx context.Context, r *RecurringTask) error {
	now := Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	return s.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO recurring_tasks (name, cron_expr, task_type, priority, title, task_instruction, verification_instruction, project_id, active, last_instantiated_at, next_run_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, r.Name, r.CronExpr, r.TaskType, r.Priority, r.Title, r.Instruction,
			r.Verification, nullInt64(r.ProjectID), boolInt(r.Active),
			nullTime(r.LastInstantiatedAt), r.NextRunAt.UTC(), now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fault.New(fault.KindConflict, "recurring task %q already exists", r.Name)
			}
			return fmt.Errorf("insert recurring task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("recurring insert id: %w", err)
		}
		r.ID = id
		return nil
	})
}

// GetRecurring fetches one recurring definition.
func (s *Store) GetRecurring(ctx context.Context, id int64) (*RecurringTask, error) {
	r, err := scanRecurring(s.db.QueryRowContext(ctx,
		`SELECT `+recurringColumns+` FROM recurring_tasks WHERE id = ?;`, id).Scan)
	if err != nil {
		return nil, notFound(err, "recurring task", id)
	}
	return &r, nil
}

// ListRecurring returns recurring definitions, optionally only active
// ones, ordered by name.
func (s *Store) ListRecurring(ctx context.Context, activeOnly bool) ([]RecurringTask, error) {
	defer s.observe(time.Now(), "list_recurring")
	query := `SELECT ` + recurringColumns + ` FROM recurring_tasks`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name ASC;`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list recurring: %w", err)
	}
	defer rows.Close()

	var out []RecurringTask
	for rows.Next() {
		r, err := scanRecurring(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan recurring: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRecurring persists mutable fields of a recurring definition.
func (s *Store) UpdateRecurring(ctx context.Context, r *RecurringTask) error {
	r.UpdatedAt = Now()
	return s.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE recurring_tasks
			SET cron_expr = ?, task_type = ?, priority = ?, title = ?,
			    task_instruction = ?, verification_instruction = ?, project_id = ?,
			    active = ?, last_instantiated_at = ?, next_run_at = ?, updated_at = ?
			WHERE id = ?;
		`, r.CronExpr, r.TaskType, r.Priority, r.Title, r.Instruction,
			r.Verification, nullInt64(r.ProjectID), boolInt(r.Active),
			nullTime(r.LastInstantiatedAt), r.NextRunAt.UTC(), r.UpdatedAt, r.ID)
		if err != nil {
			return fmt.Errorf("update recurring: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.New(fault.KindNotFound, "recurring task %d not found", r.ID)
		}
		return nil
	})
}

// DueRecurring returns active definitions whose next_run_at has passed.
func (s *Store) DueRecurring(ctx context.Context, now time.Time) ([]RecurringTask, error) {
	defer s.observe(time.Now(), "due_recurring")
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recurringColumns+` FROM recurring_tasks
		WHERE active = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due recurring: %w", err)
	}
	defer rows.Close()

	var out []RecurringTask
	for rows.Next() {
		r, err := scanRecurring(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan due recurring: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
