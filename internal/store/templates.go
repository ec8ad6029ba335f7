package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/taskhive/internal/fault"
)

const templateColumns = `id, name, description, task_type, priority, title_template, instruction_template, verification_template, tags_json, estimated_hours, created_at`

func scanTemplate(scan func(dest ...any) error) (Template, error) {
	var t Template
	var tags string
	var estimated sql.NullFloat64
	if err := scan(&t.ID, &t.Name, &t.Description, &t.TaskType, &t.Priority,
		&t.TitleTemplate, &t.InstructionTemplate, &t.VerificationTemplate,
		&tags, &estimated, &t.CreatedAt); err != nil {
		return t, err
	}
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return t, fault.Wrap(fault.KindFatal, err, "corrupt tags for template %d", t.ID)
		}
	}
	if estimated.Valid {
		t.EstimatedHours = &estimated.Float64
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return t, nil
}

// CreateTemplate inserts a uniquely named template.
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	tags := "[]"
	if len(t.Tags) > 0 {
		b, err := json.Marshal(t.Tags)
		if err != nil {
			return fmt.Errorf("marshal template tags: %w", err)
		}
		tags = string(b)
	}
	t.CreatedAt = Now()
	return s.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO task_templates (name, description, task_type, priority, title_template, instruction_template, verification_template, tags_json, estimated_hours, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, t.Name, t.Description, t.TaskType, t.Priority, t.TitleTemplate,
			t.InstructionTemplate, t.VerificationTemplate, tags,
			nullFloat(t.EstimatedHours), t.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fault.New(fault.KindConflict, "template %q already exists", t.Name)
			}
			return fmt.Errorf("insert template: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("template insert id: %w", err)
		}
		t.ID = id
		return nil
	})
}

// GetTemplate fetches one template.
func (s *Store) GetTemplate(ctx context.Context, id int64) (*Template, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM task_templates WHERE id = ?;`, id).Scan)
	if err != nil {
		return nil, notFound(err, "template", id)
	}
	return &t, nil
}

// ListTemplates returns all templates ordered by name.
func (s *Store) ListTemplates(ctx context.Context) ([]Template, error) {
	defer s.observe(time.Now(), "list_templates")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM task_templates ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
