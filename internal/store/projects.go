package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/taskhive/internal/fault"
)

// CreateProject inserts a uniquely named project.
func (s *Store) CreateProject(ctx context.Context, name, localPath, originURL, description string) (*Project, error) {
	now := Now()
	var p Project
	err := s.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO projects (name, local_path, origin_url, description, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, name, localPath, originURL, description, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fault.New(fault.KindConflict, "project %q already exists", name)
			}
			return fmt.Errorf("insert project: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("project insert id: %w", err)
		}
		p = Project{
			ID: id, Name: name, LocalPath: localPath, OriginURL: originURL,
			Description: description, CreatedAt: now, UpdatedAt: now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanProject(scan func(dest ...any) error) (Project, error) {
	var p Project
	if err := scan(&p.ID, &p.Name, &p.LocalPath, &p.OriginURL, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

const projectColumns = `id, name, local_path, origin_url, description, created_at, updated_at`

// GetProject fetches one project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?;`, id).Scan)
	if err != nil {
		return nil, notFound(err, "project", id)
	}
	return &p, nil
}

// GetProjectTx fetches one project inside a writer transaction. Reads
// inside a transaction must use the transaction's connection: the store
// runs on a single connection, so a stray db-level read would wait on
// itself.
func (s *Store) GetProjectTx(ctx context.Context, tx *sql.Tx, id int64) (*Project, error) {
	p, err := scanProject(tx.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?;`, id).Scan)
	if err != nil {
		return nil, notFound(err, "project", id)
	}
	return &p, nil
}

// GetProjectByName fetches one project by its unique name; nil when
// absent.
func (s *Store) GetProjectByName(ctx context.Context, name string) (*Project, error) {
	p, err := scanProject(s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE name = ?;`, name).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	defer s.observe(time.Now(), "list_projects")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProjectDescription changes the only mutable project attribute.
func (s *Store) UpdateProjectDescription(ctx context.Context, id int64, description string) error {
	return s.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE projects SET description = ?, updated_at = ? WHERE id = ?;`,
			description, Now(), id)
		if err != nil {
			return fmt.Errorf("update project description: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fault.New(fault.KindNotFound, "project %d not found", id)
		}
		return nil
	})
}
