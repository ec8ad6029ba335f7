// Package store owns the durable state of the coordination service: a
// single-writer SQLite database holding every entity, its audit trail and
// its version history. All writes go through WriteTx so that a mutation,
// its change-log entries and its version snapshot commit or roll back as
// one unit.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/taskhive/internal/fault"
)

const (
	schemaVersion  = 1
	schemaChecksum = "th-v1-2026-06-task-coordination"
)

// Options tune the store; zero values get sane defaults.
type Options struct {
	Logger *slog.Logger
	// RetryBudget bounds writer-transaction retries on lock contention.
	RetryBudget int
	// SlowQueryThreshold: reads slower than this are logged with their label.
	SlowQueryThreshold time.Duration
}

// Store is the durable backend. Writes serialise on a single connection;
// readers share it, so every observation is of a committed state.
type Store struct {
	db          *sql.DB
	logger      *slog.Logger
	retryBudget int
	slowQuery   time.Duration
}

// Open opens (and if needed creates) the database at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 5
	}
	if opts.SlowQueryThreshold <= 0 {
		opts.SlowQueryThreshold = 100 * time.Millisecond
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// Single logical writer: one connection serialises every transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:          db,
		logger:      opts.Logger,
		retryBudget: opts.RetryBudget,
		slowQuery:   opts.SlowQueryThreshold,
	}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the raw handle for tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

// WriteTx runs fn inside a writer transaction, retrying on lock contention
// with jittered exponential backoff. When the budget is exhausted the
// caller sees a tx_aborted fault.
func (s *Store) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= s.retryBudget; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == s.retryBudget {
			return fault.Wrap(fault.KindTxAborted, err, "write retry budget (%d) exhausted", s.retryBudget)
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter so contending writers spread out.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

// isUniqueViolation detects UNIQUE constraint failures for conflict mapping.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// observe logs reads that exceed the slow-query threshold.
func (s *Store) observe(start time.Time, label string) {
	elapsed := time.Since(start)
	if elapsed >= s.slowQuery {
		s.logger.Warn("slow query", "label", label, "elapsed", elapsed)
	}
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if existing != schemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersion, existing, schemaChecksum)
		}
		return tx.Commit()
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersion, schemaChecksum); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		local_path TEXT NOT NULL DEFAULT '',
		origin_url TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER REFERENCES projects(id),
		task_type TEXT NOT NULL CHECK(task_type IN ('concrete', 'abstract', 'epic')),
		priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('low', 'medium', 'high', 'critical')),
		title TEXT NOT NULL,
		task_instruction TEXT NOT NULL,
		verification_instruction TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		assigned_agent TEXT,
		assigned_at DATETIME,
		task_status TEXT NOT NULL DEFAULT 'available' CHECK(task_status IN ('available', 'in_progress', 'complete', 'blocked', 'cancelled')),
		verification_status TEXT NOT NULL DEFAULT 'unverified' CHECK(verification_status IN ('unverified', 'verified')),
		estimated_hours REAL,
		actual_hours REAL,
		due_date DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME,
		github_issue_url TEXT,
		github_pr_url TEXT,
		stale_unlocked_at DATETIME,
		stale_prev_agent TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS task_relationships (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parent_task_id INTEGER NOT NULL REFERENCES tasks(id),
		child_task_id INTEGER NOT NULL REFERENCES tasks(id),
		relationship_type TEXT NOT NULL CHECK(relationship_type IN ('subtask', 'blocking', 'blocked_by', 'followup', 'related')),
		created_at DATETIME NOT NULL,
		created_by TEXT NOT NULL,
		UNIQUE(parent_task_id, child_task_id, relationship_type),
		CHECK(parent_task_id != child_task_id)
	);`,
	`CREATE TABLE IF NOT EXISTS tags (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS task_tags (
		task_id INTEGER NOT NULL REFERENCES tasks(id),
		tag_id INTEGER NOT NULL REFERENCES tags(id),
		PRIMARY KEY(task_id, tag_id)
	);`,
	`CREATE TABLE IF NOT EXISTS task_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		update_type TEXT NOT NULL CHECK(update_type IN ('progress', 'note', 'blocker', 'question', 'finding')),
		content TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS change_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		change_type TEXT NOT NULL,
		field_name TEXT NOT NULL,
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS task_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL,
		version INTEGER NOT NULL,
		payload_json TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE(task_id, version)
	);`,
	`CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id INTEGER NOT NULL REFERENCES tasks(id),
		agent_id TEXT NOT NULL,
		content TEXT NOT NULL,
		parent_comment_id INTEGER REFERENCES comments(id),
		mentions_json TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL,
		updated_at DATETIME
	);`,
	`CREATE TABLE IF NOT EXISTS task_templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		task_type TEXT NOT NULL CHECK(task_type IN ('concrete', 'abstract', 'epic')),
		priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('low', 'medium', 'high', 'critical')),
		title_template TEXT NOT NULL,
		instruction_template TEXT NOT NULL,
		verification_template TEXT NOT NULL,
		tags_json TEXT NOT NULL DEFAULT '[]',
		estimated_hours REAL,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS recurring_tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		cron_expr TEXT NOT NULL,
		task_type TEXT NOT NULL CHECK(task_type IN ('concrete', 'abstract', 'epic')),
		priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('low', 'medium', 'high', 'critical')),
		title TEXT NOT NULL,
		task_instruction TEXT NOT NULL,
		verification_instruction TEXT NOT NULL,
		project_id INTEGER REFERENCES projects(id),
		active INTEGER NOT NULL DEFAULT 1,
		last_instantiated_at DATETIME,
		next_run_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_type ON tasks(task_status, task_type);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_id, task_status);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_project_status_type ON tasks(project_id, task_status, task_type);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(task_status, priority);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_created_status ON tasks(created_at DESC, task_status);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_assigned ON tasks(task_status, assigned_at);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due_date ON tasks(due_date);`,
	`CREATE INDEX IF NOT EXISTS idx_rel_parent_type ON task_relationships(parent_task_id, relationship_type);`,
	`CREATE INDEX IF NOT EXISTS idx_rel_child_type ON task_relationships(child_task_id, relationship_type);`,
	`CREATE INDEX IF NOT EXISTS idx_updates_task ON task_updates(task_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_updates_agent ON task_updates(agent_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_changes_task ON change_entries(task_id, id);`,
	`CREATE INDEX IF NOT EXISTS idx_changes_agent ON change_entries(agent_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_comments_parent ON comments(parent_comment_id);`,
	`CREATE INDEX IF NOT EXISTS idx_recurring_due ON recurring_tasks(active, next_run_at);`,
}

// ErrNoRows re-exports the sentinel so callers outside the package can
// translate scans without importing database/sql.
var ErrNoRows = sql.ErrNoRows

// notFound wraps a missing-entity scan into the shared taxonomy.
func notFound(err error, entity string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.KindNotFound, "%s %d not found", entity, id)
	}
	return err
}
