package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const taskColumns = `
	id, project_id, task_type, priority, title, task_instruction,
	verification_instruction, notes, assigned_agent, assigned_at,
	task_status, verification_status, estimated_hours, actual_hours,
	due_date, created_at, updated_at, completed_at,
	github_issue_url, github_pr_url, stale_unlocked_at, stale_prev_agent`

func scanTask(scan func(dest ...any) error, t *Task) error {
	var (
		projectID      sql.NullInt64
		notes          sql.NullString
		assignedAgent  sql.NullString
		assignedAt     sql.NullTime
		estimatedHours sql.NullFloat64
		actualHours    sql.NullFloat64
		dueDate        sql.NullTime
		completedAt    sql.NullTime
		issueURL       sql.NullString
		prURL          sql.NullString
		staleAt        sql.NullTime
		stalePrev      sql.NullString
	)
	if err := scan(
		&t.ID, &projectID, &t.TaskType, &t.Priority, &t.Title, &t.Instruction,
		&t.VerificationInstruction, &notes, &assignedAgent, &assignedAt,
		&t.Status, &t.VerificationStatus, &estimatedHours, &actualHours,
		&dueDate, &t.CreatedAt, &t.UpdatedAt, &completedAt,
		&issueURL, &prURL, &staleAt, &stalePrev,
	); err != nil {
		return err
	}
	if projectID.Valid {
		t.ProjectID = &projectID.Int64
	}
	t.Notes = notes.String
	if assignedAgent.Valid {
		t.AssignedAgent = &assignedAgent.String
	}
	if assignedAt.Valid {
		at := assignedAt.Time.UTC()
		t.AssignedAt = &at
	}
	if estimatedHours.Valid {
		t.EstimatedHours = &estimatedHours.Float64
	}
	if actualHours.Valid {
		t.ActualHours = &actualHours.Float64
	}
	if dueDate.Valid {
		d := dueDate.Time.UTC()
		t.DueDate = &d
	}
	if completedAt.Valid {
		c := completedAt.Time.UTC()
		t.CompletedAt = &c
	}
	if issueURL.Valid {
		t.GitHubIssueURL = &issueURL.String
	}
	if prURL.Valid {
		t.GitHubPRURL = &prURL.String
	}
	if staleAt.Valid {
		at := staleAt.Time.UTC()
		t.StaleUnlockedAt = &at
	}
	if stalePrev.Valid {
		t.StalePrevAgent = &stalePrev.String
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return nil
}

// GetTask fetches one task outside any transaction.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	defer s.observe(time.Now(), "get_task")
	var t Task
	err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id).Scan, &t)
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return &t, nil
}

// GetTaskTx fetches one task inside a writer transaction; the row is part
// of the transaction's consistent view.
func (s *Store) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (*Task, error) {
	var t Task
	err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id).Scan, &t)
	if err != nil {
		return nil, notFound(err, "task", id)
	}
	return &t, nil
}

// GetTasksByIDs batch-fetches tasks. Missing ids are simply absent from
// the result.
func (s *Store) GetTasksByIDs(ctx context.Context, ids []int64) (map[int64]*Task, error) {
	return s.getTasksByIDs(ctx, s.db, ids)
}

// GetTasksByIDsTx is the transactional variant of GetTasksByIDs.
func (s *Store) GetTasksByIDsTx(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]*Task, error) {
	return s.getTasksByIDs(ctx, tx, ids)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getTasksByIDs(ctx context.Context, q querier, ids []int64) (map[int64]*Task, error) {
	out := make(map[int64]*Task, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id IN (` + placeholders(len(ids)) + `);`
	rows, err := q.QueryContext(ctx, query, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("batch get tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out[t.ID] = &t
	}
	return out, rows.Err()
}

// InsertTaskTx inserts a new task, writes one change entry per set field
// and snapshots version 1, all inside tx. The task's ID, CreatedAt and
// UpdatedAt must already be populated by the caller except ID, which is
// assigned here.
func (s *Store) InsertTaskTx(ctx context.Context, tx *sql.Tx, t *Task, actor string) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			project_id, task_type, priority, title, task_instruction,
			verification_instruction, notes, assigned_agent, assigned_at,
			task_status, verification_status, estimated_hours, actual_hours,
			due_date, created_at, updated_at, completed_at,
			github_issue_url, github_pr_url, stale_unlocked_at, stale_prev_agent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`,
		nullInt64(t.ProjectID), t.TaskType, t.Priority, t.Title, t.Instruction,
		t.VerificationInstruction, t.Notes, nullString(t.AssignedAgent), nullTime(t.AssignedAt),
		t.Status, t.VerificationStatus, nullFloat(t.EstimatedHours), nullFloat(t.ActualHours),
		nullTime(t.DueDate), t.CreatedAt, t.UpdatedAt, nullTime(t.CompletedAt),
		nullString(t.GitHubIssueURL), nullString(t.GitHubPRURL),
		nullTime(t.StaleUnlockedAt), nullString(t.StalePrevAgent),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("task insert id: %w", err)
	}
	t.ID = id

	var entries []changePair
	for _, f := range diffableFields(t) {
		if f.value == "" {
			continue
		}
		entries = append(entries, changePair{field: f.name, oldValue: "", newValue: f.value})
	}
	if err := s.appendChangeEntriesTx(ctx, tx, t.ID, actor, "create", entries, t.CreatedAt); err != nil {
		return err
	}
	return s.snapshotVersionTx(ctx, tx, t, t.CreatedAt)
}

// UpdateTaskTx persists post, diffs it against pre, appends one change
// entry per differing field and snapshots the next version, all inside
// tx. Returns the list of changed field names; when nothing differs the
// row is left untouched and no audit rows are written.
func (s *Store) UpdateTaskTx(ctx context.Context, tx *sql.Tx, actor, changeType string, pre, post *Task) ([]string, error) {
	entries := diffTasks(pre, post)
	if len(entries) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET
			project_id = ?, task_type = ?, priority = ?, title = ?,
			task_instruction = ?, verification_instruction = ?, notes = ?,
			assigned_agent = ?, assigned_at = ?, task_status = ?,
			verification_status = ?, estimated_hours = ?, actual_hours = ?,
			due_date = ?, updated_at = ?, completed_at = ?,
			github_issue_url = ?, github_pr_url = ?,
			stale_unlocked_at = ?, stale_prev_agent = ?
		WHERE id = ?;
	`,
		nullInt64(post.ProjectID), post.TaskType, post.Priority, post.Title,
		post.Instruction, post.VerificationInstruction, post.Notes,
		nullString(post.AssignedAgent), nullTime(post.AssignedAt), post.Status,
		post.VerificationStatus, nullFloat(post.EstimatedHours), nullFloat(post.ActualHours),
		nullTime(post.DueDate), post.UpdatedAt, nullTime(post.CompletedAt),
		nullString(post.GitHubIssueURL), nullString(post.GitHubPRURL),
		nullTime(post.StaleUnlockedAt), nullString(post.StalePrevAgent),
		post.ID,
	); err != nil {
		return nil, fmt.Errorf("update task %d: %w", post.ID, err)
	}

	if err := s.appendChangeEntriesTx(ctx, tx, post.ID, actor, changeType, entries, post.UpdatedAt); err != nil {
		return nil, err
	}
	if err := s.snapshotVersionTx(ctx, tx, post, post.UpdatedAt); err != nil {
		return nil, err
	}

	fields := make([]string, len(entries))
	for i, e := range entries {
		fields[i] = e.field
	}
	return fields, nil
}

// TouchStaleMarkerTx updates only the stale bookkeeping columns. These are
// not task attributes, so no change entry or version is produced; the
// finding Update written alongside is the durable record.
func (s *Store) TouchStaleMarkerTx(ctx context.Context, tx *sql.Tx, taskID int64, unlockedAt *time.Time, prevAgent *string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET stale_unlocked_at = ?, stale_prev_agent = ? WHERE id = ?;
	`, nullTime(unlockedAt), nullString(prevAgent), taskID); err != nil {
		return fmt.Errorf("touch stale marker %d: %w", taskID, err)
	}
	return nil
}

// DeleteTaskTx removes the task row, its relationships and its tag links.
// Change entries, updates and versions are retained: the audit trail
// outlives the task.
func (s *Store) DeleteTaskTx(ctx context.Context, tx *sql.Tx, taskID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_relationships WHERE parent_task_id = ? OR child_task_id = ?;`, taskID, taskID); err != nil {
		return fmt.Errorf("delete task relationships %d: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_tags WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("delete task tags %d: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("delete task comments %d: %w", taskID, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
	if err != nil {
		return fmt.Errorf("delete task %d: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(sql.ErrNoRows, "task", taskID)
	}
	return nil
}

// --- field diffing ---

type changePair struct {
	field    string
	oldValue string
	newValue string
}

type fieldValue struct {
	name  string
	value string
}

// diffableFields lists the persistent task attributes in canonical order.
// created_at and updated_at are bookkeeping, not attributes: they never
// appear in the change log. Same for the stale marker columns.
func diffableFields(t *Task) []fieldValue {
	return []fieldValue{
		{"project_id", formatInt64Ptr(t.ProjectID)},
		{"task_type", string(t.TaskType)},
		{"priority", string(t.Priority)},
		{"title", t.Title},
		{"task_instruction", t.Instruction},
		{"verification_instruction", t.VerificationInstruction},
		{"notes", t.Notes},
		{"assigned_agent", strPtr(t.AssignedAgent)},
		{"assigned_at", formatTimePtr(t.AssignedAt)},
		{"task_status", string(t.Status)},
		{"verification_status", string(t.VerificationStatus)},
		{"estimated_hours", formatFloatPtr(t.EstimatedHours)},
		{"actual_hours", formatFloatPtr(t.ActualHours)},
		{"due_date", formatTimePtr(t.DueDate)},
		{"completed_at", formatTimePtr(t.CompletedAt)},
		{"github_issue_url", strPtr(t.GitHubIssueURL)},
		{"github_pr_url", strPtr(t.GitHubPRURL)},
	}
}

func diffTasks(pre, post *Task) []changePair {
	before := diffableFields(pre)
	after := diffableFields(post)
	var out []changePair
	for i := range before {
		if before[i].value != after[i].value {
			out = append(out, changePair{
				field:    before[i].name,
				oldValue: before[i].value,
				newValue: after[i].value,
			})
		}
	}
	return out
}

// DiffSnapshots exposes the canonical field diff for version comparison.
func DiffSnapshots(v1, v2 *Task) []FieldDiff {
	pairs := diffTasks(v1, v2)
	out := make([]FieldDiff, len(pairs))
	for i, p := range pairs {
		out[i] = FieldDiff{Field: p.field, V1Value: p.oldValue, V2Value: p.newValue}
	}
	return out
}

func formatInt64Ptr(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

func formatTimePtr(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339Nano)
}

func strPtr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// --- sql null helpers ---

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// --- filtered scans ---

// Filter selects tasks for the query engine. Zero fields do not
// constrain. TagIDs requires all listed tags.
type Filter struct {
	ProjectID *int64
	TaskType  *TaskType
	TaskTypes []TaskType
	Status    *TaskStatus
	AgentID   *string
	Priority  *Priority
	TagID     *int64
	TagIDs    []int64

	DueAfter       *time.Time
	DueBefore      *time.Time
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time
	CompletedAfter *time.Time
	AssignedBefore *time.Time

	OrderBy string // see orderClause for accepted values
	Limit   int
}

func (f Filter) whereClause() (string, []any) {
	var conds []string
	var args []any
	if f.ProjectID != nil {
		conds = append(conds, "project_id = ?")
		args = append(args, *f.ProjectID)
	}
	if f.TaskType != nil {
		conds = append(conds, "task_type = ?")
		args = append(args, *f.TaskType)
	}
	if len(f.TaskTypes) > 0 {
		conds = append(conds, "task_type IN ("+placeholders(len(f.TaskTypes))+")")
		for _, tt := range f.TaskTypes {
			args = append(args, tt)
		}
	}
	if f.Status != nil {
		conds = append(conds, "task_status = ?")
		args = append(args, *f.Status)
	}
	if f.AgentID != nil {
		conds = append(conds, "assigned_agent = ?")
		args = append(args, *f.AgentID)
	}
	if f.Priority != nil {
		conds = append(conds, "priority = ?")
		args = append(args, *f.Priority)
	}
	if f.TagID != nil {
		conds = append(conds, "EXISTS (SELECT 1 FROM task_tags tt WHERE tt.task_id = tasks.id AND tt.tag_id = ?)")
		args = append(args, *f.TagID)
	}
	if len(f.TagIDs) > 0 {
		conds = append(conds,
			"id IN (SELECT task_id FROM task_tags WHERE tag_id IN ("+placeholders(len(f.TagIDs))+") GROUP BY task_id HAVING COUNT(DISTINCT tag_id) = ?)")
		for _, id := range f.TagIDs {
			args = append(args, id)
		}
		args = append(args, len(f.TagIDs))
	}
	if f.DueAfter != nil {
		conds = append(conds, "due_date > ?")
		args = append(args, f.DueAfter.UTC())
	}
	if f.DueBefore != nil {
		conds = append(conds, "due_date <= ?")
		args = append(args, f.DueBefore.UTC())
	}
	if f.CreatedAfter != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.CreatedAfter.UTC())
	}
	if f.CreatedBefore != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.CreatedBefore.UTC())
	}
	if f.CompletedAfter != nil {
		conds = append(conds, "completed_at >= ?")
		args = append(args, f.CompletedAfter.UTC())
	}
	if f.AssignedBefore != nil {
		conds = append(conds, "assigned_at < ?")
		args = append(args, f.AssignedBefore.UTC())
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// priorityRank orders the text priority column without a lookup table.
const priorityRank = `CASE priority WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END`

func orderClause(orderBy string) string {
	switch orderBy {
	case "", "created_at_desc":
		return " ORDER BY created_at DESC, id DESC"
	case "created_at_asc":
		return " ORDER BY created_at ASC, id ASC"
	case "priority_desc":
		return " ORDER BY " + priorityRank + " DESC, created_at ASC, id ASC"
	case "priority_asc":
		return " ORDER BY " + priorityRank + " ASC, created_at ASC, id ASC"
	case "due_date_asc":
		return " ORDER BY due_date ASC, id ASC"
	case "updated_at_desc":
		return " ORDER BY updated_at DESC, id DESC"
	case "completed_at_desc":
		return " ORDER BY completed_at DESC, id DESC"
	default:
		return " ORDER BY created_at DESC, id DESC"
	}
}

// QueryTasks runs a filtered, ordered, limited scan.
func (s *Store) QueryTasks(ctx context.Context, f Filter) ([]Task, error) {
	defer s.observe(time.Now(), "query_tasks")
	where, args := f.whereClause()
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + orderClause(f.OrderBy)
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountTasks counts tasks matching the filter, ignoring order and limit.
func (s *Store) CountTasks(ctx context.Context, f Filter) (int, error) {
	defer s.observe(time.Now(), "count_tasks")
	where, args := f.whereClause()
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks`+where+`;`, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// SearchTasks does a case-insensitive substring match over title,
// instructions and notes. Exact title matches rank first, then priority,
// then age.
func (s *Store) SearchTasks(ctx context.Context, queryText string, limit int) ([]Task, error) {
	defer s.observe(time.Now(), "search_tasks")
	needle := "%" + strings.ToLower(queryText) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE lower(title) LIKE ?
		   OR lower(task_instruction) LIKE ?
		   OR lower(verification_instruction) LIKE ?
		   OR lower(notes) LIKE ?
		ORDER BY
			CASE WHEN lower(title) = lower(?) THEN 0 ELSE 1 END,
			`+priorityRank+` DESC,
			created_at ASC, id ASC
		LIMIT ?;
	`, needle, needle, needle, needle, queryText, limit)
	if err != nil {
		return nil, fmt.Errorf("search tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GroupCount groups matching tasks by a single column. Used by the
// statistics aggregator.
func (s *Store) GroupCount(ctx context.Context, f Filter, column string) (map[string]int, error) {
	switch column {
	case "task_status", "task_type", "priority", "project_id":
	default:
		return nil, fmt.Errorf("group count: unsupported column %q", column)
	}
	defer s.observe(time.Now(), "group_count_"+column)
	where, args := f.whereClause()
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(CAST(`+column+` AS TEXT), ''), COUNT(1) FROM tasks`+where+` GROUP BY `+column+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("group count: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan group count: %w", err)
		}
		out[key] = n
	}
	return out, rows.Err()
}

// MarshalTaskPayload renders the version snapshot payload.
func MarshalTaskPayload(t *Task) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task payload: %w", err)
	}
	return string(b), nil
}
