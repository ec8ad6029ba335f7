package store

import (
	"time"
)

// TaskType classifies what kind of work a task represents.
type TaskType string

const (
	TaskTypeConcrete TaskType = "concrete"
	TaskTypeAbstract TaskType = "abstract"
	TaskTypeEpic     TaskType = "epic"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeConcrete, TaskTypeAbstract, TaskTypeEpic:
		return true
	}
	return false
}

// Priority orders tasks for availability listings: critical > high >
// medium > low.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank returns the numeric ordering of a priority; higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusAvailable  TaskStatus = "available"
	StatusInProgress TaskStatus = "in_progress"
	StatusComplete   TaskStatus = "complete"
	StatusBlocked    TaskStatus = "blocked"
	StatusCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusInProgress, StatusComplete, StatusBlocked, StatusCancelled:
		return true
	}
	return false
}

// VerificationStatus is the secondary confirmation state after completion.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
)

// RelationshipType is the kind of a directed edge between two tasks.
type RelationshipType string

const (
	RelSubtask   RelationshipType = "subtask"
	RelBlocking  RelationshipType = "blocking"
	RelBlockedBy RelationshipType = "blocked_by"
	RelFollowup  RelationshipType = "followup"
	RelRelated   RelationshipType = "related"
)

func (r RelationshipType) Valid() bool {
	switch r {
	case RelSubtask, RelBlocking, RelBlockedBy, RelFollowup, RelRelated:
		return true
	}
	return false
}

// Dependency reports whether edges of this type participate in the acyclic
// dependency subgraph used for blocking and cycle checks.
func (r RelationshipType) Dependency() bool {
	switch r {
	case RelSubtask, RelBlocking, RelBlockedBy:
		return true
	}
	return false
}

// UpdateType classifies agent-authored narrative entries.
type UpdateType string

const (
	UpdateProgress UpdateType = "progress"
	UpdateNote     UpdateType = "note"
	UpdateBlocker  UpdateType = "blocker"
	UpdateQuestion UpdateType = "question"
	UpdateFinding  UpdateType = "finding"
)

func (u UpdateType) Valid() bool {
	switch u {
	case UpdateProgress, UpdateNote, UpdateBlocker, UpdateQuestion, UpdateFinding:
		return true
	}
	return false
}

// Project is a tenant-like grouping of tasks. Immutable after create
// except the description.
type Project struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	LocalPath   string    `json:"local_path,omitempty"`
	OriginURL   string    `json:"origin_url,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Task is the unit of work.
type Task struct {
	ID        int64  `json:"id"`
	ProjectID *int64 `json:"project_id,omitempty"`

	TaskType TaskType `json:"task_type"`
	Priority Priority `json:"priority"`

	Title                   string `json:"title"`
	Instruction             string `json:"task_instruction"`
	VerificationInstruction string `json:"verification_instruction"`
	Notes                   string `json:"notes,omitempty"`

	AssignedAgent *string    `json:"assigned_agent,omitempty"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`

	Status             TaskStatus         `json:"task_status"`
	VerificationStatus VerificationStatus `json:"verification_status"`

	EstimatedHours *float64   `json:"estimated_hours,omitempty"`
	ActualHours    *float64   `json:"actual_hours,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	GitHubIssueURL *string `json:"github_issue_url,omitempty"`
	GitHubPRURL    *string `json:"github_pr_url,omitempty"`

	// Stale bookkeeping: set when the sweeper auto-unlocks an expired
	// reservation, cleared on the next successful reserve. The finding
	// Update written at unlock time is the durable record; these columns
	// only make the next reserve's warning lookup cheap.
	StaleUnlockedAt *time.Time `json:"-"`
	StalePrevAgent  *string    `json:"-"`
}

// Summary is the lightweight projection of a task.
type Summary struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	TaskType      TaskType   `json:"task_type"`
	Status        TaskStatus `json:"task_status"`
	AssignedAgent *string    `json:"assigned_agent,omitempty"`
	ProjectID     *int64     `json:"project_id,omitempty"`
	Priority      Priority   `json:"priority"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Summarize projects a task onto its summary fields.
func (t Task) Summarize() Summary {
	return Summary{
		ID:            t.ID,
		Title:         t.Title,
		TaskType:      t.TaskType,
		Status:        t.Status,
		AssignedAgent: t.AssignedAgent,
		ProjectID:     t.ProjectID,
		Priority:      t.Priority,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		CompletedAt:   t.CompletedAt,
	}
}

// Relationship is a directed edge between two tasks. For blocked_by edges
// the parent blocks the child; for blocking edges the child blocks the
// parent; for subtask edges the child is a component of the parent.
type Relationship struct {
	ID           int64            `json:"id"`
	ParentTaskID int64            `json:"parent_task_id"`
	ChildTaskID  int64            `json:"child_task_id"`
	Type         RelationshipType `json:"relationship_type"`
	CreatedAt    time.Time        `json:"created_at"`
	CreatedBy    string           `json:"created_by"`
}

// Tag is a named label applied to tasks.
type Tag struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Update is an immutable agent-authored narrative entry on a task.
type Update struct {
	ID        int64          `json:"id"`
	TaskID    int64          `json:"task_id"`
	AgentID   string         `json:"agent_id"`
	Type      UpdateType     `json:"update_type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ChangeEntry records one field mutation. Ordering within a task is total
// and monotonic in ID.
type ChangeEntry struct {
	ID         int64     `json:"id"`
	TaskID     int64     `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	ChangeType string    `json:"change_type"`
	FieldName  string    `json:"field_name"`
	OldValue   string    `json:"old_value"`
	NewValue   string    `json:"new_value"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskVersion is a full snapshot of a task's persistent fields taken after
// each structural mutation, numbered 1..N per task.
type TaskVersion struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Version   int       `json:"version"`
	Payload   Task      `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// FieldDiff is one differing field between two versions.
type FieldDiff struct {
	Field   string `json:"field"`
	V1Value string `json:"v1_value"`
	V2Value string `json:"v2_value"`
}

// Comment is a threaded discussion entry on a task. Only the author may
// mutate or delete it; deletion cascades to replies.
type Comment struct {
	ID              int64      `json:"id"`
	TaskID          int64      `json:"task_id"`
	AgentID         string     `json:"agent_id"`
	Content         string     `json:"content"`
	ParentCommentID *int64     `json:"parent_comment_id,omitempty"`
	Mentions        []string   `json:"mentions,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// Template is a reusable task blueprint with {placeholder} substitution.
type Template struct {
	ID                   int64     `json:"id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description,omitempty"`
	TaskType             TaskType  `json:"task_type"`
	Priority             Priority  `json:"priority"`
	TitleTemplate        string    `json:"title_template"`
	InstructionTemplate  string    `json:"instruction_template"`
	VerificationTemplate string    `json:"verification_template"`
	Tags                 []string  `json:"tags,omitempty"`
	EstimatedHours       *float64  `json:"estimated_hours,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// RecurringTask instantiates concrete tasks on a cron schedule.
type RecurringTask struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	CronExpr           string     `json:"cron_expr"`
	TaskType           TaskType   `json:"task_type"`
	Priority           Priority   `json:"priority"`
	Title              string     `json:"title"`
	Instruction        string     `json:"task_instruction"`
	Verification       string     `json:"verification_instruction"`
	ProjectID          *int64     `json:"project_id,omitempty"`
	Active             bool       `json:"active"`
	LastInstantiatedAt *time.Time `json:"last_instantiated_at,omitempty"`
	NextRunAt          time.Time  `json:"next_run_at"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Now is the canonical mutation timestamp: UTC wall clock at microsecond
// precision. Ties between entries break by monotonic row id.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
