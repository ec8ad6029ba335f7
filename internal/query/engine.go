// Package query serves the read side: availability listings with blocker
// exclusion, structured filters, summaries, search, statistics and the
// merged activity feed. It owns no state; every answer reflects a
// committed snapshot of the store.
package query

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/taskhive/internal/deps"
	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/store"
)

// MaxLimit bounds every listing; requests above it are rejected at the
// dispatcher.
const MaxLimit = 1000

// AgentType selects the availability projection: implementation agents
// take concrete tasks, breakdown agents take abstract and epic ones.
type AgentType string

const (
	AgentImplementation AgentType = "implementation"
	AgentBreakdown      AgentType = "breakdown"
)

// Engine composes the store and resolver for reads.
type Engine struct {
	store    *store.Store
	resolver *deps.Resolver
	logger   *slog.Logger

	// staleTimeout returns the configured lease; injected so config
	// hot-reload reaches the stale listing without plumbing.
	staleTimeout func() time.Duration
	now          func() time.Time
}

// Options configure the query engine.
type Options struct {
	Store        *store.Store
	Resolver     *deps.Resolver
	Logger       *slog.Logger
	StaleTimeout func() time.Duration
	Now          func() time.Time
}

// New builds a query engine.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = store.Now
	}
	if opts.StaleTimeout == nil {
		opts.StaleTimeout = func() time.Duration { return 24 * time.Hour }
	}
	return &Engine{
		store:        opts.Store,
		resolver:     opts.Resolver,
		logger:       opts.Logger,
		staleTimeout: opts.StaleTimeout,
		now:          opts.Now,
	}
}

func clampLimit(limit int) (int, error) {
	if limit < 0 {
		return 0, fault.New(fault.KindValidation, "limit must not be negative")
	}
	if limit > MaxLimit {
		return 0, fault.New(fault.KindValidation, "limit must not exceed %d, got %d", MaxLimit, limit)
	}
	if limit == 0 {
		return MaxLimit, nil
	}
	return limit, nil
}

// ListAvailable returns reservable tasks for the agent type: available,
// matching the type projection, and not effectively blocked. Ordered by
// priority descending, then age.
func (e *Engine) ListAvailable(ctx context.Context, agentType AgentType, projectID *int64, limit int) ([]store.Task, error) {
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}

	var types []store.TaskType
	switch agentType {
	case AgentImplementation:
		types = []store.TaskType{store.TaskTypeConcrete}
	case AgentBreakdown:
		types = []store.TaskType{store.TaskTypeAbstract, store.TaskTypeEpic}
	default:
		return nil, fault.New(fault.KindValidation, "unknown agent_type %q", agentType)
	}

	status := store.StatusAvailable
	candidates, err := e.store.QueryTasks(ctx, store.Filter{
		ProjectID: projectID,
		TaskTypes: types,
		Status:    &status,
		OrderBy:   "priority_desc",
		// Over-fetch so blocker exclusion can still fill the page.
		Limit: MaxLimit,
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(candidates))
	for i, t := range candidates {
		ids[i] = t.ID
	}
	blocked, err := e.resolver.Blocked(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]store.Task, 0, min(limit, len(candidates)))
	for _, t := range candidates {
		if blocked[t.ID] {
			continue
		}
		out = append(out, t)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// QueryInput is the structured filter surface.
type QueryInput struct {
	ProjectID *int64
	TaskType  *store.TaskType
	Status    *store.TaskStatus
	AgentID   *string
	Priority  *store.Priority
	TagID     *int64
	TagIDs    []int64 // requires ALL tags
	OrderBy   string
	Limit     int
}

func (in QueryInput) filter() (store.Filter, error) {
	limit, err := clampLimit(in.Limit)
	if err != nil {
		return store.Filter{}, err
	}
	if in.TaskType != nil && !in.TaskType.Valid() {
		return store.Filter{}, fault.New(fault.KindValidation, "unknown task_type %q", *in.TaskType)
	}
	if in.Status != nil && !in.Status.Valid() {
		return store.Filter{}, fault.New(fault.KindValidation, "unknown task_status %q", *in.Status)
	}
	if in.Priority != nil && !in.Priority.Valid() {
		return store.Filter{}, fault.New(fault.KindValidation, "unknown priority %q", *in.Priority)
	}
	return store.Filter{
		ProjectID: in.ProjectID,
		TaskType:  in.TaskType,
		Status:    in.Status,
		AgentID:   in.AgentID,
		Priority:  in.Priority,
		TagID:     in.TagID,
		TagIDs:    in.TagIDs,
		OrderBy:   in.OrderBy,
		Limit:     limit,
	}, nil
}

// Query runs a structured filter.
func (e *Engine) Query(ctx context.Context, in QueryInput) ([]store.Task, error) {
	f, err := in.filter()
	if err != nil {
		return nil, err
	}
	return e.store.QueryTasks(ctx, f)
}

// Summaries runs the same filter but returns the lightweight projection.
func (e *Engine) Summaries(ctx context.Context, in QueryInput) ([]store.Summary, error) {
	tasks, err := e.Query(ctx, in)
	if err != nil {
		return nil, err
	}
	out := make([]store.Summary, len(tasks))
	for i, t := range tasks {
		out[i] = t.Summarize()
	}
	return out, nil
}

// Search does a case-insensitive substring match over title, both
// instructions and notes; exact title matches rank first.
func (e *Engine) Search(ctx context.Context, queryText string, limit int) ([]store.Task, error) {
	if queryText == "" {
		return nil, fault.New(fault.KindValidation, "query must not be empty")
	}
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	return e.store.SearchTasks(ctx, queryText, limit)
}

// Stale lists in_progress tasks held longer than max(hours, configured
// lease).
func (e *Engine) Stale(ctx context.Context, hours *float64, limit int) ([]store.Task, error) {
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	threshold := e.staleTimeout()
	if hours != nil {
		requested := time.Duration(*hours * float64(time.Hour))
		if requested > threshold {
			threshold = requested
		}
	}
	status := store.StatusInProgress
	cutoff := e.now().Add(-threshold)
	return e.store.QueryTasks(ctx, store.Filter{
		Status:         &status,
		AssignedBefore: &cutoff,
		OrderBy:        "created_at_asc",
		Limit:          limit,
	})
}

// RecentCompletions returns summaries of recently completed tasks, newest
// completion first.
func (e *Engine) RecentCompletions(ctx context.Context, limit int, projectID *int64, hours *float64) ([]store.Summary, error) {
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	f := store.Filter{
		ProjectID: projectID,
		OrderBy:   "completed_at_desc",
		Limit:     limit,
	}
	status := store.StatusComplete
	f.Status = &status
	if hours != nil {
		cutoff := e.now().Add(-time.Duration(*hours * float64(time.Hour)))
		f.CompletedAfter = &cutoff
	}
	tasks, err := e.store.QueryTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]store.Summary, len(tasks))
	for i, t := range tasks {
		out[i] = t.Summarize()
	}
	return out, nil
}

// ApproachingDeadline lists tasks with a due date inside
// (now, now+daysAhead], soonest first. Completed and cancelled tasks are
// not deadlines anymore.
func (e *Engine) ApproachingDeadline(ctx context.Context, daysAhead int, limit int) ([]store.Task, error) {
	if daysAhead <= 0 {
		daysAhead = 3
	}
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	now := e.now()
	horizon := now.Add(time.Duration(daysAhead) * 24 * time.Hour)
	tasks, err := e.store.QueryTasks(ctx, store.Filter{
		DueAfter:  &now,
		DueBefore: &horizon,
		OrderBy:   "due_date_asc",
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	out := tasks[:0]
	for _, t := range tasks {
		if t.Status == store.StatusComplete || t.Status == store.StatusCancelled {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
