package dispatch

import (
	"context"

	"github.com/basket/taskhive/internal/query"
	"github.com/basket/taskhive/internal/store"
)

func (p params) queryInput() query.QueryInput {
	in := query.QueryInput{
		ProjectID: p.i64Ptr("project_id"),
		AgentID:   p.strPtr("agent_id"),
		TagID:     p.i64Ptr("tag_id"),
		TagIDs:    p.i64s("tag_ids"),
		OrderBy:   p.str("order_by"),
		Limit:     p.intOr("limit", 0),
	}
	if p.has("task_type") {
		tt := store.TaskType(p.str("task_type"))
		in.TaskType = &tt
	}
	if p.has("task_status") {
		ts := store.TaskStatus(p.str("task_status"))
		in.Status = &ts
	}
	if p.has("priority") {
		pr := store.Priority(p.str("priority"))
		in.Priority = &pr
	}
	return in
}

func (d *Dispatcher) handleQuery(ctx context.Context, p params) (map[string]any, error) {
	tasks, err := d.queries.Query(ctx, p.queryInput())
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
}

func (d *Dispatcher) handleSummary(ctx context.Context, p params) (map[string]any, error) {
	summaries, err := d.queries.Summaries(ctx, p.queryInput())
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": summaries, "count": len(summaries)}, nil
}

func (d *Dispatcher) handleSearch(ctx context.Context, p params) (map[string]any, error) {
	tasks, err := d.queries.Search(ctx, p.str("query"), p.intOr("limit", 50))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
}

func (d *Dispatcher) handleStale(ctx context.Context, p params) (map[string]any, error) {
	tasks, err := d.queries.Stale(ctx, p.f64Ptr("hours"), p.intOr("limit", 0))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
}

func (d *Dispatcher) handleStatistics(ctx context.Context, p params) (map[string]any, error) {
	in := query.StatisticsInput{
		ProjectID: p.i64Ptr("project_id"),
		StartDate: p.timePtr("start_date"),
		EndDate:   p.timePtr("end_date"),
	}
	if p.has("task_type") {
		tt := store.TaskType(p.str("task_type"))
		in.TaskType = &tt
	}
	stats, err := d.queries.Statistics(ctx, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"statistics": stats}, nil
}

func (d *Dispatcher) handleRecentCompletions(ctx context.Context, p params) (map[string]any, error) {
	summaries, err := d.queries.RecentCompletions(ctx,
		p.intOr("limit", 20), p.i64Ptr("project_id"), p.f64Ptr("hours"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": summaries, "count": len(summaries)}, nil
}

func (d *Dispatcher) handleApproachingDeadline(ctx context.Context, p params) (map[string]any, error) {
	tasks, err := d.queries.ApproachingDeadline(ctx,
		p.intOr("days_ahead", 3), p.intOr("limit", 50))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
}

func (d *Dispatcher) handleTaskContext(ctx context.Context, p params) (map[string]any, error) {
	taskCtx, err := d.queries.TaskContext(ctx, p.i64("task_id"))
	if err != nil {
		return nil, err
	}
	out := map[string]any{"context": taskCtx}
	if taskCtx.StaleInfo != nil {
		out["stale_info"] = taskCtx.StaleInfo
	}
	return out, nil
}

func (d *Dispatcher) handleActivityFeed(ctx context.Context, p params) (map[string]any, error) {
	items, err := d.queries.ActivityFeed(ctx, query.FeedInput{
		TaskID:  p.i64Ptr("task_id"),
		AgentID: p.strPtr("agent_id"),
		Start:   p.timePtr("start"),
		End:     p.timePtr("end"),
		Limit:   p.intOr("limit", 1000),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": items, "count": len(items)}, nil
}

func (d *Dispatcher) handlePerformance(ctx context.Context, p params) (map[string]any, error) {
	var taskType *store.TaskType
	if p.has("task_type") {
		tt := store.TaskType(p.str("task_type"))
		taskType = &tt
	}
	perf, err := d.queries.Performance(ctx, p.str("agent_id"), taskType)
	if err != nil {
		return nil, err
	}
	return map[string]any{"performance": perf}, nil
}

func (d *Dispatcher) handleListVersions(ctx context.Context, p params) (map[string]any, error) {
	versions, err := d.engine.Store().ListVersions(ctx, p.i64("task_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"versions": versions, "count": len(versions)}, nil
}

func (d *Dispatcher) handleGetVersion(ctx context.Context, p params) (map[string]any, error) {
	version, err := d.engine.Store().GetVersion(ctx, p.i64("task_id"), int(p.i64("version")))
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": version}, nil
}

func (d *Dispatcher) handleLatestVersion(ctx context.Context, p params) (map[string]any, error) {
	version, err := d.engine.Store().LatestVersion(ctx, p.i64("task_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"version": version}, nil
}

func (d *Dispatcher) handleDiffVersions(ctx context.Context, p params) (map[string]any, error) {
	diff, err := d.engine.Store().DiffVersions(ctx,
		p.i64("task_id"), int(p.i64("v1")), int(p.i64("v2")))
	if err != nil {
		return nil, err
	}
	return map[string]any{"diff": diff, "count": len(diff)}, nil
}
