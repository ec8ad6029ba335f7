package dispatch

import (
	"context"

	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/lifecycle"
	"github.com/basket/taskhive/internal/query"
	"github.com/basket/taskhive/internal/store"
)

func (d *Dispatcher) handleListAvailable(ctx context.Context, p params) (map[string]any, error) {
	tasks, err := d.queries.ListAvailable(ctx,
		query.AgentType(p.str("agent_type")),
		p.i64Ptr("project_id"),
		p.intOr("limit", 50),
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "count": len(tasks)}, nil
}

func (d *Dispatcher) handleReserve(ctx context.Context, p params) (map[string]any, error) {
	result, err := d.engine.Reserve(ctx, p.i64("task_id"), p.str("agent_id"))
	if err != nil {
		return nil, err
	}
	d.metrics.Reservation(ctx)
	out := map[string]any{"task": result.Task}
	if result.StaleWarning != nil {
		out["stale_warning"] = result.StaleWarning
	}
	return out, nil
}

func (d *Dispatcher) handleComplete(ctx context.Context, p params) (map[string]any, error) {
	in := lifecycle.CompleteInput{
		TaskID:      p.i64("task_id"),
		AgentID:     p.str("agent_id"),
		Notes:       p.str("notes"),
		ActualHours: p.f64Ptr("actual_hours"),
	}
	if followup := p.obj("followup"); followup != nil {
		fp := params(followup)
		in.Followup = &lifecycle.FollowupInput{
			Title:                   fp.str("title"),
			TaskType:                store.TaskType(fp.str("task_type")),
			Instruction:             fp.str("task_instruction"),
			VerificationInstruction: fp.str("verification_instruction"),
		}
	}
	result, err := d.engine.Complete(ctx, in)
	if err != nil {
		return nil, err
	}
	d.metrics.Completion(ctx)
	out := map[string]any{"task": result.Task, "verified": result.Verified}
	if result.Followup != nil {
		out["followup_task_id"] = result.Followup.ID
	}
	return out, nil
}

func (d *Dispatcher) handleCreateTask(ctx context.Context, p params) (map[string]any, error) {
	in := lifecycle.CreateTaskInput{
		Title:                   p.str("title"),
		TaskType:                store.TaskType(p.str("task_type")),
		Instruction:             p.str("task_instruction"),
		VerificationInstruction: p.str("verification_instruction"),
		AgentID:                 p.str("agent_id"),
		ProjectID:               p.i64Ptr("project_id"),
		ParentTaskID:            p.i64Ptr("parent_task_id"),
		Priority:                store.Priority(p.str("priority")),
		Notes:                   p.str("notes"),
		EstimatedHours:          p.f64Ptr("estimated_hours"),
		DueDate:                 p.timePtr("due_date"),
	}
	if p.has("relationship_type") {
		rt := store.RelationshipType(p.str("relationship_type"))
		in.RelationshipType = &rt
	}
	result, err := d.engine.CreateTask(ctx, in)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"task_id": result.Task.ID, "task": result.Task}
	if result.Relationship != nil {
		out["relationship_id"] = result.Relationship.ID
	}
	return out, nil
}

func (d *Dispatcher) handleUnlock(ctx context.Context, p params) (map[string]any, error) {
	task, err := d.engine.Unlock(ctx, p.i64("task_id"), p.str("agent_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (d *Dispatcher) handleBulkUnlock(ctx context.Context, p params) (map[string]any, error) {
	outcomes, err := d.engine.BulkUnlock(ctx, p.i64s("task_ids"), p.str("agent_id"))
	if err != nil {
		// The batch failed all-or-nothing, but the per-id outcomes are
		// still the useful part of the answer.
		if outcomes != nil {
			return nil, fault.New(fault.KindOf(err), "%s; outcomes: %s", errorString(err), renderOutcomes(outcomes))
		}
		return nil, err
	}
	return map[string]any{"outcomes": outcomes, "count": len(outcomes)}, nil
}

func renderOutcomes(outcomes []lifecycle.BulkOutcome) string {
	out := ""
	for _, o := range outcomes {
		if o.OK {
			continue
		}
		if out != "" {
			out += "; "
		}
		out += o.Error
	}
	return out
}

func (d *Dispatcher) handleVerify(ctx context.Context, p params) (map[string]any, error) {
	task, err := d.engine.Verify(ctx, p.i64("task_id"), p.str("agent_id"), p.str("notes"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (d *Dispatcher) handleAddUpdate(ctx context.Context, p params) (map[string]any, error) {
	update, err := d.engine.AddUpdate(ctx,
		p.i64("task_id"), p.str("agent_id"),
		store.UpdateType(p.str("update_type")),
		p.str("content"), p.obj("metadata"),
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"update": update}, nil
}

func (d *Dispatcher) handleCancel(ctx context.Context, p params) (map[string]any, error) {
	task, err := d.engine.Cancel(ctx, p.i64("task_id"), p.str("agent_id"), p.str("reason"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (d *Dispatcher) handleDelete(ctx context.Context, p params) (map[string]any, error) {
	if err := d.engine.Delete(ctx, p.i64("task_id"), p.str("agent_id")); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": true}, nil
}

func (d *Dispatcher) handleCreateRelationship(ctx context.Context, p params) (map[string]any, error) {
	rel, err := d.engine.CreateRelationship(ctx,
		p.i64("parent_task_id"), p.i64("child_task_id"),
		store.RelationshipType(p.str("relationship_type")),
		p.str("agent_id"),
	)
	if err != nil {
		return nil, err
	}
	return map[string]any{"relationship": rel, "relationship_id": rel.ID}, nil
}
