package dispatch

import (
	"context"

	"github.com/basket/taskhive/internal/lifecycle"
	"github.com/basket/taskhive/internal/store"
)

// --- tags ---

func (d *Dispatcher) handleCreateTag(ctx context.Context, p params) (map[string]any, error) {
	tag, err := d.engine.CreateTag(ctx, p.str("name"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tag": tag, "tag_id": tag.ID}, nil
}

func (d *Dispatcher) handleListTags(ctx context.Context, _ params) (map[string]any, error) {
	tags, err := d.engine.Store().ListTags(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tags": tags, "count": len(tags)}, nil
}

func (d *Dispatcher) handleAssignTag(ctx context.Context, p params) (map[string]any, error) {
	if err := d.engine.AssignTag(ctx, p.i64("task_id"), p.i64("tag_id"), p.str("agent_id")); err != nil {
		return nil, err
	}
	return map[string]any{"assigned": true}, nil
}

func (d *Dispatcher) handleRemoveTag(ctx context.Context, p params) (map[string]any, error) {
	if err := d.engine.RemoveTag(ctx, p.i64("task_id"), p.i64("tag_id"), p.str("agent_id")); err != nil {
		return nil, err
	}
	return map[string]any{"removed": true}, nil
}

func (d *Dispatcher) handleTagsForTask(ctx context.Context, p params) (map[string]any, error) {
	if _, err := d.engine.Store().GetTask(ctx, p.i64("task_id")); err != nil {
		return nil, err
	}
	tags, err := d.engine.Store().TagsForTask(ctx, p.i64("task_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"tags": tags, "count": len(tags)}, nil
}

// --- templates ---

func (d *Dispatcher) handleCreateTemplate(ctx context.Context, p params) (map[string]any, error) {
	tmpl, err := d.engine.CreateTemplate(ctx, lifecycle.CreateTemplateInput{
		Name:                 p.str("name"),
		Description:          p.str("description"),
		TaskType:             store.TaskType(p.str("task_type")),
		Priority:             store.Priority(p.str("priority")),
		TitleTemplate:        p.str("title_template"),
		InstructionTemplate:  p.str("instruction_template"),
		VerificationTemplate: p.str("verification_template"),
		Tags:                 p.strs("tags"),
		EstimatedHours:       p.f64Ptr("estimated_hours"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"template": tmpl, "template_id": tmpl.ID}, nil
}

func (d *Dispatcher) handleListTemplates(ctx context.Context, _ params) (map[string]any, error) {
	templates, err := d.engine.Store().ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"templates": templates, "count": len(templates)}, nil
}

func (d *Dispatcher) handleGetTemplate(ctx context.Context, p params) (map[string]any, error) {
	tmpl, err := d.engine.Store().GetTemplate(ctx, p.i64("template_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"template": tmpl}, nil
}

func (d *Dispatcher) handleCreateFromTemplate(ctx context.Context, p params) (map[string]any, error) {
	substitutions := make(map[string]string)
	for k, v := range p.obj("substitutions") {
		if s, ok := v.(string); ok {
			substitutions[k] = s
		}
	}
	result, err := d.engine.CreateTaskFromTemplate(ctx,
		p.i64("template_id"), substitutions, p.str("agent_id"), p.i64Ptr("project_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": result.Task.ID, "task": result.Task}, nil
}

// --- recurring ---

func recurringInput(p params) lifecycle.RecurringInput {
	return lifecycle.RecurringInput{
		Name:         p.str("name"),
		CronExpr:     p.str("cron_expr"),
		TaskType:     store.TaskType(p.str("task_type")),
		Priority:     store.Priority(p.str("priority")),
		Title:        p.str("title"),
		Instruction:  p.str("task_instruction"),
		Verification: p.str("verification_instruction"),
		ProjectID:    p.i64Ptr("project_id"),
	}
}

func (d *Dispatcher) handleCreateRecurring(ctx context.Context, p params) (map[string]any, error) {
	r, err := d.engine.CreateRecurring(ctx, recurringInput(p))
	if err != nil {
		return nil, err
	}
	return map[string]any{"recurring_task": r, "recurring_task_id": r.ID}, nil
}

func (d *Dispatcher) handleListRecurring(ctx context.Context, p params) (map[string]any, error) {
	list, err := d.engine.Store().ListRecurring(ctx, p.boolOr("active_only", false))
	if err != nil {
		return nil, err
	}
	return map[string]any{"recurring_tasks": list, "count": len(list)}, nil
}

func (d *Dispatcher) handleGetRecurring(ctx context.Context, p params) (map[string]any, error) {
	r, err := d.engine.Store().GetRecurring(ctx, p.i64("recurring_task_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"recurring_task": r}, nil
}

func (d *Dispatcher) handleUpdateRecurring(ctx context.Context, p params) (map[string]any, error) {
	id := p.i64("recurring_task_id")
	current, err := d.engine.Store().GetRecurring(ctx, id)
	if err != nil {
		return nil, err
	}
	// Merge: omitted fields keep their stored values.
	in := lifecycle.RecurringInput{
		Name:         current.Name,
		CronExpr:     current.CronExpr,
		TaskType:     current.TaskType,
		Priority:     current.Priority,
		Title:        current.Title,
		Instruction:  current.Instruction,
		Verification: current.Verification,
		ProjectID:    current.ProjectID,
	}
	if p.has("cron_expr") {
		in.CronExpr = p.str("cron_expr")
	}
	if p.has("task_type") {
		in.TaskType = store.TaskType(p.str("task_type"))
	}
	if p.has("priority") {
		in.Priority = store.Priority(p.str("priority"))
	}
	if p.has("title") {
		in.Title = p.str("title")
	}
	if p.has("task_instruction") {
		in.Instruction = p.str("task_instruction")
	}
	if p.has("verification_instruction") {
		in.Verification = p.str("verification_instruction")
	}
	if p.has("project_id") {
		in.ProjectID = p.i64Ptr("project_id")
	}
	r, err := d.engine.UpdateRecurring(ctx, id, in)
	if err != nil {
		return nil, err
	}
	return map[string]any{"recurring_task": r}, nil
}

func (d *Dispatcher) handleDeactivateRecurring(ctx context.Context, p params) (map[string]any, error) {
	r, err := d.engine.DeactivateRecurring(ctx, p.i64("recurring_task_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"recurring_task": r}, nil
}

func (d *Dispatcher) handleInstantiateRecurring(ctx context.Context, p params) (map[string]any, error) {
	result, err := d.engine.InstantiateRecurring(ctx, p.i64("recurring_task_id"), p.str("agent_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task_id": result.Task.ID, "task": result.Task}, nil
}

// --- github links ---

func (d *Dispatcher) handleLinkIssue(ctx context.Context, p params) (map[string]any, error) {
	task, err := d.engine.LinkGitHubIssue(ctx, p.i64("task_id"), p.str("agent_id"), p.str("url"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (d *Dispatcher) handleLinkPR(ctx context.Context, p params) (map[string]any, error) {
	task, err := d.engine.LinkGitHubPR(ctx, p.i64("task_id"), p.str("agent_id"), p.str("url"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": task}, nil
}

func (d *Dispatcher) handleGetLinks(ctx context.Context, p params) (map[string]any, error) {
	links, err := d.engine.GetGitHubLinks(ctx, p.i64("task_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"links": links}, nil
}

// --- comments ---

func (d *Dispatcher) handleCreateComment(ctx context.Context, p params) (map[string]any, error) {
	comment, err := d.engine.CreateComment(ctx,
		p.i64("task_id"), p.str("agent_id"), p.str("content"),
		p.i64Ptr("parent_comment_id"), p.strs("mentions"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"comment": comment, "comment_id": comment.ID}, nil
}

func (d *Dispatcher) handleGetComment(ctx context.Context, p params) (map[string]any, error) {
	comment, err := d.engine.Store().GetComment(ctx, p.i64("comment_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"comment": comment}, nil
}

func (d *Dispatcher) handleTaskComments(ctx context.Context, p params) (map[string]any, error) {
	if _, err := d.engine.Store().GetTask(ctx, p.i64("task_id")); err != nil {
		return nil, err
	}
	comments, err := d.engine.Store().ListCommentsForTask(ctx, p.i64("task_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"comments": comments, "count": len(comments)}, nil
}

func (d *Dispatcher) handleUpdateComment(ctx context.Context, p params) (map[string]any, error) {
	comment, err := d.engine.UpdateComment(ctx, p.i64("comment_id"), p.str("agent_id"), p.str("content"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"comment": comment}, nil
}

func (d *Dispatcher) handleDeleteComment(ctx context.Context, p params) (map[string]any, error) {
	deleted, err := d.engine.DeleteComment(ctx, p.i64("comment_id"), p.str("agent_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": deleted}, nil
}

// --- projects ---

func (d *Dispatcher) handleCreateProject(ctx context.Context, p params) (map[string]any, error) {
	project, err := d.engine.Store().CreateProject(ctx,
		p.str("name"), p.str("local_path"), p.str("origin_url"), p.str("description"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": project, "project_id": project.ID}, nil
}

func (d *Dispatcher) handleListProjects(ctx context.Context, _ params) (map[string]any, error) {
	projects, err := d.engine.Store().ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"projects": projects, "count": len(projects)}, nil
}

func (d *Dispatcher) handleGetProject(ctx context.Context, p params) (map[string]any, error) {
	project, err := d.engine.Store().GetProject(ctx, p.i64("project_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": project}, nil
}
