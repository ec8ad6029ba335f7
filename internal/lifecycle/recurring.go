package lifecycle

import (
	"context"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/store"
)

// cronParser accepts standard 5-field cron expressions (minute, hour,
// dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime computes the next firing of a cron expression after t.
func NextRunTime(expr string, t time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fault.New(fault.KindValidation, "invalid cron expression %q: %v", expr, err)
	}
	return schedule.Next(t), nil
}

// RecurringInput carries create/update parameters for a recurring
// definition.
type RecurringInput struct {
	Name         string
	CronExpr     string
	TaskType     store.TaskType
	Priority     store.Priority
	Title        string
	Instruction  string
	Verification string
	ProjectID    *int64
}

func (e *Engine) validateRecurring(in *RecurringInput) error {
	in.Name = strings.TrimSpace(in.Name)
	in.Title = strings.TrimSpace(in.Title)
	if in.Name == "" {
		return fault.New(fault.KindValidation, "recurring task name must not be empty")
	}
	if l := len(in.Title); l < titleMinLen || l > titleMaxLen {
		return fault.New(fault.KindValidation, "title must be %d-%d characters, got %d", titleMinLen, titleMaxLen, l)
	}
	if len(strings.TrimSpace(in.Instruction)) < instructionMinLen {
		return fault.New(fault.KindValidation, "task_instruction must be at least %d characters", instructionMinLen)
	}
	if len(strings.TrimSpace(in.Verification)) < instructionMinLen {
		return fault.New(fault.KindValidation, "verification_instruction must be at least %d characters", instructionMinLen)
	}
	if !in.TaskType.Valid() {
		return fault.New(fault.KindValidation, "unknown task_type %q", in.TaskType)
	}
	if in.Priority == "" {
		in.Priority = store.PriorityMedium
	}
	if !in.Priority.Valid() {
		return fault.New(fault.KindValidation, "unknown priority %q", in.Priority)
	}
	if _, err := cronParser.Parse(in.CronExpr); err != nil {
		return fault.New(fault.KindValidation, "invalid cron expression %q: %v", in.CronExpr, err)
	}
	return nil
}

// CreateRecurring registers a definition and schedules its first run.
func (e *Engine) CreateRecurring(ctx context.Context, in RecurringInput) (*store.RecurringTask, error) {
	if err := e.validateRecurring(&in); err != nil {
		return nil, err
	}
	next, err := NextRunTime(in.CronExpr, e.now())
	if err != nil {
		return nil, err
	}
	r := &store.RecurringTask{
		Name:         in.Name,
		CronExpr:     in.CronExpr,
		TaskType:     in.TaskType,
		Priority:     in.Priority,
		Title:        in.Title,
		Instruction:  in.Instruction,
		Verification: in.Verification,
		ProjectID:    in.ProjectID,
		Active:       true,
		NextRunAt:    next,
	}
	if err := e.store.CreateRecurring(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateRecurring replaces the mutable fields of a definition and
// recomputes the next run when the expression changed.
func (e *Engine) UpdateRecurring(ctx context.Context, id int64, in RecurringInput) (*store.RecurringTask, error) {
	r, err := e.store.GetRecurring(ctx, id)
	if err != nil {
		return nil, err
	}
	in.Name = r.Name // name is the identity; it does not change
	if err := e.validateRecurring(&in); err != nil {
		return nil, err
	}
	if in.CronExpr != r.CronExpr {
		next, err := NextRunTime(in.CronExpr, e.now())
		if err != nil {
			return nil, err
		}
		r.NextRunAt = next
	}
	r.CronExpr = in.CronExpr
	r.TaskType = in.TaskType
	r.Priority = in.Priority
	r.Title = in.Title
	r.Instruction = in.Instruction
	r.Verification = in.Verification
	r.ProjectID = in.ProjectID
	if err := e.store.UpdateRecurring(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// DeactivateRecurring stops future instantiation without deleting the
// definition.
func (e *Engine) DeactivateRecurring(ctx context.Context, id int64) (*store.RecurringTask, error) {
	r, err := e.store.GetRecurring(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Active {
		return r, nil
	}
	r.Active = false
	if err := e.store.UpdateRecurring(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// InstantiateRecurring creates one concrete task from the definition and
// advances its schedule. agentID attributes the creation; the recurring
// definition's name is recorded in the task notes.
func (e *Engine) InstantiateRecurring(ctx context.Context, id int64, agentID string) (*CreateTaskResult, error) {
	r, err := e.store.GetRecurring(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.Active {
		return nil, fault.New(fault.KindInvalidTransition, "recurring task %d is deactivated", id)
	}

	result, err := e.CreateTask(ctx, CreateTaskInput{
		Title:                   r.Title,
		TaskType:                r.TaskType,
		Instruction:             r.Instruction,
		VerificationInstruction: r.Verification,
		AgentID:                 agentID,
		ProjectID:               r.ProjectID,
		Priority:                r.Priority,
		Notes:                   "instantiated from recurring definition " + r.Name,
	})
	if err != nil {
		return nil, err
	}

	now := e.now()
	next, err := NextRunTime(r.CronExpr, now)
	if err != nil {
		return nil, err
	}
	r.LastInstantiatedAt = &now
	r.NextRunAt = next
	if err := e.store.UpdateRecurring(ctx, r); err != nil {
		return nil, err
	}
	return result, nil
}
