package lifecycle

import (
	"context"
	"regexp"
	"strings"

	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/store"
)

// CreateTemplateInput carries the create_template parameters.
type CreateTemplateInput struct {
	Name                 string
	Description          string
	TaskType             store.TaskType
	Priority             store.Priority
	TitleTemplate        string
	InstructionTemplate  string
	VerificationTemplate string
	Tags                 []string
	EstimatedHours       *float64
}

// CreateTemplate registers a reusable task blueprint.
func (e *Engine) CreateTemplate(ctx context.Context, in CreateTemplateInput) (*store.Template, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, fault.New(fault.KindValidation, "template name must not be empty")
	}
	if !in.TaskType.Valid() {
		return nil, fault.New(fault.KindValidation, "unknown task_type %q", in.TaskType)
	}
	if in.Priority == "" {
		in.Priority = store.PriorityMedium
	}
	if !in.Priority.Valid() {
		return nil, fault.New(fault.KindValidation, "unknown priority %q", in.Priority)
	}
	if strings.TrimSpace(in.TitleTemplate) == "" {
		return nil, fault.New(fault.KindValidation, "title_template must not be empty")
	}
	if len(strings.TrimSpace(in.InstructionTemplate)) < instructionMinLen {
		return nil, fault.New(fault.KindValidation, "instruction_template must be at least %d characters", instructionMinLen)
	}
	if len(strings.TrimSpace(in.VerificationTemplate)) < instructionMinLen {
		return nil, fault.New(fault.KindValidation, "verification_template must be at least %d characters", instructionMinLen)
	}
	if in.EstimatedHours != nil {
		if err := validateHours(*in.EstimatedHours, "estimated_hours"); err != nil {
			return nil, err
		}
	}

	tmpl := &store.Template{
		Name:                 in.Name,
		Description:          in.Description,
		TaskType:             in.TaskType,
		Priority:             in.Priority,
		TitleTemplate:        in.TitleTemplate,
		InstructionTemplate:  in.InstructionTemplate,
		VerificationTemplate: in.VerificationTemplate,
		Tags:                 in.Tags,
		EstimatedHours:       in.EstimatedHours,
	}
	if err := e.store.CreateTemplate(ctx, tmpl); err != nil {
		return nil, err
	}
	return tmpl, nil
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// substitute fills {placeholder} slots. Every placeholder must have a
// value; leftovers are a validation error so half-filled tasks never
// reach the board.
func substitute(template string, values map[string]string) (string, error) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := values[key]; ok {
			return v
		}
		missing = append(missing, key)
		return m
	})
	if len(missing) > 0 {
		return "", fault.New(fault.KindValidation, "missing substitutions: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// CreateTaskFromTemplate instantiates a template with substitutions and
// runs the result through the normal create path, so validation, audit
// and events behave exactly as for a hand-written task. Template tags are
// applied to the new task, creating tag names on first use.
func (e *Engine) CreateTaskFromTemplate(ctx context.Context, templateID int64, substitutions map[string]string, agentID string, projectID *int64) (*CreateTaskResult, error) {
	tmpl, err := e.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	title, err := substitute(tmpl.TitleTemplate, substitutions)
	if err != nil {
		return nil, err
	}
	instruction, err := substitute(tmpl.InstructionTemplate, substitutions)
	if err != nil {
		return nil, err
	}
	verification, err := substitute(tmpl.VerificationTemplate, substitutions)
	if err != nil {
		return nil, err
	}

	result, err := e.CreateTask(ctx, CreateTaskInput{
		Title:                   title,
		TaskType:                tmpl.TaskType,
		Instruction:             instruction,
		VerificationInstruction: verification,
		AgentID:                 agentID,
		ProjectID:               projectID,
		Priority:                tmpl.Priority,
		EstimatedHours:          tmpl.EstimatedHours,
	})
	if err != nil {
		return nil, err
	}

	for _, name := range tmpl.Tags {
		tag, err := e.store.GetTagByName(ctx, name)
		if err != nil {
			return nil, err
		}
		if tag == nil {
			tag, err = e.store.CreateTag(ctx, name)
			if err != nil && !fault.Is(err, fault.KindConflict) {
				return nil, err
			}
			if tag == nil {
				if tag, err = e.store.GetTagByName(ctx, name); err != nil || tag == nil {
					continue
				}
			}
		}
		if err := e.AssignTag(ctx, result.Task.ID, tag.ID, agentID); err != nil {
			return nil, err
		}
	}
	return result, nil
}
