package lifecycle

import (
	"math"
	"strings"

	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/store"
)

const (
	titleMinLen       = 3
	titleMaxLen       = 100
	instructionMinLen = 10
)

func validateCreate(in *CreateTaskInput) error {
	in.Title = strings.TrimSpace(in.Title)
	in.Instruction = strings.TrimSpace(in.Instruction)
	in.VerificationInstruction = strings.TrimSpace(in.VerificationInstruction)
	in.Notes = strings.TrimSpace(in.Notes)

	if l := len(in.Title); l < titleMinLen || l > titleMaxLen {
		return fault.New(fault.KindValidation, "title must be %d-%d characters, got %d", titleMinLen, titleMaxLen, l)
	}
	if len(in.Instruction) < instructionMinLen {
		return fault.New(fault.KindValidation, "task_instruction must be at least %d characters", instructionMinLen)
	}
	if len(in.VerificationInstruction) < instructionMinLen {
		return fault.New(fault.KindValidation, "verification_instruction must be at least %d characters", instructionMinLen)
	}
	if in.AgentID == "" {
		return fault.New(fault.KindValidation, "agent_id is required")
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
	if in.ParentTaskID != nil && in.RelationshipType == nil {
		return fault.New(fault.KindValidation, "relationship_type is required when parent_task_id is set")
	}
	if in.RelationshipType != nil && !in.RelationshipType.Valid() {
		return fault.New(fault.KindValidation, "unknown relationship_type %q", *in.RelationshipType)
	}
	if in.EstimatedHours != nil {
		if err := validateHours(*in.EstimatedHours, "estimated_hours"); err != nil {
			return err
		}
	}
	return nil
}

// validateHours enforces positive hours at a tenth-of-an-hour floor.
func validateHours(v float64, field string) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fault.New(fault.KindValidation, "%s must be a finite number", field)
	}
	if v < 0.1 {
		return fault.New(fault.KindValidation, "%s must be at least 0.1, got %g", field, v)
	}
	return nil
}

func validateFollowup(f *FollowupInput) error {
	f.Title = strings.TrimSpace(f.Title)
	f.Instruction = strings.TrimSpace(f.Instruction)
	f.VerificationInstruction = strings.TrimSpace(f.VerificationInstruction)

	if l := len(f.Title); l < titleMinLen || l > titleMaxLen {
		return fault.New(fault.KindValidation, "followup title must be %d-%d characters, got %d", titleMinLen, titleMaxLen, l)
	}
	if len(f.Instruction) < instructionMinLen {
		return fault.New(fault.KindValidation, "followup task_instruction must be at least %d characters", instructionMinLen)
	}
	if len(f.VerificationInstruction) < instructionMinLen {
		return fault.New(fault.KindValidation, "followup verification_instruction must be at least %d characters", instructionMinLen)
	}
	if !f.TaskType.Valid() {
		return fault.New(fault.KindValidation, "unknown followup task_type %q", f.TaskType)
	}
	return nil
}
