package query

import (
	"context"
	"time"

	"github.com/basket/taskhive/internal/store"
)

// Statistics aggregates counts over tasks matching a filter window. The
// same filter applied to Query yields exactly Total rows.
type Statistics struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByType         map[string]int `json:"by_type"`
	ByProject      map[string]int `json:"by_project"`
	CompletionRate float64        `json:"completion_rate"`
}

// StatisticsInput scopes the aggregation.
type StatisticsInput struct {
	ProjectID *int64
	TaskType  *store.TaskType
	StartDate *time.Time
	EndDate   *time.Time
}

// Statistics computes totals and per-dimension counts. An empty
// population yields zeros.
func (e *Engine) Statistics(ctx context.Context, in StatisticsInput) (*Statistics, error) {
	f := store.Filter{
		ProjectID:     in.ProjectID,
		TaskType:      in.TaskType,
		CreatedAfter:  in.StartDate,
		CreatedBefore: in.EndDate,
	}

	total, err := e.store.CountTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	byStatus, err := e.store.GroupCount(ctx, f, "task_status")
	if err != nil {
		return nil, err
	}
	byType, err := e.store.GroupCount(ctx, f, "task_type")
	if err != nil {
		return nil, err
	}
	byProject, err := e.store.GroupCount(ctx, f, "project_id")
	if err != nil {
		return nil, err
	}

	out := &Statistics{
		Total:     total,
		ByStatus:  byStatus,
		ByType:    byType,
		ByProject: byProject,
	}
	if total > 0 {
		out.CompletionRate = float64(byStatus[string(store.StatusComplete)]) / float64(total)
	}
	return out, nil
}

// AgentPerformance aggregates a single agent's completed work.
type AgentPerformance struct {
	AgentID         string         `json:"agent_id"`
	CompletedTotal  int            `json:"completed_total"`
	MeanActualHours float64        `json:"mean_actual_hours"`
	SuccessRate     float64        `json:"success_rate"`
	ByType          map[string]int `json:"by_type"`
}

// Performance computes completion count, mean actual hours and the
// verified share for one agent, optionally restricted to a task type.
func (e *Engine) Performance(ctx context.Context, agentID string, taskType *store.TaskType) (*AgentPerformance, error) {
	status := store.StatusComplete
	tasks, err := e.store.QueryTasks(ctx, store.Filter{
		AgentID:  &agentID,
		Status:   &status,
		TaskType: taskType,
	})
	if err != nil {
		return nil, err
	}

	out := &AgentPerformance{
		AgentID: agentID,
		ByType:  make(map[string]int),
	}
	var hoursSum float64
	var hoursCount int
	var verified int
	for _, t := range tasks {
		out.CompletedTotal++
		out.ByType[string(t.TaskType)]++
		if t.ActualHours != nil {
			hoursSum += *t.ActualHours
			hoursCount++
		}
		if t.VerificationStatus == store.VerificationVerified {
			verified++
		}
	}
	if hoursCount > 0 {
		out.MeanActualHours = hoursSum / float64(hoursCount)
	}
	if out.CompletedTotal > 0 {
		out.SuccessRate = float64(verified) / float64(out.CompletedTotal)
	}
	return out, nil
}
