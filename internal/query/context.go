package query

import (
	"context"
	"time"

	"github.com/basket/taskhive/internal/store"
)

// recentChangeCount is how many change entries TaskContext includes.
const recentChangeCount = 20

// StaleInfo describes an unconsumed auto-unlock on a task.
type StaleInfo struct {
	PreviousAgent string    `json:"previous_agent"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// TaskContext is the full working context an agent needs before touching
// a task.
type TaskContext struct {
	Task          *store.Task         `json:"task"`
	Project       *store.Project      `json:"project,omitempty"`
	Ancestry      []store.Summary     `json:"ancestry,omitempty"` // subtask chain, root first
	Updates       []store.Update      `json:"updates,omitempty"`
	RecentChanges []store.ChangeEntry `json:"recent_changes,omitempty"`
	Tags          []store.Tag         `json:"tags,omitempty"`
	Relationships []store.Relationship `json:"relationships,omitempty"`
	StaleInfo     *StaleInfo          `json:"stale_info,omitempty"`
}

// TaskContext assembles the task, its project, its subtask ancestry
// root-first, all updates chronologically, and the most recent change
// entries. A pending stale marker surfaces as StaleInfo.
func (e *Engine) TaskContext(ctx context.Context, taskID int64) (*TaskContext, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := &TaskContext{Task: task}

	if task.ProjectID != nil {
		project, err := e.store.GetProject(ctx, *task.ProjectID)
		if err != nil {
			return nil, err
		}
		out.Project = project
	}

	ancestorIDs, err := e.resolver.Ancestry(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(ancestorIDs) > 0 {
		ancestors, err := e.store.GetTasksByIDs(ctx, ancestorIDs)
		if err != nil {
			return nil, err
		}
		for _, id := range ancestorIDs {
			if t, ok := ancestors[id]; ok {
				out.Ancestry = append(out.Ancestry, t.Summarize())
			}
		}
	}

	if out.Updates, err = e.store.ListUpdatesForTask(ctx, taskID); err != nil {
		return nil, err
	}
	if out.RecentChanges, err = e.store.RecentChangeEntries(ctx, taskID, recentChangeCount); err != nil {
		return nil, err
	}
	if out.Tags, err = e.store.TagsForTask(ctx, taskID); err != nil {
		return nil, err
	}
	if out.Relationships, err = e.store.ListRelationshipsForTask(ctx, taskID); err != nil {
		return nil, err
	}

	if task.StaleUnlockedAt != nil {
		out.StaleInfo = &StaleInfo{
			PreviousAgent: deref(task.StalePrevAgent),
			UnlockedAt:    *task.StaleUnlockedAt,
		}
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
