package query

import (
	"context"
	"time"

	"github.com/basket/taskhive/internal/store"
)

// FeedItem is one row of the merged activity feed: either a change-log
// entry or a narrative update.
type FeedItem struct {
	Kind      string    `json:"kind"` // "change" or "update"
	TaskID    int64     `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`

	// Change fields.
	ChangeType string `json:"change_type,omitempty"`
	FieldName  string `json:"field_name,omitempty"`
	OldValue   string `json:"old_value,omitempty"`
	NewValue   string `json:"new_value,omitempty"`

	// Update fields.
	UpdateType string         `json:"update_type,omitempty"`
	Content    string         `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	id int64 // row id within its source table, for tie-breaks
}

// FeedInput scopes the activity feed.
type FeedInput struct {
	TaskID  *int64
	AgentID *string
	Start   *time.Time
	End     *time.Time
	Limit   int
}

// ActivityFeed merges change entries and updates into one stream ordered
// by (timestamp, id) ascending.
func (e *Engine) ActivityFeed(ctx context.Context, in FeedInput) ([]FeedItem, error) {
	limit, err := clampLimit(in.Limit)
	if err != nil {
		return nil, err
	}

	changes, err := e.store.ListChangeEntries(ctx, store.ChangeFilter{
		TaskID:  in.TaskID,
		AgentID: in.AgentID,
		After:   in.Start,
		Before:  in.End,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}
	updates, err := e.store.ListUpdates(ctx, store.UpdateFilter{
		TaskID:  in.TaskID,
		AgentID: in.AgentID,
		After:   in.Start,
		Before:  in.End,
		Limit:   limit,
	})
	if err != nil {
		return nil, err
	}

	// Both inputs arrive sorted by (timestamp, id); a single merge pass
	// keeps that order across sources.
	out := make([]FeedItem, 0, len(changes)+len(updates))
	ci, ui := 0, 0
	for ci < len(changes) || ui < len(updates) {
		takeChange := ui >= len(updates)
		if !takeChange && ci < len(changes) {
			c, u := changes[ci], updates[ui]
			if c.CreatedAt.Before(u.CreatedAt) {
				takeChange = true
			} else if c.CreatedAt.Equal(u.CreatedAt) {
				takeChange = c.ID <= u.ID
			}
		}
		if takeChange {
			c := changes[ci]
			out = append(out, FeedItem{
				Kind: "change", TaskID: c.TaskID, AgentID: c.AgentID,
				Timestamp: c.CreatedAt, ChangeType: c.ChangeType,
				FieldName: c.FieldName, OldValue: c.OldValue, NewValue: c.NewValue,
				id: c.ID,
			})
			ci++
		} else {
			u := updates[ui]
			out = append(out, FeedItem{
				Kind: "update", TaskID: u.TaskID, AgentID: u.AgentID,
				Timestamp: u.CreatedAt, UpdateType: string(u.Type),
				Content: u.Content, Metadata: u.Metadata,
				id: u.ID,
			})
			ui++
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
