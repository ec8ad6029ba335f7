package lifecycle

import (
	"context"
	"database/sql"
	"strings"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/store"
)

// CreateTag registers a new tag name.
func (e *Engine) CreateTag(ctx context.Context, name string) (*store.Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fault.New(fault.KindValidation, "tag name must not be empty")
	}
	return e.store.CreateTag(ctx, name)
}

// AssignTag links a tag to a task and emits tag.assigned. Re-assigning an
// existing link is a no-op success without an event.
func (e *Engine) AssignTag(ctx context.Context, taskID, tagID int64, agentID string) error {
	var assigned bool
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.store.GetTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		if _, err := e.store.GetTagTx(ctx, tx, tagID); err != nil {
			return err
		}
		var err error
		assigned, err = e.store.AssignTagTx(ctx, tx, taskID, tagID)
		return err
	})
	if err != nil {
		return err
	}
	if assigned {
		e.publish(bus.TopicTagAssigned, taskID, agentID, map[string]any{"tag_id": tagID})
	}
	return nil
}

// RemoveTag unlinks a tag from a task. Removing an absent link is a
// no-op success.
func (e *Engine) RemoveTag(ctx context.Context, taskID, tagID int64, agentID string) error {
	var removed bool
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.store.GetTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		var err error
		removed, err = e.store.RemoveTagTx(ctx, tx, taskID, tagID)
		return err
	})
	if err != nil {
		return err
	}
	if removed {
		e.publish(bus.TopicTagRemoved, taskID, agentID, map[string]any{"tag_id": tagID})
	}
	return nil
}
