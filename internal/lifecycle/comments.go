package lifecycle

import (
	"context"
	"database/sql"
	"strings"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/store"
)

// CreateComment appends a comment (optionally a reply) to a task.
func (e *Engine) CreateComment(ctx context.Context, taskID int64, agentID, content string, parentCommentID *int64, mentions []string) (*store.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fault.New(fault.KindValidation, "content must not be empty")
	}
	if agentID == "" {
		return nil, fault.New(fault.KindValidation, "agent_id is required")
	}

	comment := &store.Comment{
		TaskID:          taskID,
		AgentID:         agentID,
		Content:         content,
		ParentCommentID: parentCommentID,
		Mentions:        mentions,
		CreatedAt:       e.now(),
	}
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.store.GetTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		return e.store.InsertCommentTx(ctx, tx, comment)
	})
	if err != nil {
		return nil, err
	}
	e.publish(bus.TopicCommentCreated, taskID, agentID, map[string]any{
		"comment_id": comment.ID,
	})
	return comment, nil
}

// UpdateComment replaces a comment's content. Owner-only.
func (e *Engine) UpdateComment(ctx context.Context, commentID int64, agentID, content string) (*store.Comment, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fault.New(fault.KindValidation, "content must not be empty")
	}
	var out *store.Comment
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		c, err := e.store.GetCommentTx(ctx, tx, commentID)
		if err != nil {
			return err
		}
		if c.AgentID != agentID {
			return fault.New(fault.KindNotAssigned, "comment %d belongs to %s", commentID, c.AgentID)
		}
		now := e.now()
		if err := e.store.UpdateCommentTx(ctx, tx, commentID, content, now); err != nil {
			return err
		}
		c.Content = content
		c.UpdatedAt = &now
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteComment removes a comment and its reply subtree. Owner-only.
func (e *Engine) DeleteComment(ctx context.Context, commentID int64, agentID string) (deleted int, err error) {
	err = e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		c, err := e.store.GetCommentTx(ctx, tx, commentID)
		if err != nil {
			return err
		}
		if c.AgentID != agentID {
			return fault.New(fault.KindNotAssigned, "comment %d belongs to %s", commentID, c.AgentID)
		}
		deleted, err = e.store.DeleteCommentTreeTx(ctx, tx, commentID)
		return err
	})
	return deleted, err
}
