package lifecycle

import (
	"context"
	"database/sql"
	"net/url"
	"strings"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/store"
)

// GitHubLinks is the integration state of one task.
type GitHubLinks struct {
	IssueURL string `json:"github_issue_url,omitempty"`
	PRURL    string `json:"github_pr_url,omitempty"`
}

func validateGitHubURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fault.New(fault.KindValidation, "invalid URL %q", raw)
	}
	if u.Scheme != "https" || u.Host != "github.com" || !strings.Contains(strings.Trim(u.Path, "/"), "/") {
		return fault.New(fault.KindValidation, "URL must point at a github.com repository resource")
	}
	return nil
}

// LinkGitHubIssue attaches (or replaces) the issue link of a task.
func (e *Engine) LinkGitHubIssue(ctx context.Context, taskID int64, agentID, rawURL string) (*store.Task, error) {
	return e.linkGitHub(ctx, taskID, agentID, rawURL, true)
}

// LinkGitHubPR attaches (or replaces) the pull-request link of a task.
func (e *Engine) LinkGitHubPR(ctx context.Context, taskID int64, agentID, rawURL string) (*store.Task, error) {
	return e.linkGitHub(ctx, taskID, agentID, rawURL, false)
}

func (e *Engine) linkGitHub(ctx context.Context, taskID int64, agentID, rawURL string, issue bool) (*store.Task, error) {
	if agentID == "" {
		return nil, fault.New(fault.KindValidation, "agent_id is required")
	}
	if err := validateGitHubURL(rawURL); err != nil {
		return nil, err
	}
	var post store.Task
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		pre, err := e.store.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		post = *pre
		if issue {
			post.GitHubIssueURL = &rawURL
		} else {
			post.GitHubPRURL = &rawURL
		}
		post.UpdatedAt = e.now()
		_, err = e.store.UpdateTaskTx(ctx, tx, agentID, "github_link", pre, &post)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(bus.TopicTaskUpdated, taskID, agentID, map[string]any{
		"github_link": rawURL,
	})
	return &post, nil
}

// GetGitHubLinks reads a task's integration links.
func (e *Engine) GetGitHubLinks(ctx context.Context, taskID int64) (*GitHubLinks, error) {
	t, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := &GitHubLinks{}
	if t.GitHubIssueURL != nil {
		out.IssueURL = *t.GitHubIssueURL
	}
	if t.GitHubPRURL != nil {
		out.PRURL = *t.GitHubPRURL
	}
	return out, nil
}
