package dispatch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/deps"
	"github.com/basket/taskhive/internal/dispatch"
	"github.com/basket/taskhive/internal/lifecycle"
	"github.com/basket/taskhive/internal/query"
	"github.com/basket/taskhive/internal/store"
)

func newDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "taskhive.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	resolver := deps.NewResolver(s)
	engine := lifecycle.New(lifecycle.Options{Store: s, Resolver: resolver, Bus: bus.New()})
	queries := query.New(query.Options{
		Store:        s,
		Resolver:     resolver,
		StaleTimeout: func() time.Duration { return 24 * time.Hour },
	})
	d, err := dispatch.New(dispatch.Options{Engine: engine, Queries: queries})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func call(t *testing.T, d *dispatch.Dispatcher, method, paramsJSON string) map[string]any {
	t.Helper()
	return d.Dispatch(context.Background(), method, json.RawMessage(paramsJSON))
}

func mustSucceed(t *testing.T, d *dispatch.Dispatcher, method, paramsJSON string) map[string]any {
	t.Helper()
	out := call(t, d, method, paramsJSON)
	if ok, _ := out["success"].(bool); !ok {
		t.Fatalf("%s failed: %v", method, out["error"])
	}
	return out
}

func mustFail(t *testing.T, d *dispatch.Dispatcher, method, paramsJSON, wantKind string) string {
	t.Helper()
	out := call(t, d, method, paramsJSON)
	if ok, _ := out["success"].(bool); ok {
		t.Fatalf("%s unexpectedly succeeded: %v", method, out)
	}
	errStr, _ := out["error"].(string)
	if !strings.HasPrefix(errStr, wantKind+":") {
		t.Fatalf("%s: expected %s error, got %q", method, wantKind, errStr)
	}
	return errStr
}

const validCreate = `{
	"title": "Impl X",
	"task_type": "concrete",
	"task_instruction": "Implement X payment path",
	"verification_instruction": "Run suite, pay endpoint returns 200",
	"agent_id": "a1"
}`

func createTaskID(t *testing.T, d *dispatch.Dispatcher) int64 {
	t.Helper()
	out := mustSucceed(t, d, "create_task", validCreate)
	switch id := out["task_id"].(type) {
	case int64:
		return id
	case float64:
		return int64(id)
	default:
		t.Fatalf("unexpected task_id type %T", out["task_id"])
		return 0
	}
}

func TestUnknownMethodRejected(t *testing.T) {
	d := newDispatcher(t)
	mustFail(t, d, "summon_tasks", `{}`, "not_found")
}

func TestUnknownParameterRejected(t *testing.T) {
	d := newDispatcher(t)
	params := strings.TrimSuffix(validCreate, "\n}") + `, "surprise": 1}`
	mustFail(t, d, "create_task", params, "validation")
}

func TestTitleBoundaries(t *testing.T) {
	d := newDispatcher(t)
	for _, tc := range []struct {
		length int
		ok     bool
	}{
		{3, true}, {100, true}, {2, false}, {101, false},
	} {
		params := fmt.Sprintf(`{
			"title": %q,
			"task_type": "concrete",
			"task_instruction": "a sufficiently long instruction",
			"verification_instruction": "a sufficiently long verification",
			"agent_id": "a1"
		}`, strings.Repeat("x", tc.length))
		out := call(t, d, "create_task", params)
		ok, _ := out["success"].(bool)
		if ok != tc.ok {
			t.Fatalf("title length %d: expected ok=%v, got %v", tc.length, tc.ok, out["error"])
		}
	}
}

func TestDueDateRequiresTimezone(t *testing.T) {
	d := newDispatcher(t)
	params := strings.TrimSuffix(validCreate, "\n}") + `, "due_date": "2026-09-01T12:00:00"}`
	mustFail(t, d, "create_task", params, "validation")

	params = strings.TrimSuffix(validCreate, "\n}") + `, "due_date": "2026-09-01T12:00:00+02:00"}`
	mustSucceed(t, d, "create_task", params)
}

func TestHoursPrecisionBoundary(t *testing.T) {
	d := newDispatcher(t)
	params := strings.TrimSuffix(validCreate, "\n}") + `, "estimated_hours": 0.09}`
	mustFail(t, d, "create_task", params, "validation")

	params = strings.TrimSuffix(validCreate, "\n}") + `, "estimated_hours": 0.1}`
	mustSucceed(t, d, "create_task", params)
}

func TestQueryLimitBoundary(t *testing.T) {
	d := newDispatcher(t)
	mustSucceed(t, d, "query_tasks", `{"limit": 1000}`)
	mustFail(t, d, "query_tasks", `{"limit": 1001}`, "validation")
}

func TestReserveFlowOverProtocol(t *testing.T) {
	d := newDispatcher(t)
	id := createTaskID(t, d)

	out := mustSucceed(t, d, "reserve_task", fmt.Sprintf(`{"task_id": %d, "agent_id": "a1"}`, id))
	if _, hasWarning := out["stale_warning"]; hasWarning {
		t.Fatal("fresh reservation must not carry a stale warning")
	}
	mustFail(t, d, "reserve_task", fmt.Sprintf(`{"task_id": %d, "agent_id": "a2"}`, id), "unavailable")

	mustSucceed(t, d, "add_task_update", fmt.Sprintf(
		`{"task_id": %d, "agent_id": "a1", "content": "started", "update_type": "progress"}`, id))

	out = mustSucceed(t, d, "complete_task", fmt.Sprintf(
		`{"task_id": %d, "agent_id": "a1", "notes": "done", "actual_hours": 2.5}`, id))
	if verified, _ := out["verified"].(bool); verified {
		t.Fatal("first completion must not report verified")
	}

	mustSucceed(t, d, "verify_task", fmt.Sprintf(`{"task_id": %d, "agent_id": "a2"}`, id))

	out = mustSucceed(t, d, "get_task_versions", fmt.Sprintf(`{"task_id": %d}`, id))
	if count := toInt(out["count"]); count != 4 {
		t.Fatalf("expected 4 versions, got %d", count)
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return -1
	}
}

func TestValidationFailureHasNoSideEffects(t *testing.T) {
	d := newDispatcher(t)
	mustFail(t, d, "create_task", `{"title": "x"}`, "validation")

	out := mustSucceed(t, d, "query_tasks", `{}`)
	if count := toInt(out["count"]); count != 0 {
		t.Fatalf("rejected request must not create tasks, got %d", count)
	}
}

func TestBulkUnlockOverProtocol(t *testing.T) {
	d := newDispatcher(t)
	a := createTaskID(t, d)
	b := createTaskID(t, d)
	mustSucceed(t, d, "reserve_task", fmt.Sprintf(`{"task_id": %d, "agent_id": "a1"}`, a))
	mustSucceed(t, d, "reserve_task", fmt.Sprintf(`{"task_id": %d, "agent_id": "other"}`, b))

	errStr := mustFail(t, d, "bulk_unlock_tasks",
		fmt.Sprintf(`{"task_ids": [%d, %d], "agent_id": "a1"}`, a, b), "invalid_transition")
	if !strings.Contains(errStr, "not assigned") {
		t.Fatalf("per-id reason must surface, got %q", errStr)
	}

	// The batch rolled back: a is still held by a1.
	mustFail(t, d, "reserve_task", fmt.Sprintf(`{"task_id": %d, "agent_id": "a3"}`, a), "unavailable")
}

func TestDiffVersionsOverProtocol(t *testing.T) {
	d := newDispatcher(t)
	id := createTaskID(t, d)
	mustSucceed(t, d, "reserve_task", fmt.Sprintf(`{"task_id": %d, "agent_id": "a1"}`, id))
	mustSucceed(t, d, "complete_task", fmt.Sprintf(`{"task_id": %d, "agent_id": "a1"}`, id))
	mustSucceed(t, d, "verify_task", fmt.Sprintf(`{"task_id": %d, "agent_id": "a2"}`, id))

	// complete -> verify: the last diff is verification_status only.
	out := mustSucceed(t, d, "diff_task_versions", fmt.Sprintf(`{"task_id": %d, "v1": 3, "v2": 4}`, id))
	raw, err := json.Marshal(out["diff"])
	if err != nil {
		t.Fatalf("marshal diff: %v", err)
	}
	var diff []store.FieldDiff
	if err := json.Unmarshal(raw, &diff); err != nil {
		t.Fatalf("unmarshal diff: %v", err)
	}
	if len(diff) != 1 || diff[0].Field != "verification_status" {
		t.Fatalf("expected only verification_status, got %+v", diff)
	}

	mustFail(t, d, "diff_task_versions", fmt.Sprintf(`{"task_id": %d, "v1": 2, "v2": 2}`, id), "validation")
}

func TestTagLifecycleOverProtocol(t *testing.T) {
	d := newDispatcher(t)
	id := createTaskID(t, d)

	out := mustSucceed(t, d, "create_task_tag", `{"name": "urgent"}`)
	tagID := toInt(out["tag_id"])

	mustSucceed(t, d, "assign_tag_to_task", fmt.Sprintf(`{"task_id": %d, "tag_id": %d, "agent_id": "a1"}`, id, tagID))
	out = mustSucceed(t, d, "get_task_tags", fmt.Sprintf(`{"task_id": %d}`, id))
	if count := toInt(out["count"]); count != 1 {
		t.Fatalf("expected 1 tag, got %d", count)
	}

	// Removing twice: second removal is still a success.
	mustSucceed(t, d, "remove_tag_from_task", fmt.Sprintf(`{"task_id": %d, "tag_id": %d, "agent_id": "a1"}`, id, tagID))
	mustSucceed(t, d, "remove_tag_from_task", fmt.Sprintf(`{"task_id": %d, "tag_id": %d, "agent_id": "a1"}`, id, tagID))
}

func TestTemplateFlowOverProtocol(t *testing.T) {
	d := newDispatcher(t)

	out := mustSucceed(t, d, "create_template", `{
		"name": "bugfix",
		"task_type": "concrete",
		"title_template": "Fix {component} crash",
		"instruction_template": "Reproduce and fix the crash in {component}",
		"verification_template": "Regression test for {component} passes"
	}`)
	templateID := toInt(out["template_id"])

	mustFail(t, d, "create_task_from_template", fmt.Sprintf(
		`{"template_id": %d, "agent_id": "a1"}`, templateID), "validation")

	out = mustSucceed(t, d, "create_task_from_template", fmt.Sprintf(
		`{"template_id": %d, "agent_id": "a1", "substitutions": {"component": "parser"}}`, templateID))
	raw, _ := json.Marshal(out["task"])
	var task store.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Title != "Fix parser crash" {
		t.Fatalf("substitution failed: %q", task.Title)
	}
}

func TestRecurringFlowOverProtocol(t *testing.T) {
	d := newDispatcher(t)

	out := mustSucceed(t, d, "create_recurring_task", `{
		"name": "nightly-triage",
		"cron_expr": "0 3 * * *",
		"task_type": "concrete",
		"title": "Triage overnight failures",
		"task_instruction": "Walk the failure queue and file tasks",
		"verification_instruction": "Queue is empty or filed"
	}`)
	recurringID := toInt(out["recurring_task_id"])

	mustFail(t, d, "create_recurring_task", `{
		"name": "bad-cron",
		"cron_expr": "not a cron",
		"task_type": "concrete",
		"title": "Never fires",
		"task_instruction": "This should not be created",
		"verification_instruction": "This should not be created"
	}`, "validation")

	mustSucceed(t, d, "instantiate_recurring_task", fmt.Sprintf(
		`{"recurring_task_id": %d, "agent_id": "a1"}`, recurringID))
	out = mustSucceed(t, d, "query_tasks", `{"task_type": "concrete"}`)
	if count := toInt(out["count"]); count != 1 {
		t.Fatalf("expected 1 instantiated task, got %d", count)
	}

	mustSucceed(t, d, "deactivate_recurring_task", fmt.Sprintf(`{"recurring_task_id": %d}`, recurringID))
	mustFail(t, d, "instantiate_recurring_task", fmt.Sprintf(
		`{"recurring_task_id": %d, "agent_id": "a1"}`, recurringID), "invalid_transition")
}

func TestCommentThreadOverProtocol(t *testing.T) {
	d := newDispatcher(t)
	id := createTaskID(t, d)

	out := mustSucceed(t, d, "create_comment", fmt.Sprintf(
		`{"task_id": %d, "agent_id": "a1", "content": "root comment"}`, id))
	rootID := toInt(out["comment_id"])

	mustSucceed(t, d, "create_comment", fmt.Sprintf(
		`{"task_id": %d, "agent_id": "a2", "content": "a reply", "parent_comment_id": %d}`, id, rootID))

	// Owner-only mutation.
	mustFail(t, d, "update_comment", fmt.Sprintf(
		`{"comment_id": %d, "agent_id": "a2", "content": "hijack"}`, rootID), "not_assigned")

	// Deleting the root cascades to the reply.
	out = mustSucceed(t, d, "delete_comment", fmt.Sprintf(
		`{"comment_id": %d, "agent_id": "a1"}`, rootID))
	if deleted := toInt(out["deleted"]); deleted != 2 {
		t.Fatalf("expected cascade of 2, got %d", deleted)
	}
	out = mustSucceed(t, d, "get_task_comments", fmt.Sprintf(`{"task_id": %d}`, id))
	if count := toInt(out["count"]); count != 0 {
		t.Fatalf("expected empty thread, got %d", count)
	}
}

func TestGitHubLinksOverProtocol(t *testing.T) {
	d := newDispatcher(t)
	id := createTaskID(t, d)

	mustFail(t, d, "link_github_issue", fmt.Sprintf(
		`{"task_id": %d, "agent_id": "a1", "url": "https://example.com/1"}`, id), "validation")
	mustSucceed(t, d, "link_github_issue", fmt.Sprintf(
		`{"task_id": %d, "agent_id": "a1", "url": "https://github.com/basket/taskhive/issues/7"}`, id))

	out := mustSucceed(t, d, "get_github_links", fmt.Sprintf(`{"task_id": %d}`, id))
	raw, _ := json.Marshal(out["links"])
	var links lifecycle.GitHubLinks
	if err := json.Unmarshal(raw, &links); err != nil {
		t.Fatalf("unmarshal links: %v", err)
	}
	if links.IssueURL == "" || links.PRURL != "" {
		t.Fatalf("expected only an issue link, got %+v", links)
	}
}

func TestToolCatalog(t *testing.T) {
	d := newDispatcher(t)
	names := d.ToolNames()
	if len(names) < 45 {
		t.Fatalf("expected the full tool surface, got %d tools", len(names))
	}
	for _, required := range []string{
		"list_available_tasks", "reserve_task", "complete_task", "create_task",
		"bulk_unlock_tasks", "get_task_context", "get_activity_feed",
		"diff_task_versions", "create_task_from_template", "instantiate_recurring_task",
	} {
		description, schema, ok := d.Describe(required)
		if !ok {
			t.Fatalf("missing tool %s", required)
		}
		if description == "" || schema == nil {
			t.Fatalf("tool %s lacks a description or schema", required)
		}
		if ap, ok := schema["additionalProperties"].(bool); !ok || ap {
			t.Fatalf("tool %s must reject unknown parameters", required)
		}
	}
}
