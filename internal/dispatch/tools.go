package dispatch

import (
	"encoding/json"

	"github.com/basket/taskhive/internal/query"
)

var (
	taskTypeEnum     = []string{"concrete", "abstract", "epic"}
	priorityEnum     = []string{"low", "medium", "high", "critical"}
	statusEnum       = []string{"available", "in_progress", "complete", "blocked", "cancelled"}
	relationshipEnum = []string{"subtask", "blocking", "blocked_by", "followup", "related"}
	updateTypeEnum   = []string{"progress", "note", "blocker", "question", "finding"}
	agentTypeEnum    = []string{"implementation", "breakdown"}
	orderByEnum      = []string{
		"created_at_desc", "created_at_asc", "priority_desc", "priority_asc",
		"due_date_asc", "updated_at_desc", "completed_at_desc",
	}
)

func limitField() field {
	return field{name: "limit", typ: "integer", min: f64(1), max: f64(query.MaxLimit)}
}

func agentIDField() field {
	return field{name: "agent_id", typ: "string", required: true, minLen: 1, maxLen: 200}
}

func taskIDField() field {
	return field{name: "task_id", typ: "integer", required: true, min: f64(1)}
}

// toolTable is the method descriptor table: every tool the dispatcher
// serves, with its declared parameters. Schemas compile from this at
// construction; there is no reflection at call time.
func (d *Dispatcher) toolTable() []*tool {
	return []*tool{
		// --- availability and lifecycle ---
		{
			name:        "list_available_tasks",
			description: "List reservable tasks for an agent type, excluding blocked tasks, ordered by priority then age.",
			fields: []field{
				{name: "agent_type", typ: "string", required: true, enum: agentTypeEnum},
				{name: "project_id", typ: "integer", min: f64(1)},
				limitField(),
			},
			run: d.handleListAvailable,
		},
		{
			name:        "reserve_task",
			description: "Atomically reserve an available task. Exactly one concurrent caller succeeds.",
			fields:      []field{taskIDField(), agentIDField()},
			run:         d.handleReserve,
		},
		{
			name:        "complete_task",
			description: "Complete a task you hold, or verify an already-complete unverified task. Optionally create a followup.",
			fields: []field{
				taskIDField(), agentIDField(),
				{name: "notes", typ: "string", maxLen: 10000},
				{name: "actual_hours", typ: "number", min: f64(0.1)},
				{name: "followup", typ: "object", nested: []field{
					{name: "title", typ: "string", required: true, minLen: 3, maxLen: 100},
					{name: "task_type", typ: "string", required: true, enum: taskTypeEnum},
					{name: "task_instruction", typ: "string", required: true, minLen: 10},
					{name: "verification_instruction", typ: "string", required: true, minLen: 10},
				}},
			},
			run: d.handleComplete,
		},
		{
			name:        "create_task",
			description: "Create a task, optionally linked under a parent. Cycle-creating links are rejected.",
			fields: []field{
				{name: "title", typ: "string", required: true, minLen: 3, maxLen: 100},
				{name: "task_type", typ: "string", required: true, enum: taskTypeEnum},
				{name: "task_instruction", typ: "string", required: true, minLen: 10},
				{name: "verification_instruction", typ: "string", required: true, minLen: 10},
				agentIDField(),
				{name: "project_id", typ: "integer", min: f64(1)},
				{name: "parent_task_id", typ: "integer", min: f64(1)},
				{name: "relationship_type", typ: "string", enum: relationshipEnum},
				{name: "priority", typ: "string", enum: priorityEnum, def: "medium"},
				{name: "notes", typ: "string", maxLen: 10000},
				{name: "estimated_hours", typ: "number", min: f64(0.1)},
				{name: "due_date", typ: "string", timestamp: true},
			},
			run: d.handleCreateTask,
		},
		{
			name:        "unlock_task",
			description: "Release a reservation you hold; the task returns to available.",
			fields:      []field{taskIDField(), agentIDField()},
			run:         d.handleUnlock,
		},
		{
			name:        "bulk_unlock_tasks",
			description: "Unlock several tasks atomically: either every id transitions or none do.",
			fields: []field{
				{name: "task_ids", typ: "integer_array", required: true},
				agentIDField(),
			},
			run: d.handleBulkUnlock,
		},
		{
			name:        "verify_task",
			description: "Verify a complete, unverified task.",
			fields: []field{
				taskIDField(), agentIDField(),
				{name: "notes", typ: "string", maxLen: 10000},
			},
			run: d.handleVerify,
		},
		{
			name:        "add_task_update",
			description: "Append an immutable narrative update to a task.",
			fields: []field{
				taskIDField(), agentIDField(),
				{name: "content", typ: "string", required: true, minLen: 1, maxLen: 10000},
				{name: "update_type", typ: "string", required: true, enum: updateTypeEnum},
				{name: "metadata", typ: "object"},
			},
			run: d.handleAddUpdate,
		},
		{
			name:        "cancel_task",
			description: "Cancel a task; cancelled is terminal.",
			fields: []field{
				taskIDField(), agentIDField(),
				{name: "reason", typ: "string", maxLen: 1000},
			},
			run: d.handleCancel,
		},
		{
			name:        "delete_task",
			description: "Delete a task. Its audit trail and versions are retained.",
			fields:      []field{taskIDField(), agentIDField()},
			run:         d.handleDelete,
		},
		{
			name:        "create_task_relationship",
			description: "Link two tasks. Dependency edges are cycle-checked.",
			fields: []field{
				{name: "parent_task_id", typ: "integer", required: true, min: f64(1)},
				{name: "child_task_id", typ: "integer", required: true, min: f64(1)},
				{name: "relationship_type", typ: "string", required: true, enum: relationshipEnum},
				agentIDField(),
			},
			run: d.handleCreateRelationship,
		},

		// --- queries ---
		{
			name:        "query_tasks",
			description: "Structured task query with filters and ordering.",
			fields:      queryFields(),
			run:         d.handleQuery,
		},
		{
			name:        "get_task_summary",
			description: "Same filters as query_tasks, returning lightweight summaries.",
			fields:      queryFields(),
			run:         d.handleSummary,
		},
		{
			name:        "search_tasks",
			description: "Case-insensitive substring search over title, instructions and notes.",
			fields: []field{
				{name: "query", typ: "string", required: true, minLen: 1, maxLen: 500},
				limitField(),
			},
			run: d.handleSearch,
		},
		{
			name:        "query_stale_tasks",
			description: "List in_progress tasks held past the lease timeout.",
			fields: []field{
				{name: "hours", typ: "number", min: f64(0.1)},
				limitField(),
			},
			run: d.handleStale,
		},
		{
			name:        "get_task_statistics",
			description: "Aggregate totals, per-status/type/project counts and completion rate.",
			fields: []field{
				{name: "project_id", typ: "integer", min: f64(1)},
				{name: "task_type", typ: "string", enum: taskTypeEnum},
				{name: "start_date", typ: "string", timestamp: true},
				{name: "end_date", typ: "string", timestamp: true},
			},
			run: d.handleStatistics,
		},
		{
			name:        "get_recent_completions",
			description: "Summaries of recently completed tasks, newest first.",
			fields: []field{
				limitField(),
				{name: "project_id", typ: "integer", min: f64(1)},
				{name: "hours", typ: "number", min: f64(0.1)},
			},
			run: d.handleRecentCompletions,
		},
		{
			name:        "get_tasks_approaching_deadline",
			description: "Tasks due within the next days_ahead days.",
			fields: []field{
				{name: "days_ahead", typ: "integer", min: f64(1), max: f64(365), def: json.Number("3")},
				limitField(),
			},
			run: d.handleApproachingDeadline,
		},
		{
			name:        "get_task_context",
			description: "Full context for a task: project, ancestry, updates, recent changes, stale info.",
			fields:      []field{taskIDField()},
			run:         d.handleTaskContext,
		},
		{
			name:        "get_activity_feed",
			description: "Merged stream of change entries and updates, oldest first.",
			fields: []field{
				{name: "task_id", typ: "integer", min: f64(1)},
				{name: "agent_id", typ: "string", minLen: 1, maxLen: 200},
				{name: "start", typ: "string", timestamp: true},
				{name: "end", typ: "string", timestamp: true},
				{name: "limit", typ: "integer", min: f64(1), max: f64(query.MaxLimit), def: json.Number("1000")},
			},
			run: d.handleActivityFeed,
		},
		{
			name:        "get_agent_performance",
			description: "Completion count, mean hours and verified share for one agent.",
			fields: []field{
				agentIDField(),
				{name: "task_type", typ: "string", enum: taskTypeEnum},
			},
			run: d.handlePerformance,
		},

		// --- tags ---
		{
			name:        "create_task_tag",
			description: "Create a tag name.",
			fields: []field{
				{name: "name", typ: "string", required: true, minLen: 1, maxLen: 100},
			},
			run: d.handleCreateTag,
		},
		{
			name:        "list_task_tags",
			description: "List all tag names.",
			fields:      nil,
			run:         d.handleListTags,
		},
		{
			name:        "assign_tag_to_task",
			description: "Apply a tag to a task.",
			fields: []field{
				taskIDField(),
				{name: "tag_id", typ: "integer", required: true, min: f64(1)},
				agentIDField(),
			},
			run: d.handleAssignTag,
		},
		{
			name:        "remove_tag_from_task",
			description: "Remove a tag from a task; removing an absent tag is a no-op success.",
			fields: []field{
				taskIDField(),
				{name: "tag_id", typ: "integer", required: true, min: f64(1)},
				agentIDField(),
			},
			run: d.handleRemoveTag,
		},
		{
			name:        "get_task_tags",
			description: "List the tags applied to a task.",
			fields:      []field{taskIDField()},
			run:         d.handleTagsForTask,
		},

		// --- templates ---
		{
			name:        "create_template",
			description: "Create a reusable task blueprint with {placeholder} slots.",
			fields: []field{
				{name: "name", typ: "string", required: true, minLen: 1, maxLen: 100},
				{name: "description", typ: "string", maxLen: 1000},
				{name: "task_type", typ: "string", required: true, enum: taskTypeEnum},
				{name: "priority", typ: "string", enum: priorityEnum, def: "medium"},
				{name: "title_template", typ: "string", required: true, minLen: 3, maxLen: 200},
				{name: "instruction_template", typ: "string", required: true, minLen: 10},
				{name: "verification_template", typ: "string", required: true, minLen: 10},
				{name: "tags", typ: "string_array"},
				{name: "estimated_hours", typ: "number", min: f64(0.1)},
			},
			run: d.handleCreateTemplate,
		},
		{
			name:        "list_templates",
			description: "List task templates.",
			fields:      nil,
			run:         d.handleListTemplates,
		},
		{
			name:        "get_template",
			description: "Fetch one template.",
			fields: []field{
				{name: "template_id", typ: "integer", required: true, min: f64(1)},
			},
			run: d.handleGetTemplate,
		},
		{
			name:        "create_task_from_template",
			description: "Instantiate a template; every placeholder must have a substitution.",
			fields: []field{
				{name: "template_id", typ: "integer", required: true, min: f64(1)},
				{name: "substitutions", typ: "object"},
				agentIDField(),
				{name: "project_id", typ: "integer", min: f64(1)},
			},
			run: d.handleCreateFromTemplate,
		},

		// --- recurring ---
		{
			name:        "create_recurring_task",
			description: "Create a cron-scheduled recurring task definition.",
			fields: []field{
				{name: "name", typ: "string", required: true, minLen: 1, maxLen: 100},
				{name: "cron_expr", typ: "string", required: true, minLen: 9, maxLen: 100},
				{name: "task_type", typ: "string", required: true, enum: taskTypeEnum},
				{name: "priority", typ: "string", enum: priorityEnum, def: "medium"},
				{name: "title", typ: "string", required: true, minLen: 3, maxLen: 100},
				{name: "task_instruction", typ: "string", required: true, minLen: 10},
				{name: "verification_instruction", typ: "string", required: true, minLen: 10},
				{name: "project_id", typ: "integer", min: f64(1)},
			},
			run: d.handleCreateRecurring,
		},
		{
			name:        "list_recurring_tasks",
			description: "List recurring definitions.",
			fields: []field{
				{name: "active_only", typ: "boolean", def: false},
			},
			run: d.handleListRecurring,
		},
		{
			name:        "get_recurring_task",
			description: "Fetch one recurring definition.",
			fields: []field{
				{name: "recurring_task_id", typ: "integer", required: true, min: f64(1)},
			},
			run: d.handleGetRecurring,
		},
		{
			name:        "update_recurring_task",
			description: "Update a recurring definition; omitted fields keep their values.",
			fields: []field{
				{name: "recurring_task_id", typ: "integer", required: true, min: f64(1)},
				{name: "cron_expr", typ: "string", minLen: 9, maxLen: 100},
				{name: "task_type", typ: "string", enum: taskTypeEnum},
				{name: "priority", typ: "string", enum: priorityEnum},
				{name: "title", typ: "string", minLen: 3, maxLen: 100},
				{name: "task_instruction", typ: "string", minLen: 10},
				{name: "verification_instruction", typ: "string", minLen: 10},
				{name: "project_id", typ: "integer", min: f64(1)},
			},
			run: d.handleUpdateRecurring,
		},
		{
			name:        "deactivate_recurring_task",
			description: "Stop future instantiation of a recurring definition.",
			fields: []field{
				{name: "recurring_task_id", typ: "integer", required: true, min: f64(1)},
			},
			run: d.handleDeactivateRecurring,
		},
		{
			name:        "instantiate_recurring_task",
			description: "Create one task now from a recurring definition and advance its schedule.",
			fields: []field{
				{name: "recurring_task_id", typ: "integer", required: true, min: f64(1)},
				agentIDField(),
			},
			run: d.handleInstantiateRecurring,
		},

		// --- versions ---
		{
			name:        "get_task_versions",
			description: "List a task's versions, newest first.",
			fields:      []field{taskIDField()},
			run:         d.handleListVersions,
		},
		{
			name:        "get_task_version",
			description: "Fetch one version of a task.",
			fields: []field{
				taskIDField(),
				{name: "version", typ: "integer", required: true, min: f64(1)},
			},
			run: d.handleGetVersion,
		},
		{
			name:        "get_latest_task_version",
			description: "Fetch the newest version of a task.",
			fields:      []field{taskIDField()},
			run:         d.handleLatestVersion,
		},
		{
			name:        "diff_task_versions",
			description: "Field-level diff between two versions; v2 must be greater than v1.",
			fields: []field{
				taskIDField(),
				{name: "v1", typ: "integer", required: true, min: f64(1)},
				{name: "v2", typ: "integer", required: true, min: f64(1)},
			},
			run: d.handleDiffVersions,
		},

		// --- github links ---
		{
			name:        "link_github_issue",
			description: "Attach a GitHub issue URL to a task (replaces any existing link).",
			fields: []field{
				taskIDField(), agentIDField(),
				{name: "url", typ: "string", required: true, minLen: 1, maxLen: 500},
			},
			run: d.handleLinkIssue,
		},
		{
			name:        "link_github_pr",
			description: "Attach a GitHub pull-request URL to a task (replaces any existing link).",
			fields: []field{
				taskIDField(), agentIDField(),
				{name: "url", typ: "string", required: true, minLen: 1, maxLen: 500},
			},
			run: d.handleLinkPR,
		},
		{
			name:        "get_github_links",
			description: "Read a task's GitHub links.",
			fields:      []field{taskIDField()},
			run:         d.handleGetLinks,
		},

		// --- comments ---
		{
			name:        "create_comment",
			description: "Add a comment (optionally a reply) to a task.",
			fields: []field{
				taskIDField(), agentIDField(),
				{name: "content", typ: "string", required: true, minLen: 1, maxLen: 10000},
				{name: "parent_comment_id", typ: "integer", min: f64(1)},
				{name: "mentions", typ: "string_array"},
			},
			run: d.handleCreateComment,
		},
		{
			name:        "get_comment",
			description: "Fetch one comment.",
			fields: []field{
				{name: "comment_id", typ: "integer", required: true, min: f64(1)},
			},
			run: d.handleGetComment,
		},
		{
			name:        "get_task_comments",
			description: "List a task's comments in chronological order.",
			fields:      []field{taskIDField()},
			run:         d.handleTaskComments,
		},
		{
			name:        "update_comment",
			description: "Edit your own comment.",
			fields: []field{
				{name: "comment_id", typ: "integer", required: true, min: f64(1)},
				agentIDField(),
				{name: "content", typ: "string", required: true, minLen: 1, maxLen: 10000},
			},
			run: d.handleUpdateComment,
		},
		{
			name:        "delete_comment",
			description: "Delete your own comment and its replies.",
			fields: []field{
				{name: "comment_id", typ: "integer", required: true, min: f64(1)},
				agentIDField(),
			},
			run: d.handleDeleteComment,
		},

		// --- projects ---
		{
			name:        "create_project",
			description: "Create a project grouping.",
			fields: []field{
				{name: "name", typ: "string", required: true, minLen: 1, maxLen: 100},
				{name: "local_path", typ: "string", maxLen: 500},
				{name: "origin_url", typ: "string", maxLen: 500},
				{name: "description", typ: "string", maxLen: 2000},
			},
			run: d.handleCreateProject,
		},
		{
			name:        "list_projects",
			description: "List all projects.",
			fields:      nil,
			run:         d.handleListProjects,
		},
		{
			name:        "get_project",
			description: "Fetch one project.",
			fields: []field{
				{name: "project_id", typ: "integer", required: true, min: f64(1)},
			},
			run: d.handleGetProject,
		},
	}
}

func queryFields() []field {
	return []field{
		{name: "project_id", typ: "integer", min: f64(1)},
		{name: "task_type", typ: "string", enum: taskTypeEnum},
		{name: "task_status", typ: "string", enum: statusEnum},
		{name: "agent_id", typ: "string", minLen: 1, maxLen: 200},
		{name: "priority", typ: "string", enum: priorityEnum},
		{name: "tag_id", typ: "integer", min: f64(1)},
		{name: "tag_ids", typ: "integer_array"},
		{name: "order_by", typ: "string", enum: orderByEnum},
		limitField(),
	}
}
