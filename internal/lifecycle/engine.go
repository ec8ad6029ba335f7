// Package lifecycle enforces the task state machine: reservation with
// mutual exclusion, completion and verification, unlocking, bulk
// variants, and the audited mutations around them. Every operation
// commits its row change, change-log entries and version snapshot in one
// writer transaction, then publishes change events outside it.
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/deps"
	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/store"
)

// Engine coordinates the store, the dependency resolver and the event
// bus. It is stateless between calls.
type Engine struct {
	store    *store.Store
	resolver *deps.Resolver
	bus      *bus.Bus
	logger   *slog.Logger

	// now is injectable for clock-sensitive tests.
	now func() time.Time
}

// Options configure the engine; Bus may be nil in tests.
type Options struct {
	Store    *store.Store
	Resolver *deps.Resolver
	Bus      *bus.Bus
	Logger   *slog.Logger
	Now      func() time.Time
}

// New builds an engine.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = store.Now
	}
	return &Engine{
		store:    opts.Store,
		resolver: opts.Resolver,
		bus:      opts.Bus,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// Store exposes the backing store for read-side collaborators.
func (e *Engine) Store() *store.Store { return e.store }

// Resolver exposes the dependency resolver.
func (e *Engine) Resolver() *deps.Resolver { return e.resolver }

func (e *Engine) publish(topic string, taskID int64, actor string, summary map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(topic, taskID, actor, summary)
}

// --- create ---

// CreateTaskInput carries the create_task parameters.
type CreateTaskInput struct {
	Title                   string
	TaskType                store.TaskType
	Instruction             string
	VerificationInstruction string
	AgentID                 string
	ProjectID               *int64
	ParentTaskID            *int64
	RelationshipType        *store.RelationshipType
	Priority                store.Priority
	Notes                   string
	EstimatedHours          *float64
	DueDate                 *time.Time
}

// CreateTaskResult is the outcome of CreateTask.
type CreateTaskResult struct {
	Task         *store.Task
	Relationship *store.Relationship
}

// CreateTask validates the input, inserts the task with its audit trail
// and version 1 snapshot, and optionally links it under a parent. The
// parent edge is cycle-checked inside the same transaction.
func (e *Engine) CreateTask(ctx context.Context, in CreateTaskInput) (*CreateTaskResult, error) {
	if err := validateCreate(&in); err != nil {
		return nil, err
	}

	now := e.now()
	task := &store.Task{
		ProjectID:               in.ProjectID,
		TaskType:                in.TaskType,
		Priority:                in.Priority,
		Title:                   in.Title,
		Instruction:             in.Instruction,
		VerificationInstruction: in.VerificationInstruction,
		Notes:                   in.Notes,
		Status:                  store.StatusAvailable,
		VerificationStatus:      store.VerificationUnverified,
		EstimatedHours:          in.EstimatedHours,
		DueDate:                 in.DueDate,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	var rel *store.Relationship
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if in.ProjectID != nil {
			if _, err := e.store.GetProjectTx(ctx, tx, *in.ProjectID); err != nil {
				return err
			}
		}
		if in.ParentTaskID != nil {
			if _, err := e.store.GetTaskTx(ctx, tx, *in.ParentTaskID); err != nil {
				if fault.Is(err, fault.KindNotFound) {
					return fault.New(fault.KindNotFound, "parent task %d not found", *in.ParentTaskID)
				}
				return err
			}
		}
		if err := e.store.InsertTaskTx(ctx, tx, task, in.AgentID); err != nil {
			return err
		}
		if in.ParentTaskID != nil {
			r := &store.Relationship{
				ParentTaskID: *in.ParentTaskID,
				ChildTaskID:  task.ID,
				Type:         *in.RelationshipType,
				CreatedAt:    now,
				CreatedBy:    in.AgentID,
			}
			if r.Type.Dependency() {
				cyclic, err := e.resolver.WouldCycle(ctx, tx, r.ParentTaskID, r.ChildTaskID)
				if err != nil {
					return err
				}
				if cyclic {
					return fault.New(fault.KindCycleDetected, "relationship %d -> %d (%s) would create a cycle", r.ParentTaskID, r.ChildTaskID, r.Type)
				}
			}
			if err := e.store.InsertRelationshipTx(ctx, tx, r); err != nil {
				return err
			}
			rel = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(bus.TopicTaskCreated, task.ID, in.AgentID, map[string]any{
		"title": task.Title, "task_type": task.TaskType, "priority": task.Priority,
	})
	if rel != nil {
		e.publish(bus.TopicRelationshipCreated, rel.ChildTaskID, in.AgentID, map[string]any{
			"parent_task_id": rel.ParentTaskID, "relationship_type": rel.Type,
		})
	}
	return &CreateTaskResult{Task: task, Relationship: rel}, nil
}

// --- reserve ---

// StaleWarning flags that a reservation follows an automatic unlock.
type StaleWarning struct {
	PreviousAgent string    `json:"previous_agent"`
	UnlockedAt    time.Time `json:"unlocked_at"`
	Reason        string    `json:"reason"`
}

// ReserveResult is the outcome of Reserve.
type ReserveResult struct {
	Task         *store.Task
	StaleWarning *StaleWarning
}

// Reserve atomically assigns an available, unblocked task to the agent.
// Of two concurrent calls exactly one succeeds; the loser sees an
// unavailable fault. The availability check, the blocker evaluation and
// the assignment all happen inside one writer transaction.
func (e *Engine) Reserve(ctx context.Context, taskID int64, agentID string) (*ReserveResult, error) {
	if agentID == "" {
		return nil, fault.New(fault.KindValidation, "agent_id is required")
	}

	var result ReserveResult
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		pre, err := e.store.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if pre.Status != store.StatusAvailable {
			if pre.AssignedAgent != nil {
				return fault.New(fault.KindUnavailable, "task %d is %s, assigned to %s", taskID, pre.Status, *pre.AssignedAgent)
			}
			return fault.New(fault.KindUnavailable, "task %d is %s", taskID, pre.Status)
		}
		blocked, err := e.resolver.BlockedTx(ctx, tx, []int64{taskID})
		if err != nil {
			return err
		}
		if blocked[taskID] {
			return fault.New(fault.KindUnavailable, "task %d is blocked by unfinished dependencies", taskID)
		}

		now := e.now()
		post := *pre
		post.Status = store.StatusInProgress
		post.AssignedAgent = &agentID
		post.AssignedAt = &now
		post.UpdatedAt = now

		if pre.StaleUnlockedAt != nil {
			result.StaleWarning = &StaleWarning{
				PreviousAgent: strOrEmpty(pre.StalePrevAgent),
				UnlockedAt:    *pre.StaleUnlockedAt,
				Reason:        "previous reservation exceeded the lease timeout and was auto-unlocked",
			}
			// Consume the marker: the warning fires once per stale unlock.
			post.StaleUnlockedAt = nil
			post.StalePrevAgent = nil
		}

		if _, err := e.store.UpdateTaskTx(ctx, tx, agentID, "reserve", pre, &post); err != nil {
			return err
		}
		result.Task = &post
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.publish(bus.TopicTaskReserved, taskID, agentID, map[string]any{
		"task_status": store.StatusInProgress, "assigned_agent": agentID,
	})
	return &result, nil
}

// --- complete / verify ---

// FollowupInput describes the optional followup task created on
// completion.
type FollowupInput struct {
	Title                   string
	TaskType                store.TaskType
	Instruction             string
	VerificationInstruction string
}

// CompleteInput carries the complete_task parameters.
type CompleteInput struct {
	TaskID      int64
	AgentID     string
	Notes       string
	ActualHours *float64
	Followup    *FollowupInput
}

// CompleteResult is the outcome of Complete.
type CompleteResult struct {
	Task *store.Task
	// Verified is set when the call acted as verification of an
	// already-complete task rather than a first completion.
	Verified bool
	Followup *store.Task
}

// Complete finishes a task the caller owns. An in_progress task
// transitions to complete; a complete-but-unverified task transitions to
// verified instead (and emits task.verified, not task.completed).
func (e *Engine) Complete(ctx context.Context, in CompleteInput) (*CompleteResult, error) {
	if in.AgentID == "" {
		return nil, fault.New(fault.KindValidation, "agent_id is required")
	}
	if in.ActualHours != nil {
		if err := validateHours(*in.ActualHours, "actual_hours"); err != nil {
			return nil, err
		}
	}
	if in.Followup != nil {
		if err := validateFollowup(in.Followup); err != nil {
			return nil, err
		}
	}

	var result CompleteResult
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		pre, err := e.store.GetTaskTx(ctx, tx, in.TaskID)
		if err != nil {
			return err
		}
		if pre.AssignedAgent == nil || *pre.AssignedAgent != in.AgentID {
			return fault.New(fault.KindNotAssigned, "task %d is not assigned to %s", in.TaskID, in.AgentID)
		}

		now := e.now()
		post := *pre
		post.UpdatedAt = now

		switch {
		case pre.Status == store.StatusInProgress:
			post.Status = store.StatusComplete
			post.CompletedAt = &now
			if in.ActualHours != nil {
				post.ActualHours = in.ActualHours
			}
			if in.Notes != "" {
				post.Notes = appendNotes(post.Notes, in.Notes)
			}
		case pre.Status == store.StatusComplete && pre.VerificationStatus == store.VerificationUnverified:
			post.VerificationStatus = store.VerificationVerified
			if in.Notes != "" {
				post.Notes = appendNotes(post.Notes, in.Notes)
			}
			result.Verified = true
		default:
			return fault.New(fault.KindInvalidTransition, "task %d cannot complete from %s/%s", in.TaskID, pre.Status, pre.VerificationStatus)
		}

		if _, err := e.store.UpdateTaskTx(ctx, tx, in.AgentID, "complete", pre, &post); err != nil {
			return err
		}
		result.Task = &post

		if in.Followup != nil {
			followup := &store.Task{
				ProjectID:               pre.ProjectID,
				TaskType:                in.Followup.TaskType,
				Priority:                pre.Priority,
				Title:                   in.Followup.Title,
				Instruction:             in.Followup.Instruction,
				VerificationInstruction: in.Followup.VerificationInstruction,
				Status:                  store.StatusAvailable,
				VerificationStatus:      store.VerificationUnverified,
				CreatedAt:               now,
				UpdatedAt:               now,
			}
			if err := e.store.InsertTaskTx(ctx, tx, followup, in.AgentID); err != nil {
				return err
			}
			rel := &store.Relationship{
				ParentTaskID: in.TaskID,
				ChildTaskID:  followup.ID,
				Type:         store.RelFollowup,
				CreatedAt:    now,
				CreatedBy:    in.AgentID,
			}
			if err := e.store.InsertRelationshipTx(ctx, tx, rel); err != nil {
				return err
			}
			result.Followup = followup
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Verified {
		e.publish(bus.TopicTaskVerified, in.TaskID, in.AgentID, map[string]any{
			"verification_status": store.VerificationVerified,
		})
	} else {
		e.publish(bus.TopicTaskCompleted, in.TaskID, in.AgentID, map[string]any{
			"task_status": store.StatusComplete,
		})
	}
	if result.Followup != nil {
		e.publish(bus.TopicTaskCreated, result.Followup.ID, in.AgentID, map[string]any{
			"title": result.Followup.Title, "followup_of": in.TaskID,
		})
		e.publish(bus.TopicRelationshipCreated, result.Followup.ID, in.AgentID, map[string]any{
			"parent_task_id": in.TaskID, "relationship_type": store.RelFollowup,
		})
	}
	return &result, nil
}

// Verify transitions a complete, unverified task to verified. Unlike
// Complete it does not require the caller to be the assignee's author of
// record; any agent may verify, matching the second-reviewer workflow.
func (e *Engine) Verify(ctx context.Context, taskID int64, agentID, notes string) (*store.Task, error) {
	if agentID == "" {
		return nil, fault.New(fault.KindValidation, "agent_id is required")
	}
	var post store.Task
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		pre, err := e.store.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if pre.Status != store.StatusComplete {
			return fault.New(fault.KindInvalidTransition, "task %d is %s; only complete tasks can be verified", taskID, pre.Status)
		}
		if pre.VerificationStatus == store.VerificationVerified {
			return fault.New(fault.KindInvalidTransition, "task %d is already verified", taskID)
		}

		post = *pre
		post.VerificationStatus = store.VerificationVerified
		post.UpdatedAt = e.now()
		if notes != "" {
			post.Notes = appendNotes(post.Notes, notes)
		}
		_, err = e.store.UpdateTaskTx(ctx, tx, agentID, "verify", pre, &post)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(bus.TopicTaskVerified, taskID, agentID, map[string]any{
		"verification_status": store.VerificationVerified,
	})
	return &post, nil
}

// --- unlock ---

// Unlock releases a reservation held by the caller and records a
// finding-type update.
func (e *Engine) Unlock(ctx context.Context, taskID int64, agentID string) (*store.Task, error) {
	if agentID == "" {
		return nil, fault.New(fault.KindValidation, "agent_id is required")
	}
	var post store.Task
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		post, err = e.unlockTx(ctx, tx, taskID, agentID, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(bus.TopicTaskUnlocked, taskID, agentID, map[string]any{
		"task_status": store.StatusAvailable,
	})
	return &post, nil
}

// unlockTx performs the unlock transition inside an existing transaction.
// When staleMeta is non-nil the unlock is administrative (the sweeper):
// ownership is not checked, the stale marker is set, and the metadata is
// attached to the finding update.
func (e *Engine) unlockTx(ctx context.Context, tx *sql.Tx, taskID int64, actor string, staleMeta map[string]any) (store.Task, error) {
	pre, err := e.store.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return store.Task{}, err
	}
	if pre.Status != store.StatusInProgress {
		return store.Task{}, fault.New(fault.KindInvalidTransition, "task %d is %s, not in_progress", taskID, pre.Status)
	}
	if staleMeta == nil {
		if pre.AssignedAgent == nil || *pre.AssignedAgent != actor {
			return store.Task{}, fault.New(fault.KindNotAssigned, "task %d is not assigned to %s", taskID, actor)
		}
	}

	now := e.now()
	prevAgent := strOrEmpty(pre.AssignedAgent)
	post := *pre
	post.Status = store.StatusAvailable
	post.AssignedAgent = nil
	post.AssignedAt = nil
	post.UpdatedAt = now
	if staleMeta != nil {
		post.StaleUnlockedAt = &now
		post.StalePrevAgent = &prevAgent
	}

	if _, err := e.store.UpdateTaskTx(ctx, tx, actor, "unlock", pre, &post); err != nil {
		return store.Task{}, err
	}

	content := fmt.Sprintf("reservation released by %s", actor)
	meta := map[string]any{"previous_agent": prevAgent}
	if staleMeta != nil {
		for k, v := range staleMeta {
			meta[k] = v
		}
		content = fmt.Sprintf("auto-unlock after %s; previous=%s", staleMeta["held_for"], prevAgent)
	}
	update := &store.Update{
		TaskID:    taskID,
		AgentID:   actor,
		Type:      store.UpdateFinding,
		Content:   content,
		Metadata:  meta,
		CreatedAt: now,
	}
	if err := e.store.InsertUpdateTx(ctx, tx, update); err != nil {
		return store.Task{}, err
	}
	return post, nil
}

// UnlockStale is the sweeper's unlock path: same transition, synthetic
// actor, stale marker set so the next reserve carries a warning.
func (e *Engine) UnlockStale(ctx context.Context, taskID int64, sweeperActor string, heldFor time.Duration) (*store.Task, error) {
	var post store.Task
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		post, err = e.unlockTx(ctx, tx, taskID, sweeperActor, map[string]any{
			"auto_unlock": true,
			"held_for":    heldFor.Round(time.Second).String(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publish(bus.TopicTaskUnlockedStale, taskID, sweeperActor, map[string]any{
		"task_status": store.StatusAvailable, "held_for": heldFor.Round(time.Second).String(),
	})
	return &post, nil
}

// BulkOutcome is the per-id result of a bulk operation.
type BulkOutcome struct {
	TaskID int64  `json:"task_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// BulkUnlock attempts to unlock every id in one transaction. All-or-
// nothing: any failure rolls back every transition, and the returned
// outcomes identify the ids that failed and why.
func (e *Engine) BulkUnlock(ctx context.Context, taskIDs []int64, agentID string) ([]BulkOutcome, error) {
	if agentID == "" {
		return nil, fault.New(fault.KindValidation, "agent_id is required")
	}
	if len(taskIDs) == 0 {
		return nil, fault.New(fault.KindValidation, "task_ids must not be empty")
	}

	outcomes := make([]BulkOutcome, len(taskIDs))
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		var failed bool
		for i, id := range taskIDs {
			outcomes[i] = BulkOutcome{TaskID: id, OK: true}
			if _, err := e.unlockTx(ctx, tx, id, agentID, nil); err != nil {
				outcomes[i].OK = false
				outcomes[i].Error = err.Error()
				failed = true
			}
		}
		if failed {
			return fault.New(fault.KindInvalidTransition, "bulk unlock aborted; no tasks were changed")
		}
		return nil
	})
	if err != nil {
		// Outcomes carry the per-id reasons; the batch itself failed.
		if fault.Is(err, fault.KindInvalidTransition) {
			return outcomes, err
		}
		return nil, err
	}

	for _, id := range taskIDs {
		e.publish(bus.TopicTaskUnlocked, id, agentID, map[string]any{
			"task_status": store.StatusAvailable, "bulk": true,
		})
	}
	return outcomes, nil
}

// --- narrative updates ---

// AddUpdate appends an immutable narrative entry; no state change.
func (e *Engine) AddUpdate(ctx context.Context, taskID int64, agentID string, updateType store.UpdateType, content string, metadata map[string]any) (*store.Update, error) {
	if agentID == "" {
		return nil, fault.New(fault.KindValidation, "agent_id is required")
	}
	if content == "" {
		return nil, fault.New(fault.KindValidation, "content must not be empty")
	}
	if !updateType.Valid() {
		return nil, fault.New(fault.KindValidation, "unknown update_type %q", updateType)
	}

	update := &store.Update{
		TaskID:    taskID,
		AgentID:   agentID,
		Type:      updateType,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: e.now(),
	}
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.store.GetTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		return e.store.InsertUpdateTx(ctx, tx, update)
	})
	if err != nil {
		return nil, err
	}
	e.publish(bus.TopicTaskUpdated, taskID, agentID, map[string]any{
		"update_type": updateType,
	})
	return update, nil
}

// --- cancel / delete ---

// Cancel moves a task to the terminal cancelled state from any
// non-complete, non-cancelled state and clears its assignment.
func (e *Engine) Cancel(ctx context.Context, taskID int64, agentID, reason string) (*store.Task, error) {
	if agentID == "" {
		return nil, fault.New(fault.KindValidation, "agent_id is required")
	}
	var post store.Task
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		pre, err := e.store.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		switch pre.Status {
		case store.StatusComplete:
			return fault.New(fault.KindInvalidTransition, "task %d is complete; completed tasks cannot be cancelled", taskID)
		case store.StatusCancelled:
			return fault.New(fault.KindInvalidTransition, "task %d is already cancelled", taskID)
		}

		now := e.now()
		post = *pre
		post.Status = store.StatusCancelled
		post.AssignedAgent = nil
		post.AssignedAt = nil
		post.UpdatedAt = now
		if _, err := e.store.UpdateTaskTx(ctx, tx, agentID, "cancel", pre, &post); err != nil {
			return err
		}
		if reason != "" {
			return e.store.InsertUpdateTx(ctx, tx, &store.Update{
				TaskID:    taskID,
				AgentID:   agentID,
				Type:      store.UpdateNote,
				Content:   "cancelled: " + reason,
				CreatedAt: now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(bus.TopicTaskUpdated, taskID, agentID, map[string]any{
		"task_status": store.StatusCancelled,
	})
	return &post, nil
}

// Delete removes a task row with its edges and tag links. The change
// log, updates and versions are retained, and the deletion itself is
// logged as a tombstone entry.
func (e *Engine) Delete(ctx context.Context, taskID int64, agentID string) error {
	if agentID == "" {
		return fault.New(fault.KindValidation, "agent_id is required")
	}
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.store.GetTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		if err := e.store.DeleteTaskTx(ctx, tx, taskID); err != nil {
			return err
		}
		return e.store.AppendTombstoneTx(ctx, tx, taskID, agentID, e.now())
	})
	if err != nil {
		return err
	}
	e.publish(bus.TopicTaskDeleted, taskID, agentID, nil)
	return nil
}

// --- relationships ---

// CreateRelationship links two existing tasks. Dependency-typed edges are
// cycle-checked inside the insert transaction.
func (e *Engine) CreateRelationship(ctx context.Context, parentID, childID int64, relType store.RelationshipType, agentID string) (*store.Relationship, error) {
	if agentID == "" {
		return nil, fault.New(fault.KindValidation, "agent_id is required")
	}
	if !relType.Valid() {
		return nil, fault.New(fault.KindValidation, "unknown relationship_type %q", relType)
	}
	if parentID == childID {
		return nil, fault.New(fault.KindValidation, "relationship cannot link task %d to itself", parentID)
	}

	rel := &store.Relationship{
		ParentTaskID: parentID,
		ChildTaskID:  childID,
		Type:         relType,
		CreatedAt:    e.now(),
		CreatedBy:    agentID,
	}
	err := e.store.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.store.GetTaskTx(ctx, tx, parentID); err != nil {
			return err
		}
		if _, err := e.store.GetTaskTx(ctx, tx, childID); err != nil {
			return err
		}
		if relType.Dependency() {
			cyclic, err := e.resolver.WouldCycle(ctx, tx, parentID, childID)
			if err != nil {
				return err
			}
			if cyclic {
				return fault.New(fault.KindCycleDetected, "relationship %d -> %d (%s) would create a cycle", parentID, childID, relType)
			}
		}
		return e.store.InsertRelationshipTx(ctx, tx, rel)
	})
	if err != nil {
		return nil, err
	}
	e.publish(bus.TopicRelationshipCreated, childID, agentID, map[string]any{
		"parent_task_id": parentID, "relationship_type": relType,
	})
	return rel, nil
}

func appendNotes(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "\n" + addition
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
