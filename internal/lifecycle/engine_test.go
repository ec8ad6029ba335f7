package lifecycle_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/deps"
	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/lifecycle"
	"github.com/basket/taskhive/internal/store"
)

func newEngine(t *testing.T) (*lifecycle.Engine, *store.Store, *bus.Bus) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "taskhive.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	b := bus.New()
	e := lifecycle.New(lifecycle.Options{
		Store:    s,
		Resolver: deps.NewResolver(s),
		Bus:      b,
	})
	return e, s, b
}

func createTask(t *testing.T, e *lifecycle.Engine, title string) *store.Task {
	t.Helper()
	result, err := e.CreateTask(context.Background(), lifecycle.CreateTaskInput{
		Title:                   title,
		TaskType:                store.TaskTypeConcrete,
		Instruction:             "implement the feature end to end",
		VerificationInstruction: "run the suite and check the endpoint",
		AgentID:                 "creator",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return result.Task
}

func TestHappyPath(t *testing.T) {
	e, s, _ := newEngine(t)
	ctx := context.Background()

	task := createTask(t, e, "Impl X")

	reserved, err := e.Reserve(ctx, task.ID, "a1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved.StaleWarning != nil {
		t.Fatal("fresh reservation must not carry a stale warning")
	}
	if reserved.Task.Status != store.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", reserved.Task.Status)
	}

	if _, err := e.AddUpdate(ctx, task.ID, "a1", store.UpdateProgress, "started", nil); err != nil {
		t.Fatalf("add update: %v", err)
	}

	hours := 2.5
	completed, err := e.Complete(ctx, lifecycle.CompleteInput{
		TaskID: task.ID, AgentID: "a1", Notes: "done", ActualHours: &hours,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Verified {
		t.Fatal("first completion must not report verified")
	}
	if completed.Task.CompletedAt == nil {
		t.Fatal("completed_at must be set")
	}

	verified, err := e.Verify(ctx, task.ID, "a2", "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.VerificationStatus != store.VerificationVerified {
		t.Fatalf("expected verified, got %s", verified.VerificationStatus)
	}

	// create + reserve + complete + verify = 4 versions.
	n, err := s.CountVersions(ctx, task.ID)
	if err != nil {
		t.Fatalf("count versions: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 versions, got %d", n)
	}
}

func TestContestedReservation(t *testing.T) {
	e, s, _ := newEngine(t)
	ctx := context.Background()
	task := createTask(t, e, "contested")

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	losers := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Reserve(ctx, task.ID, "agent-k")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case fault.Is(err, fault.KindUnavailable):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 || losers != callers-1 {
		t.Fatalf("expected 1 winner and %d losers, got %d/%d", callers-1, winners, losers)
	}

	entries, err := s.ListChangeEntries(ctx, store.ChangeFilter{TaskID: &task.ID})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	transitions := 0
	for _, entry := range entries {
		if entry.FieldName == "task_status" && entry.NewValue == string(store.StatusInProgress) {
			transitions++
		}
	}
	if transitions != 1 {
		t.Fatalf("expected exactly one in_progress transition, got %d", transitions)
	}
}

func TestUnlockClearsAssignmentAndRecordsFinding(t *testing.T) {
	e, s, _ := newEngine(t)
	ctx := context.Background()
	task := createTask(t, e, "to unlock")

	if _, err := e.Reserve(ctx, task.ID, "a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	unlocked, err := e.Unlock(ctx, task.ID, "a1")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if unlocked.Status != store.StatusAvailable || unlocked.AssignedAgent != nil || unlocked.AssignedAt != nil {
		t.Fatalf("unlock must restore availability, got %+v", unlocked)
	}

	updates, err := s.ListUpdatesForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("list updates: %v", err)
	}
	var foundFinding bool
	for _, u := range updates {
		if u.Type == store.UpdateFinding {
			foundFinding = true
		}
	}
	if !foundFinding {
		t.Fatal("unlock must record a finding update")
	}
}

func TestUnlockRequiresOwnership(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	task := createTask(t, e, "owned")

	if _, err := e.Reserve(ctx, task.ID, "a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := e.Unlock(ctx, task.ID, "a2"); !fault.Is(err, fault.KindNotAssigned) {
		t.Fatalf("expected not_assigned, got %v", err)
	}
}

func TestReserveUnavailableStates(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	task := createTask(t, e, "taken")

	if _, err := e.Reserve(ctx, task.ID, "a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := e.Reserve(ctx, task.ID, "a2"); !fault.Is(err, fault.KindUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := e.Reserve(ctx, 99999, "a2"); !fault.Is(err, fault.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestReserveBlockedTaskIsUnavailable(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	blocker := createTask(t, e, "blocker")
	blocked := createTask(t, e, "blocked")

	if _, err := e.CreateRelationship(ctx, blocker.ID, blocked.ID, store.RelBlockedBy, "creator"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := e.Reserve(ctx, blocked.ID, "a1"); !fault.Is(err, fault.KindUnavailable) {
		t.Fatalf("expected unavailable for blocked task, got %v", err)
	}
}

func TestCompleteTwiceActsAsVerify(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	task := createTask(t, e, "double complete")

	if _, err := e.Reserve(ctx, task.ID, "a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := e.Complete(ctx, lifecycle.CompleteInput{TaskID: task.ID, AgentID: "a1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	second, err := e.Complete(ctx, lifecycle.CompleteInput{TaskID: task.ID, AgentID: "a1"})
	if err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if !second.Verified {
		t.Fatal("second complete must act as verification")
	}
	if second.Task.VerificationStatus != store.VerificationVerified {
		t.Fatalf("expected verified, got %s", second.Task.VerificationStatus)
	}

	// A third call has nowhere to go.
	if _, err := e.Complete(ctx, lifecycle.CompleteInput{TaskID: task.ID, AgentID: "a1"}); !fault.Is(err, fault.KindInvalidTransition) {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
}

func TestCompleteWithFollowup(t *testing.T) {
	e, s, _ := newEngine(t)
	ctx := context.Background()
	task := createTask(t, e, "with followup")

	if _, err := e.Reserve(ctx, task.ID, "a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	result, err := e.Complete(ctx, lifecycle.CompleteInput{
		TaskID: task.ID, AgentID: "a1",
		Followup: &lifecycle.FollowupInput{
			Title:                   "cleanup after impl",
			TaskType:                store.TaskTypeConcrete,
			Instruction:             "remove the migration shims",
			VerificationInstruction: "grep shows no shim references",
		},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if result.Followup == nil {
		t.Fatal("expected a followup task")
	}
	rels, err := s.ListRelationshipsForTask(ctx, result.Followup.ID)
	if err != nil {
		t.Fatalf("list relationships: %v", err)
	}
	if len(rels) != 1 || rels[0].Type != store.RelFollowup || rels[0].ParentTaskID != task.ID {
		t.Fatalf("expected followup edge from %d, got %+v", task.ID, rels)
	}
}

func TestBulkUnlockAllOrNothing(t *testing.T) {
	e, s, _ := newEngine(t)
	ctx := context.Background()

	t1 := createTask(t, e, "bulk one")
	t2 := createTask(t, e, "bulk two")
	t3 := createTask(t, e, "bulk three")
	for _, id := range []int64{t1.ID, t2.ID} {
		if _, err := e.Reserve(ctx, id, "a1"); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	// t3 belongs to someone else.
	if _, err := e.Reserve(ctx, t3.ID, "a2"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	outcomes, err := e.BulkUnlock(ctx, []int64{t1.ID, t2.ID, t3.ID}, "a1")
	if err == nil {
		t.Fatal("expected batch failure")
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if outcomes[2].OK || outcomes[2].Error == "" {
		t.Fatalf("expected failing outcome for t3, got %+v", outcomes[2])
	}

	// All three remain unchanged.
	for _, id := range []int64{t1.ID, t2.ID, t3.ID} {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if task.Status != store.StatusInProgress {
			t.Fatalf("task %d must remain in_progress, got %s", id, task.Status)
		}
	}

	// A clean batch succeeds and unlocks both.
	outcomes, err = e.BulkUnlock(ctx, []int64{t1.ID, t2.ID}, "a1")
	if err != nil {
		t.Fatalf("bulk unlock: %v", err)
	}
	for _, o := range outcomes {
		if !o.OK {
			t.Fatalf("expected success, got %+v", o)
		}
	}
}

func TestBulkUnlockAvailableTasksReportsInvalidTransition(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	task := createTask(t, e, "never reserved")

	outcomes, err := e.BulkUnlock(ctx, []int64{task.ID}, "a1")
	if err == nil {
		t.Fatal("expected batch failure")
	}
	if !fault.Is(err, fault.KindInvalidTransition) {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
	if outcomes[0].OK {
		t.Fatalf("expected per-id failure, got %+v", outcomes[0])
	}
}

func TestCreateTaskValidationBoundaries(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()

	base := lifecycle.CreateTaskInput{
		TaskType:                store.TaskTypeConcrete,
		Instruction:             "long enough instruction",
		VerificationInstruction: "long enough verification",
		AgentID:                 "a1",
	}

	for _, tc := range []struct {
		title string
		ok    bool
	}{
		{"abc", true},
		{"ab", false},
		{makeTitle(100), true},
		{makeTitle(101), false},
	} {
		in := base
		in.Title = tc.title
		_, err := e.CreateTask(ctx, in)
		if tc.ok && err != nil {
			t.Fatalf("title %d chars: unexpected error %v", len(tc.title), err)
		}
		if !tc.ok && !fault.Is(err, fault.KindValidation) {
			t.Fatalf("title %d chars: expected validation fault, got %v", len(tc.title), err)
		}
	}

	// Hours precision boundary.
	in := base
	in.Title = "hours check"
	bad := 0.09
	in.EstimatedHours = &bad
	if _, err := e.CreateTask(ctx, in); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("0.09 hours must be rejected, got %v", err)
	}
	good := 0.1
	in.EstimatedHours = &good
	if _, err := e.CreateTask(ctx, in); err != nil {
		t.Fatalf("0.1 hours must be accepted, got %v", err)
	}
}

func makeTitle(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestCreateWithParentCycleRefused(t *testing.T) {
	e, s, _ := newEngine(t)
	ctx := context.Background()

	x := createTask(t, e, "x root")
	y := createTask(t, e, "y mid")
	z := createTask(t, e, "z leaf")
	if _, err := e.CreateRelationship(ctx, x.ID, y.ID, store.RelSubtask, "creator"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := e.CreateRelationship(ctx, y.ID, z.ID, store.RelSubtask, "creator"); err != nil {
		t.Fatalf("link: %v", err)
	}

	before, err := s.ListRelationshipsForTask(ctx, x.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := e.CreateRelationship(ctx, z.ID, x.ID, store.RelSubtask, "creator"); !fault.Is(err, fault.KindCycleDetected) {
		t.Fatalf("expected cycle_detected, got %v", err)
	}
	after, err := s.ListRelationshipsForTask(ctx, x.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(after) != len(before) {
		t.Fatal("refused cycle must not write")
	}
}

func TestCancelIsTerminal(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	task := createTask(t, e, "cancel me")

	cancelled, err := e.Cancel(ctx, task.ID, "a1", "obsolete")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != store.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := e.Reserve(ctx, task.ID, "a1"); !fault.Is(err, fault.KindUnavailable) {
		t.Fatalf("cancelled tasks must be unavailable, got %v", err)
	}
	if _, err := e.Cancel(ctx, task.ID, "a1", ""); !fault.Is(err, fault.KindInvalidTransition) {
		t.Fatalf("expected invalid_transition, got %v", err)
	}
}

func TestStaleWarningRoundTrip(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	task := createTask(t, e, "goes stale")

	if _, err := e.Reserve(ctx, task.ID, "a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := e.UnlockStale(ctx, task.ID, "sweeper-test", 25*time.Hour); err != nil {
		t.Fatalf("unlock stale: %v", err)
	}

	reserved, err := e.Reserve(ctx, task.ID, "a2")
	if err != nil {
		t.Fatalf("reserve after stale: %v", err)
	}
	if reserved.StaleWarning == nil {
		t.Fatal("expected stale warning")
	}
	if reserved.StaleWarning.PreviousAgent != "a1" {
		t.Fatalf("expected previous agent a1, got %q", reserved.StaleWarning.PreviousAgent)
	}

	// The warning fires once.
	if _, err := e.Unlock(ctx, task.ID, "a2"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	again, err := e.Reserve(ctx, task.ID, "a3")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if again.StaleWarning != nil {
		t.Fatal("a normal unlock must not re-arm the warning")
	}
}

func TestVerifyRequiresCompleteUnverified(t *testing.T) {
	e, _, _ := newEngine(t)
	ctx := context.Background()
	task := createTask(t, e, "verify gates")

	if _, err := e.Verify(ctx, task.ID, "a2", ""); !fault.Is(err, fault.KindInvalidTransition) {
		t.Fatalf("verifying an available task must fail, got %v", err)
	}
}
