package query_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/deps"
	"github.com/basket/taskhive/internal/fault"
	"github.com/basket/taskhive/internal/lifecycle"
	"github.com/basket/taskhive/internal/query"
	"github.com/basket/taskhive/internal/store"
)

type fixture struct {
	store   *store.Store
	engine  *lifecycle.Engine
	queries *query.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "taskhive.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	resolver := deps.NewResolver(s)
	e := lifecycle.New(lifecycle.Options{Store: s, Resolver: resolver, Bus: bus.New()})
	q := query.New(query.Options{
		Store:        s,
		Resolver:     resolver,
		StaleTimeout: func() time.Duration { return 24 * time.Hour },
	})
	return &fixture{store: s, engine: e, queries: q}
}

func (f *fixture) create(t *testing.T, title string, taskType store.TaskType, opts ...func(*lifecycle.CreateTaskInput)) *store.Task {
	t.Helper()
	in := lifecycle.CreateTaskInput{
		Title:                   title,
		TaskType:                taskType,
		Instruction:             "implement something substantial",
		VerificationInstruction: "verify something substantial",
		AgentID:                 "creator",
	}
	for _, opt := range opts {
		opt(&in)
	}
	result, err := f.engine.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("create %q: %v", title, err)
	}
	return result.Task
}

func TestListAvailableProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	concrete := f.create(t, "a concrete task", store.TaskTypeConcrete)
	f.create(t, "an abstract task", store.TaskTypeAbstract)
	f.create(t, "an epic task", store.TaskTypeEpic)

	impl, err := f.queries.ListAvailable(ctx, query.AgentImplementation, nil, 10)
	if err != nil {
		t.Fatalf("list available: %v", err)
	}
	if len(impl) != 1 || impl[0].ID != concrete.ID {
		t.Fatalf("implementation agents see only concrete tasks, got %+v", impl)
	}

	breakdown, err := f.queries.ListAvailable(ctx, query.AgentBreakdown, nil, 10)
	if err != nil {
		t.Fatalf("list available: %v", err)
	}
	if len(breakdown) != 2 {
		t.Fatalf("breakdown agents see abstract and epic tasks, got %+v", breakdown)
	}

	if _, err := f.queries.ListAvailable(ctx, "reviewer", nil, 10); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("unknown agent type must be rejected, got %v", err)
	}
}

// TestDependencyBlockScenario: A blocked by B, B a subtask of C; A hides
// from availability until B completes.
func TestDependencyBlockScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, "A the blocked one", store.TaskTypeConcrete)
	b := f.create(t, "B the blocker", store.TaskTypeConcrete)
	c := f.create(t, "C the parent", store.TaskTypeConcrete)

	// A blocked_by B: the blocker is the edge's parent.
	if _, err := f.engine.CreateRelationship(ctx, b.ID, a.ID, store.RelBlockedBy, "creator"); err != nil {
		t.Fatalf("link: %v", err)
	}
	// B subtask of C.
	if _, err := f.engine.CreateRelationship(ctx, c.ID, b.ID, store.RelSubtask, "creator"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := f.engine.Reserve(ctx, c.ID, "holder"); err != nil {
		t.Fatalf("reserve c: %v", err)
	}

	available, err := f.queries.ListAvailable(ctx, query.AgentImplementation, nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, task := range available {
		if task.ID == a.ID {
			t.Fatal("A must be excluded while B is incomplete")
		}
	}

	if _, err := f.engine.Reserve(ctx, b.ID, "agent-b"); err != nil {
		t.Fatalf("reserve b: %v", err)
	}
	if _, err := f.engine.Complete(ctx, lifecycle.CompleteInput{TaskID: b.ID, AgentID: "agent-b"}); err != nil {
		t.Fatalf("complete b: %v", err)
	}

	available, err = f.queries.ListAvailable(ctx, query.AgentImplementation, nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, task := range available {
		if task.ID == a.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("A must reappear once B completes")
	}
}

func TestListAvailableOrdersByPriorityThenAge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low := f.create(t, "low priority", store.TaskTypeConcrete, func(in *lifecycle.CreateTaskInput) {
		in.Priority = store.PriorityLow
	})
	critical := f.create(t, "critical priority", store.TaskTypeConcrete, func(in *lifecycle.CreateTaskInput) {
		in.Priority = store.PriorityCritical
	})

	got, err := f.queries.ListAvailable(ctx, query.AgentImplementation, nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != critical.ID || got[1].ID != low.ID {
		t.Fatalf("expected critical first, got %+v", got)
	}
}

// TestStatisticsMatchQueryCounts checks that statistics totals agree with
// the equivalent structured query.
func TestStatisticsMatchQueryCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	project, err := f.store.CreateProject(ctx, "statproj", "", "", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.create(t, "in project task", store.TaskTypeConcrete, func(in *lifecycle.CreateTaskInput) {
			in.ProjectID = &project.ID
		})
	}
	outside := f.create(t, "outside task", store.TaskTypeConcrete)
	if _, err := f.engine.Reserve(ctx, outside.ID, "a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := f.engine.Complete(ctx, lifecycle.CompleteInput{TaskID: outside.ID, AgentID: "a1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := f.queries.Statistics(ctx, query.StatisticsInput{ProjectID: &project.ID})
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	tasks, err := f.queries.Query(ctx, query.QueryInput{ProjectID: &project.ID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if stats.Total != len(tasks) {
		t.Fatalf("statistics total %d != query count %d", stats.Total, len(tasks))
	}
	if stats.CompletionRate != 0 {
		t.Fatalf("no completions in project, rate must be 0, got %f", stats.CompletionRate)
	}

	all, err := f.queries.Statistics(ctx, query.StatisticsInput{})
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if all.ByStatus[string(store.StatusComplete)] != 1 {
		t.Fatalf("expected one complete task, got %+v", all.ByStatus)
	}
	if all.CompletionRate <= 0 {
		t.Fatal("completion rate must be positive")
	}
}

func TestStatisticsEmptyPopulationYieldsZeros(t *testing.T) {
	f := newFixture(t)
	stats, err := f.queries.Statistics(context.Background(), query.StatisticsInput{})
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 0 || stats.CompletionRate != 0 {
		t.Fatalf("expected zeros, got %+v", stats)
	}
}

func TestRecentCompletions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.create(t, "completed first", store.TaskTypeConcrete)
	second := f.create(t, "completed second", store.TaskTypeConcrete)
	for _, task := range []*store.Task{first, second} {
		if _, err := f.engine.Reserve(ctx, task.ID, "a1"); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if _, err := f.engine.Complete(ctx, lifecycle.CompleteInput{TaskID: task.ID, AgentID: "a1"}); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	got, err := f.queries.RecentCompletions(ctx, 10, nil, nil)
	if err != nil {
		t.Fatalf("recent completions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2, got %d", len(got))
	}
	if got[0].ID != second.ID {
		t.Fatalf("newest completion first, got %+v", got)
	}
}

func TestActivityFeedMergesAndOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.create(t, "feed subject", store.TaskTypeConcrete)
	if _, err := f.engine.AddUpdate(ctx, task.ID, "a1", store.UpdateNote, "first note", nil); err != nil {
		t.Fatalf("add update: %v", err)
	}
	if _, err := f.engine.Reserve(ctx, task.ID, "a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	items, err := f.queries.ActivityFeed(ctx, query.FeedInput{TaskID: &task.ID})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("expected feed items")
	}
	kinds := map[string]bool{}
	for i := 1; i < len(items); i++ {
		if items[i].Timestamp.Before(items[i-1].Timestamp) {
			t.Fatalf("feed out of order at %d", i)
		}
	}
	for _, item := range items {
		kinds[item.Kind] = true
	}
	if !kinds["change"] || !kinds["update"] {
		t.Fatalf("feed must merge both sources, got %v", kinds)
	}
}

func TestTaskContextAssembly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.create(t, "root epic", store.TaskTypeEpic)
	mid := f.create(t, "mid abstract", store.TaskTypeAbstract)
	leaf := f.create(t, "leaf concrete", store.TaskTypeConcrete)
	if _, err := f.engine.CreateRelationship(ctx, root.ID, mid.ID, store.RelSubtask, "creator"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := f.engine.CreateRelationship(ctx, mid.ID, leaf.ID, store.RelSubtask, "creator"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := f.engine.AddUpdate(ctx, leaf.ID, "a1", store.UpdateQuestion, "which endpoint?", nil); err != nil {
		t.Fatalf("add update: %v", err)
	}

	taskCtx, err := f.queries.TaskContext(ctx, leaf.ID)
	if err != nil {
		t.Fatalf("task context: %v", err)
	}
	if len(taskCtx.Ancestry) != 2 || taskCtx.Ancestry[0].ID != root.ID || taskCtx.Ancestry[1].ID != mid.ID {
		t.Fatalf("ancestry must be root first, got %+v", taskCtx.Ancestry)
	}
	if len(taskCtx.Updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(taskCtx.Updates))
	}
	if len(taskCtx.RecentChanges) == 0 {
		t.Fatal("expected recent change entries")
	}
	if taskCtx.StaleInfo != nil {
		t.Fatal("fresh task must not carry stale info")
	}
}

func TestStaleListingRespectsConfiguredFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.create(t, "held long", store.TaskTypeConcrete)
	if _, err := f.engine.Reserve(ctx, task.ID, "a1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Requested window shorter than the configured lease: the lease wins,
	// and a fresh reservation is not stale.
	hours := 0.5
	got, err := f.queries.Stale(ctx, &hours, 10)
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("fresh reservation must not be stale, got %+v", got)
	}
}

func TestAgentPerformance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i, verify := range []bool{true, false} {
		task := f.create(t, "perf subject", store.TaskTypeConcrete)
		if _, err := f.engine.Reserve(ctx, task.ID, "perf-agent"); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		hours := 2.0
		if _, err := f.engine.Complete(ctx, lifecycle.CompleteInput{TaskID: task.ID, AgentID: "perf-agent", ActualHours: &hours}); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
		if verify {
			if _, err := f.engine.Verify(ctx, task.ID, "reviewer", ""); err != nil {
				t.Fatalf("verify %d: %v", i, err)
			}
		}
	}

	perf, err := f.queries.Performance(ctx, "perf-agent", nil)
	if err != nil {
		t.Fatalf("performance: %v", err)
	}
	if perf.CompletedTotal != 2 {
		t.Fatalf("expected 2 completions, got %d", perf.CompletedTotal)
	}
	if perf.SuccessRate != 0.5 {
		t.Fatalf("expected success rate 0.5, got %f", perf.SuccessRate)
	}
	if perf.MeanActualHours != 2.0 {
		t.Fatalf("expected mean 2.0, got %f", perf.MeanActualHours)
	}
}

func TestApproachingDeadlineWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	soon := time.Now().UTC().Add(24 * time.Hour)
	far := time.Now().UTC().Add(30 * 24 * time.Hour)
	inWindow := f.create(t, "due soon", store.TaskTypeConcrete, func(in *lifecycle.CreateTaskInput) {
		in.DueDate = &soon
	})
	f.create(t, "due far", store.TaskTypeConcrete, func(in *lifecycle.CreateTaskInput) {
		in.DueDate = &far
	})
	f.create(t, "no deadline", store.TaskTypeConcrete)

	got, err := f.queries.ApproachingDeadline(ctx, 3, 10)
	if err != nil {
		t.Fatalf("approaching deadline: %v", err)
	}
	if len(got) != 1 || got[0].ID != inWindow.ID {
		t.Fatalf("expected only the soon task, got %+v", got)
	}
}

func TestLimitBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.queries.Query(ctx, query.QueryInput{Limit: 1000}); err != nil {
		t.Fatalf("limit 1000 must be accepted: %v", err)
	}
	if _, err := f.queries.Query(ctx, query.QueryInput{Limit: 1001}); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("limit 1001 must be rejected, got %v", err)
	}
}
