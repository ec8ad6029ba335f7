package sweeper_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/deps"
	"github.com/basket/taskhive/internal/lifecycle"
	"github.com/basket/taskhive/internal/store"
	"github.com/basket/taskhive/internal/sweeper"
)

// fakeClock lets tests advance time past the lease without sleeping.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T, clock *fakeClock) (*lifecycle.Engine, *store.Store, *sweeper.Sweeper) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "taskhive.db"), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	e := lifecycle.New(lifecycle.Options{
		Store:    s,
		Resolver: deps.NewResolver(s),
		Bus:      bus.New(),
		Now:      clock.now,
	})
	sw := sweeper.New(sweeper.Config{
		Store:        s,
		Engine:       e,
		StaleTimeout: func() time.Duration { return 24 * time.Hour },
		Now:          clock.now,
	})
	return e, s, sw
}

func createAndReserve(t *testing.T, e *lifecycle.Engine, agent string) *store.Task {
	t.Helper()
	result, err := e.CreateTask(context.Background(), lifecycle.CreateTaskInput{
		Title:                   "sweep subject",
		TaskType:                store.TaskTypeConcrete,
		Instruction:             "hold this for a long time",
		VerificationInstruction: "confirm the hold was released",
		AgentID:                 "creator",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := e.Reserve(context.Background(), result.Task.ID, agent); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	return result.Task
}

// TestStaleRecovery: a reservation ages past the lease, the sweeper
// releases it with a finding update, and the next reserve carries a
// stale warning.
func TestStaleRecovery(t *testing.T) {
	clock := &fakeClock{t: store.Now()}
	e, s, sw := setup(t, clock)
	ctx := context.Background()

	task := createAndReserve(t, e, "a1")
	clock.advance(25 * time.Hour)

	released := sw.Sweep(ctx)
	if released != 1 {
		t.Fatalf("expected 1 release, got %d", released)
	}

	swept, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if swept.Status != store.StatusAvailable || swept.AssignedAgent != nil {
		t.Fatalf("sweep must release the task, got %+v", swept)
	}

	updates, err := s.ListUpdatesForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("list updates: %v", err)
	}
	var finding *store.Update
	for i := range updates {
		if updates[i].Type == store.UpdateFinding {
			finding = &updates[i]
		}
	}
	if finding == nil {
		t.Fatal("sweep must record a finding update")
	}
	if finding.Metadata["auto_unlock"] != true {
		t.Fatalf("finding must mark the auto unlock, got %+v", finding.Metadata)
	}
	if finding.Metadata["previous_agent"] != "a1" {
		t.Fatalf("finding must name the previous agent, got %+v", finding.Metadata)
	}

	reserved, err := e.Reserve(ctx, task.ID, "a2")
	if err != nil {
		t.Fatalf("reserve after sweep: %v", err)
	}
	if reserved.StaleWarning == nil || reserved.StaleWarning.PreviousAgent != "a1" {
		t.Fatalf("expected stale warning naming a1, got %+v", reserved.StaleWarning)
	}
}

func TestFreshReservationsSurviveSweep(t *testing.T) {
	clock := &fakeClock{t: store.Now()}
	e, s, sw := setup(t, clock)
	ctx := context.Background()

	task := createAndReserve(t, e, "a1")
	clock.advance(time.Hour)

	if released := sw.Sweep(ctx); released != 0 {
		t.Fatalf("fresh reservation must survive, released %d", released)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
}

func TestSweepReleasesManyInBatches(t *testing.T) {
	clock := &fakeClock{t: store.Now()}
	e, _, sw := setup(t, clock)
	ctx := context.Background()

	const count = 120 // more than one batch
	for i := 0; i < count; i++ {
		createAndReserve(t, e, "holder")
	}
	clock.advance(48 * time.Hour)

	if released := sw.Sweep(ctx); released != count {
		t.Fatalf("expected %d releases, got %d", count, released)
	}
	if sw.Swept() != count {
		t.Fatalf("swept counter mismatch: %d", sw.Swept())
	}
}
