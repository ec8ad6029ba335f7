// Package sweeper runs the background scan that releases reservations
// held past the lease timeout. It uses the same unlock path as a manual
// release and never holds the writer across its whole work set.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskhive/internal/lifecycle"
	"github.com/basket/taskhive/internal/store"
)

// batchSize bounds how many expired reservations one tick releases before
// yielding the writer.
const batchSize = 50

// Config holds the sweeper dependencies.
type Config struct {
	Store  *store.Store
	Engine *lifecycle.Engine
	Logger *slog.Logger

	// StaleTimeout returns the current lease duration; evaluated each
	// tick so config hot-reload takes effect live.
	StaleTimeout func() time.Duration
	// Interval between scans; defaults to a quarter of the lease.
	Interval time.Duration
	// Now is injectable for clock tests.
	Now func() time.Time
}

// Sweeper periodically auto-unlocks expired reservations, recording a
// finding update on each and emitting task.unlocked_stale.
type Sweeper struct {
	store        *store.Store
	engine       *lifecycle.Engine
	logger       *slog.Logger
	staleTimeout func() time.Duration
	interval     time.Duration
	now          func() time.Time

	actorID string
	swept   atomic.Int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sweeper with the given config.
func New(cfg Config) *Sweeper {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleTimeout := cfg.StaleTimeout
	if staleTimeout == nil {
		staleTimeout = func() time.Duration { return 24 * time.Hour }
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = staleTimeout() / 4
	}
	now := cfg.Now
	if now == nil {
		now = store.Now
	}
	return &Sweeper{
		store:        cfg.Store,
		engine:       cfg.Engine,
		logger:       logger,
		staleTimeout: staleTimeout,
		interval:     interval,
		now:          now,
		actorID:      "sweeper-" + uuid.NewString()[:8],
	}
}

// ActorID is the synthetic agent id the sweeper signs its unlocks with.
func (s *Sweeper) ActorID() string { return s.actorID }

// Swept returns the total number of auto-unlocks performed.
func (s *Sweeper) Swept() int64 { return s.swept.Load() }

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("stale sweeper started", "interval", s.interval, "actor", s.actorID)
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("stale sweeper stopped", "swept", s.swept.Load())
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one scan. Each expired reservation is unlocked in its
// own transaction; a failure on one task never aborts the run. Returns
// how many tasks were released.
func (s *Sweeper) Sweep(ctx context.Context) int {
	timeout := s.staleTimeout()
	now := s.now()
	cutoff := now.Add(-timeout)
	status := store.StatusInProgress

	released := 0
	for {
		expired, err := s.store.QueryTasks(ctx, store.Filter{
			Status:         &status,
			AssignedBefore: &cutoff,
			OrderBy:        "created_at_asc",
			Limit:          batchSize,
		})
		if err != nil {
			s.logger.Error("stale scan failed", "error", err)
			return released
		}
		if len(expired) == 0 {
			return released
		}

		progressed := false
		for _, t := range expired {
			if ctx.Err() != nil {
				return released
			}
			if t.AssignedAt == nil {
				continue // invariant says impossible for in_progress; skip defers to the store
			}
			heldFor := now.Sub(*t.AssignedAt)
			if _, err := s.engine.UnlockStale(ctx, t.ID, s.actorID, heldFor); err != nil {
				s.logger.Warn("auto-unlock failed",
					"task_id", t.ID, "error", err)
				continue
			}
			s.logger.Info("auto-unlocked stale task",
				"task_id", t.ID,
				"previous_agent", deref(t.AssignedAgent),
				"held_for", heldFor.Round(time.Second),
			)
			s.swept.Add(1)
			released++
			progressed = true
		}
		if !progressed {
			// Every candidate failed; bail rather than spin on them.
			return released
		}
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
