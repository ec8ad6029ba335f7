// Command taskhive runs the task-coordination daemon: a SQLite-backed
// lifecycle engine for agent fleets, served to agents over MCP stdio.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskhive/internal/bus"
	"github.com/basket/taskhive/internal/config"
	"github.com/basket/taskhive/internal/deps"
	"github.com/basket/taskhive/internal/dispatch"
	"github.com/basket/taskhive/internal/events"
	"github.com/basket/taskhive/internal/lifecycle"
	"github.com/basket/taskhive/internal/mcp"
	"github.com/basket/taskhive/internal/obs"
	"github.com/basket/taskhive/internal/query"
	"github.com/basket/taskhive/internal/store"
	"github.com/basket/taskhive/internal/sweeper"
	"github.com/basket/taskhive/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "taskhive:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		homeDir     = flag.String("home", config.DefaultHomeDir(), "data directory")
		showVersion = flag.Bool("version", false, "print version and exit")
		quiet       = flag.Bool("quiet", false, "log to file only")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("taskhive", Version)
		return nil
	}

	cfg, err := config.Load(*homeDir)
	if err != nil {
		return err
	}

	// MCP runs over stdio; when stdout is not a terminal it belongs to
	// the protocol and logs must stay out of it.
	logQuiet := *quiet || !isatty.IsTerminal(os.Stdout.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, logQuiet)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := obs.Init(ctx, cfg.OTel)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	}()
	metrics, err := obs.NewMetrics(provider.Meter)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath, store.Options{
		Logger:             logger,
		RetryBudget:        cfg.WriteRetryBudget,
		SlowQueryThreshold: cfg.SlowQueryThreshold,
	})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	eventBus := bus.New()
	resolver := deps.NewResolver(st)
	engine := lifecycle.New(lifecycle.Options{
		Store:    st,
		Resolver: resolver,
		Bus:      eventBus,
		Logger:   logger,
	})

	// stale_timeout is hot-reloadable; everything else needs a restart.
	var staleTimeout atomic.Int64
	staleTimeout.Store(int64(cfg.StaleTimeout))
	staleTimeoutFn := func() time.Duration { return time.Duration(staleTimeout.Load()) }

	queries := query.New(query.Options{
		Store:        st,
		Resolver:     resolver,
		Logger:       logger,
		StaleTimeout: staleTimeoutFn,
	})

	watcher := config.NewWatcher(cfg.HomeDir, logger, func(r config.Reload) {
		staleTimeout.Store(int64(r.StaleTimeout))
	})
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}

	publisher := events.New(eventBus, cfg.Webhooks, logger, metrics)
	publisher.Start(ctx)
	defer publisher.Stop()

	sw := sweeper.New(sweeper.Config{
		Store:        st,
		Engine:       engine,
		Logger:       logger,
		StaleTimeout: staleTimeoutFn,
		Interval:     cfg.SweepInterval,
	})
	sw.Start(ctx)
	defer sw.Stop()

	dispatcher, err := dispatch.New(dispatch.Options{
		Engine:  engine,
		Queries: queries,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	server, err := mcp.NewServer(dispatcher, Version, logger)
	if err != nil {
		return err
	}

	logger.Info("taskhive started",
		"version", Version,
		"db", cfg.DBPath,
		"stale_timeout", cfg.StaleTimeout,
		"sweep_interval", cfg.SweepInterval,
		"tools", len(dispatcher.ToolNames()),
	)
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
