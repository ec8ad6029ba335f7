package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reload carries the live-applicable subset of a reparsed config file.
type Reload struct {
	StaleTimeout time.Duration
	LogLevel     string
}

// Watcher re-reads config.yaml on change and invokes the callback with the
// reloadable keys. All other keys require a restart and are ignored here.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	onApply func(Reload)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher for homeDir/config.yaml.
func NewWatcher(homeDir string, logger *slog.Logger, onApply func(Reload)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{homeDir: homeDir, logger: logger, onApply: onApply}
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace the file, which drops a watch
	// held on the file itself.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx, fsw)
	return nil
}

// Stop cancels the watch loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer func() { _ = fsw.Close() }()

	target := filepath.Join(w.homeDir, "config.yaml")
	var debounce *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Name != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		case <-fire:
			w.apply()
		}
	}
}

func (w *Watcher) apply() {
	cfg, err := Load(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload skipped", "error", err)
		return
	}
	w.logger.Info("config reloaded",
		"stale_timeout", cfg.StaleTimeout,
		"log_level", cfg.LogLevel,
	)
	if w.onApply != nil {
		w.onApply(Reload{StaleTimeout: cfg.StaleTimeout, LogLevel: cfg.LogLevel})
	}
}
