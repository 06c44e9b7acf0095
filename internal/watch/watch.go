// Package watch keeps a grid database current while the grid is still being
// computed. It watches the grid root for new or rewritten runs and triggers
// an evaluation pass once events settle; the pass itself skips unchanged
// runs, so a trigger costs only the changed work.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"sdbgrid/internal/types"
)

// EvaluateFunc runs one evaluation pass over the grid.
type EvaluateFunc func(ctx context.Context) (types.Summary, error)

// GridWatcher watches the grid root and re-evaluates after changes settle.
type GridWatcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	root        string
	evaluate    EvaluateFunc
	logger      *zap.Logger
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats Stats
}

// Stats tracks watcher activity.
type Stats struct {
	Events        int
	Errors        int
	Passes        int
	LastEventPath string
	LastEventTime time.Time
	LastSummary   types.Summary
}

// New creates a watcher over the grid root. Debounce defaults to 2s when
// zero: simulation output arrives in bursts of writes per run.
func New(root string, debounce time.Duration, evaluate EvaluateFunc, logger *zap.Logger) (*GridWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &GridWatcher{
		watcher:     w,
		root:        root,
		evaluate:    evaluate,
		logger:      logger,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (gw *GridWatcher) Start(ctx context.Context) error {
	gw.mu.Lock()
	if gw.running {
		gw.mu.Unlock()
		return nil
	}
	gw.running = true
	gw.mu.Unlock()

	if err := gw.watcher.Add(gw.root); err != nil {
		return err
	}
	// Watch existing run directories too: history files grow in place.
	entries, err := os.ReadDir(gw.root)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
				_ = gw.watcher.Add(filepath.Join(gw.root, entry.Name()))
			}
		}
	}
	gw.logger.Info("watching grid root", zap.String("root", gw.root))

	go gw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (gw *GridWatcher) Stop() {
	gw.mu.Lock()
	if !gw.running {
		gw.mu.Unlock()
		return
	}
	gw.running = false
	gw.mu.Unlock()

	close(gw.stopCh)
	<-gw.doneCh
	if err := gw.watcher.Close(); err != nil {
		gw.logger.Warn("error closing watcher", zap.Error(err))
	}
}

// IsWatching reports whether the event loop is running.
func (gw *GridWatcher) IsWatching() bool {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.running
}

// GetStats returns a snapshot of watcher activity.
func (gw *GridWatcher) GetStats() Stats {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.stats
}

func (gw *GridWatcher) run(ctx context.Context) {
	defer close(gw.doneCh)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gw.stopCh:
			return
		case event, ok := <-gw.watcher.Events:
			if !ok {
				return
			}
			gw.handleEvent(event)
		case err, ok := <-gw.watcher.Errors:
			if !ok {
				return
			}
			gw.logger.Warn("watch error", zap.Error(err))
			gw.mu.Lock()
			gw.stats.Errors++
			gw.mu.Unlock()
		case <-ticker.C:
			if gw.settled() {
				gw.runPass(ctx)
			}
		}
	}
}

func (gw *GridWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return
	}

	// New run directories need their own watch; history files inside them
	// would otherwise go unseen.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = gw.watcher.Add(event.Name)
		}
	}

	gw.mu.Lock()
	gw.stats.Events++
	gw.stats.LastEventPath = event.Name
	gw.stats.LastEventTime = time.Now()
	gw.debounceMap[event.Name] = time.Now()
	gw.mu.Unlock()
}

// settled reports whether pending events are past the debounce window, and
// clears them if so. No pending events means nothing to do.
func (gw *GridWatcher) settled() bool {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	if len(gw.debounceMap) == 0 {
		return false
	}
	now := time.Now()
	for _, eventTime := range gw.debounceMap {
		if now.Sub(eventTime) < gw.debounceDur {
			return false
		}
	}
	gw.debounceMap = make(map[string]time.Time)
	return true
}

func (gw *GridWatcher) runPass(ctx context.Context) {
	summary, err := gw.evaluate(ctx)
	gw.mu.Lock()
	gw.stats.Passes++
	gw.stats.LastSummary = summary
	gw.mu.Unlock()
	if err != nil {
		gw.logger.Error("evaluation pass failed", zap.Error(err))
		return
	}
	gw.logger.Info("evaluation pass complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
}
