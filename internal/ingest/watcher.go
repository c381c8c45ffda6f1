package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ragent/internal/logging"
)

// WatchStats counts watcher activity.
type WatchStats struct {
	Events    int
	Ingested  int
	Removed   int
	Errors    int
	LastPath  string
	LastEvent time.Time
}

// Watcher re-ingests corpus files as they change. Rapid successive writes
// to one file are folded into a single ingest once the file settles.
type Watcher struct {
	mu          sync.Mutex
	fsw         *fsnotify.Watcher
	ing         *Ingester
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stats       WatchStats
}

// DefaultDebounce is the quiet period before a changed file is re-ingested.
const DefaultDebounce = 500 * time.Millisecond

// NewWatcher returns a watcher feeding ing. debounce <= 0 uses DefaultDebounce.
func NewWatcher(ing *Ingester, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		fsw:         fsw,
		ing:         ing,
		debounceMap: make(map[string]time.Time),
		debounceDur: debounce,
	}, nil
}

// Add watches dir and every non-hidden directory below it.
func (w *Watcher) Add(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(p); err != nil {
			return err
		}
		logging.IngestDebug("Watching %s", p)
		return nil
	})
}

// WatchedDirs returns the directories being watched.
func (w *Watcher) WatchedDirs() []string {
	return w.fsw.WatchList()
}

// Run processes events until ctx is cancelled, then releases the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		if err := w.fsw.Close(); err != nil {
			logging.IngestWarn("Closing watcher: %v", err)
		}
	}()

	tick := w.debounceDur / 5
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			logging.IngestWarn("Watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !strings.HasPrefix(filepath.Base(event.Name), ".") {
				if err := w.Add(event.Name); err != nil {
					logging.IngestWarn("Watching new directory %s: %v", event.Name, err)
				}
			}
			return
		}
	}
	if !Supported(event.Name) {
		return
	}

	logging.IngestDebug("Watcher: %s %s", event.Op, event.Name)
	w.mu.Lock()
	w.stats.Events++
	w.stats.LastPath = event.Name
	w.stats.LastEvent = time.Now()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processSettled handles paths whose last event is older than the debounce
// window. A path that no longer exists is removed from the cache.
func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			removed, err := w.ing.Remove(ctx, path)
			w.count(err, func(s *WatchStats) {
				if removed {
					s.Removed++
				}
			})
			continue
		}
		outcome, err := w.ing.IngestFile(ctx, path)
		w.count(err, func(s *WatchStats) {
			if outcome == OutcomeIngested {
				s.Ingested++
			}
		})
		if err == nil {
			logging.Ingest("Re-ingested %s (%s)", path, outcome)
		}
	}
}

func (w *Watcher) count(err error, ok func(*WatchStats)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.stats.Errors++
		logging.IngestWarn("Watcher update failed: %v", err)
		return
	}
	ok(&w.stats)
}

// Stats returns a snapshot of the watcher counters.
func (w *Watcher) Stats() WatchStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
