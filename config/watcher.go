package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"gwbridge/util"
)

// Watcher raises a reload flag when a settings section changes on
// disk.  It never touches the settings itself: the control loop polls
// Pending and re-reads them on its own goroutine.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *util.Logger

	fsw     *fsnotify.Watcher
	pending atomic.Bool

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

// NewWatcher watches dir.  debounce coalesces the burst of events an
// atomic rename produces; zero uses 250ms.
func NewWatcher(dir string, debounce time.Duration, logger *util.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("settings watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close() //nolint:errcheck
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Run consumes filesystem events until ctx is cancelled or Close.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			w.logger.Debug("settings change: %s %s", ev.Op, filepath.Base(ev.Name))
			w.arm()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watcher: %v", err)
		}
	}
}

// Take reports and clears a pending reload.
func (w *Watcher) Take() bool { return w.pending.Swap(false) }

// Close stops the watcher.  Safe to call more than once.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	if w.timer != nil {
		w.timer.Stop()
	}
	return w.fsw.Close()
}

func (w *Watcher) arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.pending.Store(true) })
}

// relevant filters out the temp files FileStore renames into place.
func relevant(ev fsnotify.Event) bool {
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || filepath.Ext(base) != ".yaml" {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}
