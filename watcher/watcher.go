// Package watcher triggers a reconciliation when source directories change.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yairfalse/itamrec/telemetry"
)

// Trigger is called once per burst of changes
type Trigger func(ctx context.Context) error

// Watcher watches dataset directories and calls a debounced trigger
type Watcher struct {
	dirs     []string
	watcher  *fsnotify.Watcher
	trigger  Trigger
	debounce time.Duration
	logger   *telemetry.Logger

	mu            sync.Mutex
	debounceTimer *time.Timer
	fired         chan struct{}
}

// New watches dirs, creating them when missing
func New(dirs []string, debounce time.Duration, trigger Trigger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("failed to create source directory %s: %w", dir, err)
		}
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("failed to watch source directory %s: %w", dir, err)
		}
	}

	return &Watcher{
		dirs:     dirs,
		watcher:  fsw,
		trigger:  trigger,
		debounce: debounce,
		logger:   telemetry.NewLogger("watcher"),
		fired:    make(chan struct{}, 1),
	}, nil
}

// Run processes events until ctx is done or the watcher is closed
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info().Strs("dirs", w.dirs).Dur("debounce", w.debounce).Msg("watching source directories")
	defer w.stopTimer()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("source directory changed")
			w.schedule()

		case <-w.fired:
			if err := w.trigger(ctx); err != nil {
				w.logger.Error().Err(err).Msg("reconcile after source change failed")
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("watcher error")
		}
	}
}

// Close stops watching
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// schedule restarts the debounce window. The trigger itself runs on the Run
// goroutine so at most one trigger is active.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(w.debounce, func() {
		select {
		case w.fired <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
}

// relevant reports whether event touches a dataset file
func relevant(event fsnotify.Event) bool {
	if !strings.HasSuffix(filepath.Base(event.Name), ".csv") {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)
}
