package state

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// Watcher follows the state file and hands each fresh snapshot to a callback.
// Bursts of writes are coalesced to at most one read per interval.
type Watcher struct {
	store   *Store
	limiter *rate.Limiter
}

// NewWatcher creates a follower for store. interval bounds how often the file is re-read.
func NewWatcher(store *Store, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Watcher{
		store:   store,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Run emits the current snapshot, then one per observed change, until ctx is done.
func (w *Watcher) Run(ctx context.Context, fn func([]RunState)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	// The file is replaced by rename on every write, so watch its directory.
	dir := filepath.Dir(w.store.Path())
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.emit(ctx, fn)

	target := filepath.Clean(w.store.Path())
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
			drain(fsw.Events)
			w.emit(ctx, fn)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.store.log.WithError(err).Warn("state watcher error")
		}
	}
}

func (w *Watcher) emit(ctx context.Context, fn func([]RunState)) {
	states, err := w.store.Snapshot(ctx)
	if err != nil {
		w.store.log.WithError(err).Debug("skipping unreadable state snapshot")
		return
	}
	fn(states)
}

func drain(events <-chan fsnotify.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
