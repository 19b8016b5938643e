package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval coalesces bursts of write events into one callback.
const debounceInterval = 100 * time.Millisecond

// Watch invokes callback with the current document on subscription and
// after every subsequent change, until ctx is cancelled. The state file
// is replaced by atomic rename, so the watch covers the containing
// directory and filters for the file name. Unreadable reads are skipped;
// the next change event retries.
func (s *Store) Watch(ctx context.Context, callback func(*RuntimeState)) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	s.fire(callback)

	var debounce *time.Timer
	var debounceC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceInterval)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(debounceInterval)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			s.fire(callback)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("state watcher error", "error", err)
		}
	}
}

// fire loads and delivers the current document. A nil document (missing
// or mid-write) is skipped; the watcher is racing the writer and will
// see the rename that completes the write.
func (s *Store) fire(callback func(*RuntimeState)) {
	doc, err := s.Load()
	if err != nil || doc == nil {
		s.logger.Debug("state not readable yet", "path", s.path)
		return
	}
	callback(doc)
}
