package mountorch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 100 * time.Millisecond

// WatchState watches the runtime state file for writes from a sibling
// process (another Stratum invocation mounting or unmounting concurrently)
// and invokes onChange, debounced, until ctx is cancelled. Grounded on the
// teacher's internal/server/watcher.go, generalized from "a ref file changed
// under refs/heads" to "the state file changed under RuntimeDir" — §4.9's
// repair scan is otherwise only ever run at the start of the next command,
// so this is the one way a long-lived process (rather than a short-lived CLI
// invocation) learns a sibling process dropped a stale mount.
func (s *RuntimeState) WatchState(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		target := filepath.Base(s.path)

		for {
			select {
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(watchDebounce, func() {
					if ctx.Err() != nil {
						return
					}
					onChange()
				})

			case <-watcher.Errors:
				// Surfacing watcher errors has no caller that would act on
				// them; the next StartupReconcile pass self-heals regardless.
			}
		}
	}()

	return nil
}
