package ice

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounceInterval = 150 * time.Millisecond

// Watch monitors root for changes to files with the given extension and
// rebuilds them as edits settle. Deletions are removed from the database.
// Runs until ctx is cancelled. Events are debounced so one editor save
// (often several filesystem events) triggers one rebuild.
func (e *Engine) Watch(ctx context.Context, root, ext string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ice: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursiveWatch(watcher, root); err != nil {
		return err
	}

	e.log.Info("watch mode active", "root", root, "ext", ext, "debounce", watchDebounceInterval.String())

	var debounceTimer *time.Timer
	changed := map[string]struct{}{}
	removed := map[string]struct{}{}

	for {
		var debounceC <-chan time.Time
		if debounceTimer != nil {
			debounceC = debounceTimer.C
		}

		select {
		case <-ctx.Done():
			e.log.Info("stopping watch mode", "reason", ctx.Err())
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					addRecursiveWatch(watcher, event.Name)
					continue
				}
			}
			if !strings.HasSuffix(event.Name, ext) {
				continue
			}
			if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
				removed[event.Name] = struct{}{}
				delete(changed, event.Name)
			} else if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) {
				changed[event.Name] = struct{}{}
				delete(removed, event.Name)
			} else {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(watchDebounceInterval)
			} else {
				debounceTimer.Reset(watchDebounceInterval)
			}

		case err, ok := <-watcher.Errors:
			if !ok || err == nil {
				continue
			}
			e.log.Warn("watcher error", "error", err)

		case <-debounceC:
			debounceTimer = nil
			for path := range removed {
				if err := e.RemoveFile(path); err != nil {
					e.log.Warn("remove failed", "path", path, "error", err)
				}
			}
			for path := range changed {
				if _, err := e.RebuildPath(path); err != nil {
					e.log.Warn("rebuild failed", "path", path, "error", err)
				}
			}
			changed = map[string]struct{}{}
			removed = map[string]struct{}{}
		}
	}
}

func addRecursiveWatch(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			if err := watcher.Add(path); err != nil {
				return fmt.Errorf("ice: watch %s: %w", path, err)
			}
		}
		return nil
	})
}
