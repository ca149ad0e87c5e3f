package transport

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const artifactPollInterval = 50 * time.Millisecond

// WaitForArtifact blocks until path exists or ctx ends. It watches the parent
// directory with fsnotify and falls back to polling when no watcher can be
// created. A periodic stat also covers events the watcher misses.
func WaitForArtifact(ctx context.Context, path string) error {
	if exists(path) {
		return nil
	}

	ticker := time.NewTicker(artifactPollInterval)
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err == nil {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	// The file may have appeared before the watch was registered.
	if exists(path) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if exists(path) {
					return nil
				}
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if exists(path) {
				return nil
			}
		case <-ticker.C:
			if exists(path) {
				return nil
			}
		}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
