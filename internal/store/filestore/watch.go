package filestore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch blocks until ctx ends, invoking onChange whenever the queue
// file is written or recreated. Writes made through this Store also
// trigger onChange; callers that poll on wake-up tolerate the extra
// nudges.
func (s *Store) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: atomic renames replace the
	// inode and would detach a file-level watch.
	if err := watcher.Add(s.dataDir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dataDir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != QueueFileName {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.logger.Debug().Str("op", event.Op.String()).Str("file", event.Name).
					Msg("queue file changed")
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("fsnotify error")
		}
	}
}
