package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch reloads the store whenever its file is replaced or written by another
// process, and publishes the keys that differ. It blocks until ctx is done.
// A memory store returns immediately.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: atomic writes replace the file, which drops a
	// watch placed on the file itself.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)
	logrus.Infof("Watching store %s for external edits", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				logrus.WithError(err).Warn("Failed to reload store after external edit")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logrus.WithError(err).Warn("Store watcher error")
		}
	}
}

// Reload re-reads the backing file and publishes every key that changed.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	next, err := readState(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	changed := diff(s.state, next)
	if len(changed) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.state = next
	s.mu.Unlock()

	logrus.WithField("keys", changed).Info("Store reloaded from disk")
	s.publish(changed, next)
	return nil
}
