package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

// Watch keeps the in-memory view in sync with the cache directory until
// ctx is cancelled. The notifier is not recursive, so every extension
// directory is watched individually; directories that appear later are
// picked up from create events on the root.
//
// Only create and remove/rename events matter. Publishes are
// rename-based, never in-place edits, so write events are ignored.
func (c *Cache) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create cache watcher")
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			slog.Warn("failed to close cache watcher", "error", err)
		}
	}()

	if err := watcher.Add(c.dir); err != nil {
		return errors.Wrap(err, "watch cache dir")
	}
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return errors.Wrap(err, "list cache dir")
	}
	for _, dirEntry := range dirEntries {
		if !dirEntry.IsDir() {
			continue
		}
		if err := watcher.Add(filepath.Join(c.dir, dirEntry.Name())); err != nil {
			slog.Warn("failed to watch extension dir", "extension", dirEntry.Name(), "error", err)
		}
	}

	slog.Debug("cache watcher started", "dir", c.dir)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("cache watcher stopping")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			c.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("cache watcher error", "error", err)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were dropped, so the view may have drifted.
				if err := c.Scan(); err != nil {
					slog.Error("failed to rescan cache", "error", err)
				}
			}
		}
	}
}

func (c *Cache) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	rel, err := filepath.Rel(c.dir, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	parts := strings.Split(rel, string(filepath.Separator))
	switch len(parts) {
	case 1:
		c.handleRootEvent(watcher, event, parts[0])
	case 2:
		c.handlePackageEvent(event, parts[0], parts[1])
	}
}

// handleRootEvent reacts to extension directories coming and going.
func (c *Cache) handleRootEvent(watcher *fsnotify.Watcher, event fsnotify.Event, id string) {
	switch {
	case event.Op.Has(fsnotify.Create):
		st, err := os.Stat(event.Name)
		if err != nil || !st.IsDir() {
			return
		}
		if err := watcher.Add(event.Name); err != nil {
			slog.Warn("failed to watch extension dir", "extension", id, "error", err)
			return
		}
		// Packages published between mkdir and watch registration would
		// go unnoticed, so pick them up now.
		files, err := os.ReadDir(event.Name)
		if err != nil {
			slog.Warn("failed to list extension dir", "extension", id, "error", err)
			return
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			if version, ok := versionFromFilename(file.Name()); ok {
				c.addEntry(id, version)
			}
		}
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		c.dropExtension(id)
	}
}

// handlePackageEvent reacts to package files coming and going inside an
// extension directory.
func (c *Cache) handlePackageEvent(event fsnotify.Event, id, filename string) {
	version, ok := versionFromFilename(filename)
	if !ok {
		return
	}

	switch {
	case event.Op.Has(fsnotify.Create):
		c.addEntry(id, version)
		slog.Debug("package appeared", "extension", id, "version", version)
	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		c.removeEntry(id, version)
		slog.Info("package removed", "extension", id, "version", version)
	}
}
