package vault

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const rescanDelay = 200 * time.Millisecond

// Watch imports the directory once, then follows fsnotify events until ctx
// is cancelled. New directories are added to the watch list as they appear.
// A rename only reports the old path, so it tombstones that file's page and
// schedules a debounced rescan to pick up the new name.
func (im *Importer) Watch(ctx context.Context) error {
	root := im.files.Root()
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, root); err != nil {
		return err
	}
	if n, err := im.Scan(ctx); err != nil {
		im.logger.Warn("vault: initial scan failed", slog.String("error", err.Error()))
	} else {
		im.logger.Info("vault: watching", slog.String("root", root), slog.Int("imported", n))
	}

	var rescan *time.Timer
	var rescanCh <-chan time.Time
	scheduleRescan := func() {
		if rescan == nil {
			rescan = time.NewTimer(rescanDelay)
			rescanCh = rescan.C
		} else {
			rescan.Reset(rescanDelay)
		}
	}
	defer func() {
		if rescan != nil {
			rescan.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			im.logger.Info("vault: watcher stopped")
			return nil

		case <-rescanCh:
			if _, err := im.Scan(ctx); err != nil {
				im.logger.Warn("vault: rescan failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			im.handle(ctx, w, root, ev, scheduleRescan)

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			im.logger.Error("vault: watcher error", slog.String("error", werr.Error()))
		}
	}
}

func (im *Importer) handle(ctx context.Context, w *fsnotify.Watcher, root string, ev fsnotify.Event, scheduleRescan func()) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := addDirsRecursive(w, ev.Name); err != nil {
				im.logger.Warn("vault: watch new dir failed", slog.String("path", ev.Name), slog.String("error", err.Error()))
			}
			scheduleRescan()
			return
		}
	}
	if !strings.HasSuffix(ev.Name, ".md") {
		return
	}
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		data, err := im.files.Read(rel)
		if err != nil {
			im.logger.Warn("vault: read failed", slog.String("path", rel), slog.String("error", err.Error()))
			return
		}
		if err := im.ImportFile(ctx, rel, data); err != nil {
			im.logger.Warn("vault: import failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
	case ev.Op&fsnotify.Remove != 0:
		if err := im.Remove(ctx, rel); err != nil {
			im.logger.Warn("vault: remove failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
	case ev.Op&fsnotify.Rename != 0:
		if err := im.Remove(ctx, rel); err != nil {
			im.logger.Warn("vault: remove failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
		scheduleRescan()
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
