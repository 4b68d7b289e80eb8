package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"threadcast/pkg/logx"
)

// Watch invokes onChange with each successfully reloaded config after
// the file changes on disk. Events are debounced because editors tend
// to fire several per save; a reload that fails to parse or validate is
// logged and skipped, keeping the last good config in effect.
//
// The directory is watched rather than the file so rename-based saves
// keep working. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}

	base := filepath.Base(path)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", logx.Err(err))
		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload skipped", logx.String("path", path), logx.Err(err))
				continue
			}
			log.Info("config reloaded", logx.String("path", path))
			onChange(cfg)
		}
	}
}
