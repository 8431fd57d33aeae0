package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives a freshly parsed and validated config.
type ReloadFunc func(*Config) error

// Watch reloads path whenever it is written, created or renamed into place and
// hands the result to onReload. It blocks until ctx is done. Parse errors are
// logged and the previous config stays in effect.
func Watch(ctx context.Context, path string, debounce time.Duration, log *zap.SugaredLogger, onReload ReloadFunc) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory; atomic saves replace the file inode.
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			log.Debugw("config change detected", "file", ev.Name, "op", ev.Op.String())
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warnw("config watcher error", "error", err)
		case <-timer.C:
			cfg, err := FromFile(path)
			if err != nil {
				log.Warnw("config reload failed; keeping previous config", "file", path, "error", err)
				continue
			}
			if err := onReload(cfg); err != nil {
				log.Warnw("config reload rejected", "file", path, "error", err)
				continue
			}
			log.Debugw("config applied", "file", path)
		}
	}
}
