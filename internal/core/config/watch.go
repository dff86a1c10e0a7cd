package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands
// each reloaded Config to the onReload callback.
type Watcher struct {
	dir      string
	onReload func(*Config)
	log      *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching dir for changes to the config file. onReload
// runs with the freshly loaded config after each successful reload;
// unparseable or invalid edits are logged and skipped, keeping the
// previous config in effect.
func Watch(dir string, logger *slog.Logger, onReload func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	// Watch the directory, not the file, so atomic replace writes
	// (tmp+rename) and file creation are both seen.
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	w := &Watcher{
		dir:      dir,
		onReload: onReload,
		log:      logger,
		watcher:  fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	// Editors fire bursts of events per save; debounce so each save
	// reloads once.
	var pending <-chan time.Time
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != ConfigFileName {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)

		case <-pending:
			pending = nil
			cfg, err := Load(w.dir)
			if err != nil {
				w.log.Warn("config reload failed, keeping previous config", "error", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				w.log.Warn("config reload rejected, keeping previous config", "error", err)
				continue
			}
			w.log.Info("config reloaded", "path", filepath.Join(w.dir, ConfigFileName))
			if w.onReload != nil {
				w.onReload(cfg)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
