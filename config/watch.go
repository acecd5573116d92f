package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/deepnoodle-ai/weave/slogger"
	"github.com/fsnotify/fsnotify"
)

// debounceWindow collapses editor write bursts into one reload.
const debounceWindow = 500 * time.Millisecond

// Watcher reloads a config file when it changes on disk. Invalid reloads
// are logged and dropped; the previous configuration stays in effect.
type Watcher struct {
	path     string
	logger   slogger.Logger
	onChange func(*Config)
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for path. onChange receives each valid
// reload.
func NewWatcher(path string, logger slogger.Logger, onChange func(*Config)) (*Watcher, error) {
	if logger == nil {
		logger = slogger.DefaultLogger
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Watch the directory: editors often replace the file, which drops a
	// watch held on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		onChange: onChange,
		watcher:  fw,
	}, nil
}

// Start processes events until the context is cancelled or Close is
// called.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		var pending *time.Timer
		defer func() {
			if pending != nil {
				pending.Stop()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(debounceWindow, w.reload)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher error", "error", err)
			}
		}
	}()
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) reload() {
	config, err := ParseFile(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onChange(config)
}
