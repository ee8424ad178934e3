package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// ApplyLogLevels pushes the configured levels onto the go-log subsystems.
// The global level applies first, subsystem overrides after.
func ApplyLogLevels(lc Logging) {
	if lc.Level != "" {
		if err := logging.SetLogLevel("*", lc.Level); err != nil {
			log.Warnf("set global log level %q: %v", lc.Level, err)
		}
	}
	for name, lvl := range lc.Subsystems {
		if err := logging.SetLogLevel(name, lvl); err != nil {
			log.Warnf("set log level %s=%q: %v", name, lvl, err)
		}
	}
}

// Watcher hot-reloads log levels when the config file changes on disk.
// Only the logging section is applied live; everything else requires a
// restart.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	closed  chan struct{}
}

// Watch starts watching path. Editors replace files rather than write them
// in place, so the parent directory is watched and events filtered by name.
func Watch(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	w := &Watcher{watcher: fw, path: path, closed: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.closed)
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Warnf("config reload skipped: %v", err)
				continue
			}
			ApplyLogLevels(cfg.Logging)
			log.Infof("log levels reloaded from %s", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}
