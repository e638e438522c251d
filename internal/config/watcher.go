package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	log "github.com/msgbridge/msgbridge/internal/logging"
)

// Watch reloads the config file on change and swaps the manager snapshot.
// Editors often write via rename, so the parent directory is watched and
// events are debounced before reloading. The returned stop function is
// idempotent.
func Watch(path string, mgr *Manager) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	target := filepath.Clean(path)
	stop := make(chan struct{})

	go func() {
		var pending *time.Timer
		for {
			select {
			case <-stop:
				if pending != nil {
					pending.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, func() {
					reload(path, mgr)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			}
		}
	}()

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(stop)
		watcher.Close()
	}, nil
}

func reload(path string, mgr *Manager) {
	cfg, err := LoadConfig(path)
	if err != nil {
		log.WithError(err).Warnf("config reload failed, keeping previous settings")
		return
	}
	mgr.Replace(cfg)
	log.Infof("config reloaded from %s", path)
}
