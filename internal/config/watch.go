package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/lumohealth/agentlink/internal/logger"
)

// Watch monitors the config file and invokes onChange with the freshly
// loaded configuration whenever the file is written. The watcher runs until
// stop is closed. Watching the parent directory rather than the file itself
// survives editors that replace the file via rename.
func Watch(path string, onChange func(*Config), stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed: %v", err)
					continue
				}
				logger.Info("config reloaded from %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error: %v", err)
			case <-stop:
				return
			}
		}
	}()

	return nil
}
