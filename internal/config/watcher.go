package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes and hands each valid
// result to apply. Editors replace files rather than rewriting them in
// place, so the watch is on the parent directory filtered to the file name.
// Unparseable rewrites are logged and the previous config stays in effect.
//
// Only settings the running server can honor live (currently the device
// poll fallback) take effect; socket and capacity changes need a restart.
func Watch(ctx context.Context, path string, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	name := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		// Editors emit bursts of events per save; the timer coalesces
		// them into one reload.
		var reload *time.Timer
		reloadCh := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if reload == nil {
					reload = time.AfterFunc(200*time.Millisecond, func() {
						select {
						case reloadCh <- struct{}{}:
						default:
						}
					})
				} else {
					reload.Reset(200 * time.Millisecond)
				}
			case <-reloadCh:
				cfg, err := Load(path)
				if err != nil {
					log.Printf("config reload failed, keeping previous settings: %v", err)
					continue
				}
				log.Printf("config reloaded from %s", path)
				apply(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config watcher error: %v", err)
			}
		}
	}()

	return nil
}
