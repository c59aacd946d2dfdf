package control

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watcherDebounce = 500 * time.Millisecond

// WatchAssets watches the updater's assets directory and restarts a
// running engine when geo files change, so new data takes effect
// without controller involvement. It blocks until the context is
// cancelled.
func (s *Service) WatchAssets(ctx context.Context) error {
	if s.updater == nil || s.updater.AssetsDir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.updater.AssetsDir); err != nil {
		return err
	}

	s.logger.Info("watching assets directory", "dir", s.updater.AssetsDir)

	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("asset file changed", "file", event.Name, "op", event.Op)

			// Debounce: reset timer on each event
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(watcherDebounce, s.reloadCore)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("asset watcher error", "error", err)
		}
	}
}

// reloadCore restarts a running engine with its current config. Errors
// are logged only; the watcher must not take the agent down.
func (s *Service) reloadCore() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.core == nil || !s.core.Running() || s.lastConfig == nil {
		return
	}

	s.logger.Info("assets changed, restarting xray")
	if err := s.core.Restart(s.lastConfig); err != nil {
		s.logger.Error("asset-triggered restart failed", "error", err)
	}
}
