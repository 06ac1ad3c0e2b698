package proxy

import (
	"log"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/arrowctl/modelgate/proxy/config"
)

// modelNeedsRestart returns true if the model config changed in a way that requires restart
func modelNeedsRestart(old, new config.ModelConfig) bool {
	// These fields require restart if changed
	if old.Cmd != new.Cmd {
		return true
	}
	if old.CmdStop != new.CmdStop {
		return true
	}
	if old.Proxy != new.Proxy {
		return true
	}
	if old.CheckEndpoint != new.CheckEndpoint {
		return true
	}
	if !slices.Equal(old.Env, new.Env) {
		return true
	}
	if old.ConcurrencyLimit != new.ConcurrencyLimit {
		return true
	}
	return false
}

// shouldRestartModel returns true if the model should be restarted based on config changes and restart settings
func shouldRestartModel(old, new config.ModelConfig, globalRestart bool) bool {
	if !modelNeedsRestart(old, new) {
		return false
	}

	// Per-model setting overrides global
	if new.ForceRestart != nil {
		return *new.ForceRestart
	}

	return globalRestart
}

// configWatcher monitors a configuration file for changes and triggers
// a debounced reload callback when modifications are detected.
type configWatcher struct {
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	debouncer *debouncer
	stopChan  chan struct{}
	stopped   bool
}

// newConfigWatcher creates a file watcher that monitors path for changes.
// When changes are detected, onReload is called after debounceDelay has elapsed
// with no additional changes. The containing directory is watched rather than
// path itself, since editors doing atomic saves (write temp file, rename over
// destination) and k8s configmap mounts (symlink swap of a "..data" directory)
// both replace the watched inode, which a direct file watch would silently
// stop following.
func newConfigWatcher(path string, debounceDelay time.Duration, onReload func(path string)) (*configWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	configDir := filepath.Dir(absPath)
	if err := watcher.Add(configDir); err != nil {
		watcher.Close()
		return nil, err
	}

	cw := &configWatcher{
		watcher:  watcher,
		stopChan: make(chan struct{}),
	}

	cw.debouncer = newDebouncer(debounceDelay, func() {
		onReload(path)
	})

	dataSymlink := filepath.Join(configDir, "..data")

	go cw.watchLoop(absPath, dataSymlink)

	return cw, nil
}

// watchLoop continuously monitors for file system events until stop() is called.
func (cw *configWatcher) watchLoop(absPath, dataSymlink string) {
	for {
		select {
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			isWatchedFile := event.Name == absPath && event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
			isConfigMapSwap := event.Name == dataSymlink && event.Op&fsnotify.Create != 0
			if isWatchedFile || isConfigMapSwap {
				cw.debouncer.trigger()
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Config watcher error: %v", err)
		}
	}
}

// stop terminates the file watcher and cancels any pending reload.
func (cw *configWatcher) stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.stopped {
		return
	}
	cw.stopped = true
	close(cw.stopChan)
	cw.debouncer.stop()
	cw.watcher.Close()
}

// ConfigWatcher is the exported handle returned by WatchConfigFile.
type ConfigWatcher struct {
	inner *configWatcher
}

// WatchConfigFile watches path for changes, calling onReload after
// debounceDelay has elapsed with no further changes. Call Stop to release
// the underlying fsnotify watcher.
func WatchConfigFile(path string, debounceDelay time.Duration, onReload func(path string)) (*ConfigWatcher, error) {
	inner, err := newConfigWatcher(path, debounceDelay, onReload)
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{inner: inner}, nil
}

// Stop terminates the watcher and cancels any pending debounced reload.
func (w *ConfigWatcher) Stop() {
	w.inner.stop()
}
