package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches the config file and reloads on changes.
// It supports fsnotify file watching (cross-platform) and SIGHUP
// (Unix only, registered in reload_unix.go).
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration (thread-safe).
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback that is invoked with the new config
// after a successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file for changes and listening for
// SIGHUP (on Unix). Must be called once after NewReloader.
func (r *Reloader) Start() {
	// Start fsnotify file watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}
	r.watcher = watcher

	if err := watcher.Add(r.path); err != nil {
		r.logger.Error("failed to watch config file", "path", r.path, "error", err)
		watcher.Close()
		r.watcher = nil
		return
	}

	r.logger.Info("config file watcher started", "path", r.path)

	go r.watchLoop()

	// SIGHUP triggers a reload on Unix; no-op on Windows.
	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler.
func (r *Reloader) Stop() {
	close(r.stopCh)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// Reload loads the config from disk, validates it, and if valid swaps it
// in and notifies all registered callbacks. Returns true if the reload
// succeeded. Exported so signal handlers and tests can call it.
func (r *Reloader) Reload() bool {
	r.logger.Info("reloading configuration", "path", r.path)

	newCfg, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed: invalid config, keeping current",
			"path", r.path, "error", err)
		return false
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logChanges(old, newCfg)

	for _, cb := range callbacks {
		cb(newCfg)
	}

	r.logger.Info("configuration reloaded successfully")
	return true
}

// watchLoop processes fsnotify events with debouncing.
func (r *Reloader) watchLoop() {
	// Editors often emit several write events on save; debounce them.
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					r.Reload()
				})
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// logChanges logs a summary of what changed between the old and new config.
// Boundary settings (logging, client limiter, admin allowlist) take effect
// through the reload callbacks; the engine section is construction-time only
// and a change there needs a restart.
func (r *Reloader) logChanges(old, new *Config) {
	if old.ClientRateLimit.RequestsPerSecond != new.ClientRateLimit.RequestsPerSecond ||
		old.ClientRateLimit.BurstSize != new.ClientRateLimit.BurstSize {
		r.logger.Info("client rate limit changed",
			"old_rps", old.ClientRateLimit.RequestsPerSecond,
			"new_rps", new.ClientRateLimit.RequestsPerSecond,
			"old_burst", old.ClientRateLimit.BurstSize,
			"new_burst", new.ClientRateLimit.BurstSize,
		)
	}

	if old.Logging.Level != new.Logging.Level {
		r.logger.Info("log level changed",
			"old", old.Logging.Level,
			"new", new.Logging.Level,
		)
	}

	if old.Admin.Enabled != new.Admin.Enabled || len(old.Admin.IPAllowlist) != len(new.Admin.IPAllowlist) {
		r.logger.Info("admin access changed",
			"old_enabled", old.Admin.Enabled,
			"new_enabled", new.Admin.Enabled,
		)
	}

	if EngineChanged(old.Engine, new.Engine) {
		r.logger.Warn("engine configuration changed; providers, breakers, retry and " +
			"admission window are fixed at startup, restart to apply")
	}
}

// EngineChanged reports whether the engine section differs between two
// configs. The engine is built once at startup, so a difference here only
// produces the restart-required warning.
func EngineChanged(old, new EngineConfig) bool {
	if old.RateLimit != new.RateLimit || old.Retry != new.Retry {
		return true
	}
	if len(old.Providers) != len(new.Providers) {
		return true
	}
	for i := range old.Providers {
		if old.Providers[i] != new.Providers[i] {
			return true
		}
	}
	return false
}
