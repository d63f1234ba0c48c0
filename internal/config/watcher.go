package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"qsim/internal/logger"
)

// ConfigWatcher polls the configuration file and reloads it on change
type ConfigWatcher struct {
	configPath    string
	checkInterval time.Duration
	lastModTime   time.Time
	callbacks     []ConfigUpdateCallback
	logger        logger.Logger
	mu            sync.RWMutex
	running       bool
}

// ConfigUpdateCallback receives every successfully reloaded configuration
type ConfigUpdateCallback func(*Config) error

// NewConfigWatcher creates a new configuration watcher. The current
// modification time is the baseline; only later changes are reported.
func NewConfigWatcher(configPath string, checkInterval time.Duration, l logger.Logger) *ConfigWatcher {
	w := &ConfigWatcher{
		configPath:    configPath,
		checkInterval: checkInterval,
		logger:        logger.OrGlobal(l).WithField("component", "config_watcher"),
	}
	if stat, err := os.Stat(configPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w
}

// AddCallback adds a callback for configuration updates
func (w *ConfigWatcher) AddCallback(callback ConfigUpdateCallback) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start watches until ctx is done
func (w *ConfigWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("configuration watcher started", "path", w.configPath)

	ticker := time.NewTicker(w.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			w.logger.Info("configuration watcher stopped")
			return ctx.Err()

		case <-ticker.C:
			if err := w.checkAndReload(); err != nil {
				w.logger.Warn("configuration reload failed", "error", err)
			}
		}
	}
}

// checkAndReload reloads the file when its modification time advanced. An
// invalid file is reported and retried on the next change.
func (w *ConfigWatcher) checkAndReload() error {
	stat, err := os.Stat(w.configPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	modTime := stat.ModTime()
	if !modTime.After(w.lastModTime) {
		return nil
	}
	w.lastModTime = modTime

	newConfig, err := Load(w.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	w.mu.RLock()
	callbacks := make([]ConfigUpdateCallback, len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback(newConfig); err != nil {
			w.logger.Warn("configuration update callback error", "error", err)
		}
	}

	w.logger.Info("configuration reloaded", "path", w.configPath)
	return nil
}

// IsRunning returns whether the watcher is currently running
func (w *ConfigWatcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}
