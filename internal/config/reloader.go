package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/hsm-signing-gateway/internal/hsm"
)

// ReloadCallback is invoked with the previous and the newly loaded config.
// Returning an error keeps the previous config active.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration file on change or on SIGHUP.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	signals chan os.Signal

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback

	debounce time.Duration
	stopOnce sync.Once
	stop     chan struct{}
}

// NewConfigReloader creates a reloader for path. An empty path disables file
// watching; SIGHUP still triggers a reload attempt.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:     path,
		logger:   logger,
		current:  cloneConfig(cfg),
		signals:  make(chan os.Signal, 1),
		debounce: 50 * time.Millisecond,
		stop:     make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so atomic replace-by-rename is seen too
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback sets the function called after a successful reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneConfig(r.current)
}

// Start processes file events and signals until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-r.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Editors emit bursts of events; reload once they settle
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			r.reload("file change")
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Config watcher error")
		case <-r.signals:
			r.reload("SIGHUP")
		}
	}
}

// Stop stops watching. It is safe to call more than once.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.stop)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload(trigger string) {
	logger := r.logger.WithField("trigger", trigger)
	if r.path == "" {
		logger.Warn("Config reload requested but no config file is configured")
		return
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		logger.WithError(err).Error("Config reload failed, keeping current configuration")
		return
	}

	r.mu.RLock()
	old := r.current
	cb := r.onReload
	r.mu.RUnlock()

	if err := r.validateReloadSafety(old, next); err != nil {
		logger.WithError(err).Error("Config reload rejected")
		return
	}
	if cb != nil {
		if err := cb(cloneConfig(old), cloneConfig(next)); err != nil {
			logger.WithError(err).Error("Config reload callback failed, keeping current configuration")
			return
		}
	}

	r.mu.Lock()
	r.current = next
	r.mu.Unlock()
	logger.WithField("providers", len(next.Providers)).Info("Configuration reloaded")
}

// validateReloadSafety rejects changes to settings that are wired once at
// startup and cannot be swapped in a running process.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.ListenAddr != "" && new.ListenAddr != old.ListenAddr {
		return fmt.Errorf("listen_addr cannot be changed during hot reload")
	}
	if new.Tracing.Enabled != old.Tracing.Enabled {
		return fmt.Errorf("tracing.enabled cannot be changed during hot reload")
	}
	if new.Tracing.Exporter != old.Tracing.Exporter {
		return fmt.Errorf("tracing.exporter cannot be changed during hot reload")
	}
	if new.Audit.Enabled != old.Audit.Enabled {
		return fmt.Errorf("audit.enabled cannot be changed during hot reload")
	}
	return nil
}

func cloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Providers = append([]hsm.ProviderConfig(nil), c.Providers...)
	out.Logging.RedactHeaders = append([]string(nil), c.Logging.RedactHeaders...)
	return &out
}
