// Package hotreload watches the configuration file and re-applies the
// mutable subset of settings when it changes on disk.
package hotreload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"auditcore/internal/config"
)

// Stats counts reload activity for the ops surface.
type Stats struct {
	TotalReloads      int64     `json:"total_reloads"`
	SuccessfulReloads int64     `json:"successful_reloads"`
	FailedReloads     int64     `json:"failed_reloads"`
	LastReloadTime    time.Time `json:"last_reload_time"`
	LastSuccessTime   time.Time `json:"last_success_time"`
	LastError         string    `json:"last_error,omitempty"`
	ConfigVersion     string    `json:"config_version"`
	IsWatching        bool      `json:"is_watching"`
}

// ConfigReloader watches one config file. Editors that replace the file
// (rename-over-write) are covered by also watching the directory, and a
// periodic content-hash check catches anything fsnotify misses.
type ConfigReloader struct {
	config     config.ReloadConfig
	logger     *logrus.Logger
	configFile string

	watcher *fsnotify.Watcher

	onChanged func(old, new *config.Config) error
	onError   func(error)

	current atomic.Value // *config.Config

	mutex       sync.Mutex
	currentHash string
	stats       Stats
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewConfigReloader creates a reloader for the given file. The initial
// configuration is loaded eagerly so GetCurrentConfig works before Start.
func NewConfigReloader(reloadConfig config.ReloadConfig, configFile string, logger *logrus.Logger) (*ConfigReloader, error) {
	absPath, err := filepath.Abs(configFile)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cr := &ConfigReloader{
		config:     reloadConfig,
		logger:     logger,
		configFile: absPath,
		stopCh:     make(chan struct{}),
	}

	initial, err := config.LoadConfig(absPath)
	if err != nil {
		return nil, err
	}
	cr.current.Store(initial)
	if hash, err := cr.fileHash(); err == nil {
		cr.currentHash = hash
		cr.stats.ConfigVersion = hash
	}
	return cr, nil
}

// OnChanged registers the apply callback. It receives the previous and
// the freshly validated configuration; returning an error keeps the
// previous configuration current.
func (cr *ConfigReloader) OnChanged(fn func(old, new *config.Config) error) {
	cr.onChanged = fn
}

// OnError registers the reload-failure callback.
func (cr *ConfigReloader) OnError(fn func(error)) {
	cr.onError = fn
}

// Start begins watching. A disabled reloader starts nothing.
func (cr *ConfigReloader) Start() error {
	if !cr.config.Enabled {
		cr.logger.Info("Config reloader disabled")
		return nil
	}

	cr.mutex.Lock()
	defer cr.mutex.Unlock()
	if cr.running {
		return fmt.Errorf("config reloader already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(cr.configFile)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}
	cr.watcher = watcher
	cr.running = true
	cr.stats.IsWatching = true

	cr.wg.Add(2)
	go cr.watchFileChanges()
	go cr.periodicCheck()

	cr.logger.WithFields(logrus.Fields{
		"config_file":    cr.configFile,
		"watch_interval": cr.config.WatchInterval,
	}).Info("Config reloader started")
	return nil
}

// Stop terminates the watcher goroutines.
func (cr *ConfigReloader) Stop() error {
	cr.mutex.Lock()
	if !cr.running {
		cr.mutex.Unlock()
		return nil
	}
	cr.running = false
	cr.stats.IsWatching = false
	watcher := cr.watcher
	cr.mutex.Unlock()

	close(cr.stopCh)
	if watcher != nil {
		watcher.Close()
	}
	cr.wg.Wait()
	cr.logger.Info("Config reloader stopped")
	return nil
}

func (cr *ConfigReloader) watchFileChanges() {
	defer cr.wg.Done()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := false

	for {
		select {
		case <-cr.stopCh:
			return

		case event, ok := <-cr.watcher.Events:
			if !ok {
				return
			}
			if !cr.relevantEvent(event) {
				continue
			}
			cr.logger.WithFields(logrus.Fields{
				"file":      event.Name,
				"operation": event.Op.String(),
			}).Debug("Config file change detected")
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(cr.config.DebounceInterval)
			pending = true

		case err, ok := <-cr.watcher.Errors:
			if !ok {
				return
			}
			cr.logger.WithError(err).Error("File watcher error")

		case <-debounce.C:
			if pending {
				pending = false
				if err := cr.Reload(); err != nil {
					cr.logger.WithError(err).Error("Config reload failed")
				}
			}
		}
	}
}

// periodicCheck compares the file hash on a timer, covering editors and
// mounts whose writes produce no watchable event.
func (cr *ConfigReloader) periodicCheck() {
	defer cr.wg.Done()

	ticker := time.NewTicker(cr.config.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cr.stopCh:
			return
		case <-ticker.C:
			hash, err := cr.fileHash()
			if err != nil {
				continue
			}
			cr.mutex.Lock()
			changed := hash != cr.currentHash
			cr.mutex.Unlock()
			if changed {
				if err := cr.Reload(); err != nil {
					cr.logger.WithError(err).Error("Periodic config reload failed")
				}
			}
		}
	}
}

func (cr *ConfigReloader) relevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	absPath, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return absPath == cr.configFile
}

// Reload re-parses the file and applies it via the OnChanged callback.
// A parse, validation, or apply failure leaves the previous config
// current.
func (cr *ConfigReloader) Reload() error {
	start := time.Now()
	cr.mutex.Lock()
	cr.stats.TotalReloads++
	cr.stats.LastReloadTime = start
	cr.mutex.Unlock()

	newConfig, err := config.LoadConfig(cr.configFile)
	if err != nil {
		cr.recordFailure(err)
		return err
	}

	old := cr.GetCurrentConfig()
	if cr.onChanged != nil {
		if err := cr.onChanged(old, newConfig); err != nil {
			applyErr := fmt.Errorf("apply config changes: %w", err)
			cr.recordFailure(applyErr)
			return applyErr
		}
	}

	cr.current.Store(newConfig)
	hash, _ := cr.fileHash()

	cr.mutex.Lock()
	cr.currentHash = hash
	cr.stats.SuccessfulReloads++
	cr.stats.LastSuccessTime = time.Now()
	cr.stats.ConfigVersion = hash
	cr.stats.LastError = ""
	cr.mutex.Unlock()

	cr.logger.WithFields(logrus.Fields{
		"reload_time":    time.Since(start),
		"config_version": shortHash(hash),
	}).Info("Config reload completed")
	return nil
}

func (cr *ConfigReloader) recordFailure(err error) {
	cr.mutex.Lock()
	cr.stats.FailedReloads++
	cr.stats.LastError = err.Error()
	cr.mutex.Unlock()
	if cr.onError != nil {
		cr.onError(err)
	}
}

func (cr *ConfigReloader) fileHash() (string, error) {
	file, err := os.Open(cr.configFile)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

// GetCurrentConfig returns the most recently applied configuration.
func (cr *ConfigReloader) GetCurrentConfig() *config.Config {
	if cfg := cr.current.Load(); cfg != nil {
		return cfg.(*config.Config)
	}
	return nil
}

// GetStats returns a copy of the reload counters.
func (cr *ConfigReloader) GetStats() Stats {
	cr.mutex.Lock()
	defer cr.mutex.Unlock()
	return cr.stats
}
