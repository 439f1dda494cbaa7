package config

import (
	"fmt"
	"sync"

	"github.com/mediahunt/mediahunt/internal/slogutil"
)

// ChangeCallback is invoked after a successful configuration update.
type ChangeCallback func(oldConfig, newConfig *Config)

// Manager holds the live configuration and notifies subscribers on change.
type Manager struct {
	mu         sync.RWMutex
	current    *Config
	configFile string
	callbacks  []ChangeCallback
}

// NewManager wraps an already validated configuration.
func NewManager(config *Config, configFile string) *Manager {
	return &Manager{current: config, configFile: configFile}
}

// GetConfig returns the current configuration.
func (m *Manager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnConfigChange registers a callback fired after every update.
func (m *Manager) OnConfigChange(callback ChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

// UpdateConfig validates and installs a new configuration, then notifies
// subscribers outside the lock.
func (m *Manager) UpdateConfig(config *Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	m.mu.Lock()
	oldConfig := m.current
	m.current = config
	callbacks := make([]ChangeCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for _, callback := range callbacks {
		callback(oldConfig, config)
	}
	return nil
}

// ReloadConfig re-reads the configuration file and installs the result.
func (m *Manager) ReloadConfig() error {
	config, err := LoadConfig(m.configFile)
	if err != nil {
		return err
	}
	return m.UpdateConfig(config)
}

// SaveConfig persists the current configuration to its file.
func (m *Manager) SaveConfig() error {
	m.mu.RLock()
	config := m.current
	m.mu.RUnlock()

	if config == nil {
		return fmt.Errorf("no configuration to save")
	}
	return SaveToFile(config, m.configFile)
}

// ServersEqual reports whether two configs carry the same NNTP servers.
// The engine child is only restarted when this is false.
func ServersEqual(a, b *Config) bool {
	if len(a.Servers) != len(b.Servers) {
		return false
	}
	for i := range a.Servers {
		if a.Servers[i] != b.Servers[i] {
			return false
		}
	}
	return true
}

// ApplyLogging reinstalls the process logger from the log section.
func ApplyLogging(config *Config, component string) {
	slogutil.Setup(slogutil.Options{
		File:       config.Log.File,
		Level:      config.Log.Level,
		MaxSizeMB:  config.Log.MaxSize,
		MaxAgeDays: config.Log.MaxAge,
		MaxBackups: config.Log.MaxBackups,
		Component:  component,
	})
}
