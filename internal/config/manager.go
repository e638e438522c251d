package config

import "sync/atomic"

// Manager holds the live configuration snapshot. Readers call Current and get
// an immutable pointer; the watcher swaps the pointer on reload so components
// pick up fallback/polling/webhook changes without restarts.
type Manager struct {
	current atomic.Pointer[Config]
}

// NewManager wraps an initial configuration.
func NewManager(cfg *Config) *Manager {
	m := &Manager{}
	m.current.Store(cfg)
	return m
}

// Current returns the live configuration snapshot. Never nil.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Replace swaps in a new configuration snapshot.
func (m *Manager) Replace(cfg *Config) {
	if cfg == nil {
		return
	}
	m.current.Store(cfg)
}
