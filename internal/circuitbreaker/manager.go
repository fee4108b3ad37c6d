package circuitbreaker

import (
	"sync"

	"github.com/microgate/gateway/internal/config"
)

// Manager hands out one breaker per backend service, created lazily.
// When breakers are disabled in config every Get returns nil and
// callers treat a nil breaker as always allowing.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      config.CircuitBreakerConfig
}

// NewManager creates a breaker manager.
func NewManager(cfg config.CircuitBreakerConfig) *Manager {
	return &Manager{
		breakers: map[string]*Breaker{},
		cfg:      cfg,
	}
}

// Get returns the breaker for service, creating it on first use.
// Returns nil when breakers are disabled.
func (m *Manager) Get(service string) *Breaker {
	if !m.cfg.Enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.breakers[service]
	if b == nil {
		b = NewBreaker(m.cfg)
		m.breakers[service] = b
	}
	return b
}

// Snapshots returns the counters of every breaker, keyed by service.
func (m *Manager) Snapshots() map[string]Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Snapshot, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
