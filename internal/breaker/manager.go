package breaker

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager owns the breakers for all venues and services. Constructed
// once in main and injected; there is no package-level instance.
type Manager struct {
	log *logrus.Entry

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager creates an empty manager.
func NewManager(log *logrus.Entry) *Manager {
	return &Manager{
		log:      log,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the breaker registered under name, creating it
// with cfg on first use. The config of an existing breaker is not
// changed; first caller wins.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b = New(name, cfg, m.log)
	m.breakers[name] = b
	return b
}

// Get returns the named breaker or nil.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.breakers[name]
}

// Names returns the registered breaker names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllStats snapshots every registered breaker, keyed by name.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.Stats()
	}
	return out
}

// ResetAll force-closes every breaker.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	list := make([]*Breaker, 0, len(m.breakers))
	for _, b := range m.breakers {
		list = append(list, b)
	}
	m.mu.RUnlock()

	for _, b := range list {
		b.Reset()
	}
}
