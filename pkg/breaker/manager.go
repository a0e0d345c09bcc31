package breaker

import "sync"

// Manager hands out one breaker per agent id. Breaker state is shared across
// every task dispatching to the same agent.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewManager creates a manager that applies cfg to every breaker it creates.
func NewManager(cfg Config) *Manager {
	return &Manager{
		breakers: make(map[string]*Breaker),
		cfg:      cfg.withDefaults(),
	}
}

// Get returns the breaker for the agent, creating it on first use.
func (m *Manager) Get(agentID string) *Breaker {
	m.mu.RLock()
	if b, ok := m.breakers[agentID]; ok {
		m.mu.RUnlock()
		return b
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check under the write lock, another goroutine may have raced us here.
	if b, ok := m.breakers[agentID]; ok {
		return b
	}
	b := New(agentID, m.cfg)
	m.breakers[agentID] = b
	return b
}

// Stats returns a snapshot of every breaker the manager has created.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Stats, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Stats())
	}
	return out
}

// ResetAll forces every breaker back to closed.
func (m *Manager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, b := range m.breakers {
		b.Reset()
	}
}

// Remove drops the breaker for an agent, discarding its state.
func (m *Manager) Remove(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, agentID)
}
