package broker

import (
	"context"
	"sync"
)

// MemoryBus connects several in-process instances the way an exchange
// connects processes.
type MemoryBus struct {
	mu       sync.RWMutex
	bindings map[string]map[*Memory]struct{}
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{bindings: make(map[string]map[*Memory]struct{})}
}

// Join returns a Broker for one instance on the bus.
func (bus *MemoryBus) Join() *Memory {
	return &Memory{bus: bus}
}

// Memory is one instance's handle on a MemoryBus. Delivery is synchronous.
type Memory struct {
	bus *MemoryBus

	mu     sync.RWMutex
	handle func(Envelope)
}

func (m *Memory) Publish(_ context.Context, env Envelope) error {
	m.bus.mu.RLock()
	targets := make([]*Memory, 0, len(m.bus.bindings[env.UserID]))
	for t := range m.bus.bindings[env.UserID] {
		targets = append(targets, t)
	}
	m.bus.mu.RUnlock()

	for _, t := range targets {
		t.mu.RLock()
		h := t.handle
		t.mu.RUnlock()
		if h != nil {
			h(env)
		}
	}
	return nil
}

func (m *Memory) Bind(userID string) error {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	if m.bus.bindings[userID] == nil {
		m.bus.bindings[userID] = make(map[*Memory]struct{})
	}
	m.bus.bindings[userID][m] = struct{}{}
	return nil
}

func (m *Memory) Unbind(userID string) error {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	if set, ok := m.bus.bindings[userID]; ok {
		delete(set, m)
		if len(set) == 0 {
			delete(m.bus.bindings, userID)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, handle func(Envelope)) error {
	m.mu.Lock()
	m.handle = handle
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.handle = nil
		m.mu.Unlock()
	}()
	return nil
}

func (m *Memory) Close() error {
	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	for userID, set := range m.bus.bindings {
		delete(set, m)
		if len(set) == 0 {
			delete(m.bus.bindings, userID)
		}
	}
	return nil
}
