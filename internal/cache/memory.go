package cache

import (
	"context"
	"sync"
	"time"

	"realtime_go/internal/clock"
)

// Memory is an in-process Cache for single-instance deployments and tests.
type Memory struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
	sets    map[string]memorySet
}

type memorySet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemory returns an empty Memory cache using c for expiry.
func NewMemory(c clock.Clock) *Memory {
	return &Memory{clock: c, entries: make(map[string]memoryEntry), sets: make(map[string]memorySet)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if !e.expiresAt.IsZero() && !m.clock.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, ErrMiss
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
		delete(m.sets, k)
	}
	return nil
}

func (m *Memory) AddMember(_ context.Context, key, member string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.liveSet(key)
	if set.members == nil {
		set.members = make(map[string]struct{})
	}
	set.members[member] = struct{}{}
	set.expiresAt = time.Time{}
	if ttl > 0 {
		set.expiresAt = m.clock.Now().Add(ttl)
	}
	m.sets[key] = set
	return int64(len(set.members)), nil
}

func (m *Memory) RemoveMember(_ context.Context, key, member string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.liveSet(key)
	delete(set.members, member)
	if len(set.members) == 0 {
		delete(m.sets, key)
		return 0, nil
	}
	return int64(len(set.members)), nil
}

// liveSet returns the set at key, dropping it first when expired. The
// caller holds m.mu.
func (m *Memory) liveSet(key string) memorySet {
	set, ok := m.sets[key]
	if ok && !set.expiresAt.IsZero() && !m.clock.Now().Before(set.expiresAt) {
		delete(m.sets, key)
		return memorySet{}
	}
	return set
}

func (m *Memory) Close() error { return nil }
