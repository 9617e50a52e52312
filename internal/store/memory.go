package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process KV for tests and single-node local runs.
type Memory struct {
	mu    sync.Mutex
	items map[string]memItem
	clock func() time.Time

	// Fail, when set, is returned by every operation. Tests use it to
	// simulate an unreachable store.
	Fail error
}

type memItem struct {
	val       []byte
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{items: map[string]memItem{}, clock: time.Now}
}

// SetClock overrides the expiry clock.
func (m *Memory) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, false, m.Fail
	}
	it, ok := m.live(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(it.val))
	copy(out, it.val)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.put(key, val, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return false, m.Fail
	}
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.put(key, val, ttl)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	delete(m.items, key)
	return nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Fail
}

// Keys returns the unexpired keys, for assertions.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.items))
	for k := range m.items {
		if _, ok := m.live(k); ok {
			out = append(out, k)
		}
	}
	return out
}

// TTL reports the remaining lifetime of key; zero means no expiry or absent.
func (m *Memory) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.live(key)
	if !ok || it.expiresAt.IsZero() {
		return 0
	}
	return it.expiresAt.Sub(m.clock())
}

// caller holds mu
func (m *Memory) live(key string) (memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.expiresAt.IsZero() && !m.clock().Before(it.expiresAt) {
		delete(m.items, key)
		return memItem{}, false
	}
	return it, true
}

// caller holds mu
func (m *Memory) put(key string, val []byte, ttl time.Duration) {
	cp := make([]byte, len(val))
	copy(cp, val)
	it := memItem{val: cp}
	if ttl > 0 {
		it.expiresAt = m.clock().Add(ttl)
	}
	m.items[key] = it
}
