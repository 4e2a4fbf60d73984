package kv

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	count   int64
	token   string
	expires time.Time
}

// Memory implements Counter and Locker in process, for single-instance
// deployments and tests.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memoryItem), now: time.Now}
}

// SetClock replaces the time source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	item, ok := m.items[key]
	existed := ok && now.Before(item.expires)
	if existed {
		item.count++
	} else {
		item = memoryItem{count: 1}
	}
	item.expires = now.Add(ttl)
	m.items[key] = item
	if len(m.items) > 10000 {
		m.compact(now)
	}
	return existed, nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	return ok && m.now().Before(item.expires), nil
}

// Count returns the current counter value, 0 when absent or expired.
func (m *Memory) Count(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok || !m.now().Before(item.expires) {
		return 0
	}
	return item.count
}

// Len returns the number of live keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compact(m.now())
	return len(m.items)
}

func (m *Memory) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if item, ok := m.items[key]; ok && now.Before(item.expires) {
		return false, nil
	}
	m.items[key] = memoryItem{token: token, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(ctx context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok || item.token != token || !m.now().Before(item.expires) {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

func (m *Memory) compact(now time.Time) {
	for k, item := range m.items {
		if !now.Before(item.expires) {
			delete(m.items, k)
		}
	}
}
