package payload

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	data      []byte
	createdAt time.Time
}

type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]memoryEntry{}, now: time.Now}
}

func (m *Memory) Put(_ context.Context, id string, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	m.mu.Lock()
	m.entries[id] = memoryEntry{data: buf, createdAt: m.now()}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	entry, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(entry.data))
	copy(buf, entry.data)
	return buf, nil
}

func (m *Memory) Sweep(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, entry := range m.entries {
		if entry.createdAt.Before(olderThan) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Close() error { return nil }
