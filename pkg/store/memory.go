package store

import (
	"context"
	"sync"
	"time"
)

// Memory keeps entries in a map. It is meant for tests and short-lived peers.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]Entry{}}
}

func (m *Memory) TryGet(ctx context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) TryGetBatch(ctx context.Context, keys []string) ([]*Entry, error) {
	out := make([]*Entry, len(keys))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i, k := range keys {
		if e, ok := m.entries[k]; ok {
			e := e
			out[i] = &e
		}
	}
	return out, nil
}

func (m *Memory) put(key string, e Entry) {
	if old, ok := m.entries[key]; ok {
		if old.TouchedAt > e.TouchedAt {
			e.TouchedAt = old.TouchedAt
		}
		if e.Bytes == nil {
			e.Bytes = old.Bytes
		}
		if e.CacheReference == nil {
			e.CacheReference = old.CacheReference
		}
	}
	m.entries[key] = e
}

func (m *Memory) Put(ctx context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, e)
	return nil
}

func (m *Memory) PutBatch(ctx context.Context, keys []string, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, k := range keys {
		m.put(k, entries[i])
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string, now int64, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !expired(now, e.TouchedAt, ttl) {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

func (m *Memory) Flush(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
