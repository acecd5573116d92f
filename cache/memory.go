package cache

import (
	"context"
	"sync"
	"time"
)

const defaultEvictionInterval = time.Minute

type memoryEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// Memory is a process-local cache. Expired entries are dropped lazily on
// read and swept periodically by a background eviction loop.
type Memory[T any] struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry[T]
	done    chan struct{}
	once    sync.Once
}

// NewMemory creates an in-memory cache and starts its eviction loop.
func NewMemory[T any]() *Memory[T] {
	m := &Memory[T]{
		entries: make(map[string]memoryEntry[T]),
		done:    make(chan struct{}),
	}
	go m.evictionLoop()
	return m
}

func (m *Memory[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return zero, ErrMiss
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return zero, ErrMiss
	}
	return entry.value, nil
}

func (m *Memory[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	entry := memoryEntry[T]{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory[T]) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held, including entries that
// have expired but not yet been evicted.
func (m *Memory[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory[T]) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *Memory[T]) evictionLoop() {
	ticker := time.NewTicker(defaultEvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.entries {
				if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
