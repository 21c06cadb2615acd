package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

type item struct {
	value      string
	expiration int64
}

func (i item) expired() bool {
	if i.expiration == 0 {
		return false
	}
	return time.Now().UnixNano() > i.expiration
}

// MemoryStore is a thread-safe in-memory Store with expiration. Used in
// tests and single-instance deployments without Redis.
type MemoryStore struct {
	items map[string]item
	mu    sync.RWMutex
	stop  chan struct{}
	once  sync.Once
}

// NewMemoryStore creates an in-memory store with a background janitor.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		items: make(map[string]item),
		stop:  make(chan struct{}),
	}
	go m.janitor(time.Minute)
	return m
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, found := m.items[key]
	if !found || it.expired() {
		return "", ErrNotFound
	}
	return it.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = item{value: value, expiration: exp}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, found := m.items[key]
	if !found || it.expired() {
		return ErrNotFound
	}

	if ttl > 0 {
		it.expiration = time.Now().Add(ttl).UnixNano()
	} else {
		it.expiration = 0
	}
	m.items[key] = it
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k, it := range m.items {
		if it.expired() {
			continue
		}
		if matchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryStore) deleteExpired() {
	now := time.Now().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, it := range m.items {
		if it.expiration > 0 && now > it.expiration {
			delete(m.items, k)
		}
	}
}

// matchPattern supports the prefix* glob shape the callers use; a bare
// pattern matches exactly.
func matchPattern(pattern, key string) bool {
	if i := strings.IndexByte(pattern, '*'); i >= 0 {
		return strings.HasPrefix(key, pattern[:i])
	}
	return pattern == key
}
