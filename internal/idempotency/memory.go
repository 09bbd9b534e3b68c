package idempotency

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value   []byte
	expires time.Time
}

// MemoryBackend is a single-process Backend for tests and development.
type MemoryBackend struct {
	mu      sync.Mutex
	locks   map[string]entry
	results map[string]entry
	now     func() time.Time
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		locks:   make(map[string]entry),
		results: make(map[string]entry),
		now:     time.Now,
	}
}

func (b *MemoryBackend) get(m map[string]entry, key string) (entry, bool) {
	e, ok := m[key]
	if !ok {
		return entry{}, false
	}
	if !b.now().Before(e.expires) {
		delete(m, key)
		return entry{}, false
	}
	return e, true
}

func (b *MemoryBackend) Result(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.get(b.results, key)
	return e.value, ok, nil
}

func (b *MemoryBackend) Acquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, held := b.get(b.locks, key); held {
		return false, nil
	}
	b.locks[key] = entry{value: []byte(token), expires: b.now().Add(ttl)}
	return true, nil
}

func (b *MemoryBackend) Release(_ context.Context, key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.locks[key]; ok && string(e.value) == token {
		delete(b.locks, key)
	}
	return nil
}

func (b *MemoryBackend) Save(_ context.Context, key string, result []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[key] = entry{value: append([]byte(nil), result...), expires: b.now().Add(ttl)}
	return nil
}
