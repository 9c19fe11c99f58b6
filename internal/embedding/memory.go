package embedding

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Memory cache defaults.
const (
	DefaultMemoryCapacity = 1024
	DefaultMemoryTTL      = time.Hour
)

type memoryEntry struct {
	key     string
	vector  []float32
	expires time.Time
}

// MemoryCache is an in-process LRU cache with per-entry TTL. It is the
// default cache backend for single-instance deployments.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	lru      *list.List
	now      func() time.Time
}

// NewMemoryCache creates a MemoryCache. Non-positive capacity or ttl use
// the package defaults.
func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	return &MemoryCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		now:      time.Now,
	}
}

// Get returns the cached vector for key if present and unexpired.
func (m *MemoryCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := elem.Value.(*memoryEntry)
	if m.now().After(entry.expires) {
		m.lru.Remove(elem)
		delete(m.entries, key)
		return nil, false, nil
	}
	m.lru.MoveToFront(elem)
	return entry.vector, true, nil
}

// Set stores vector under key, evicting the least recently used entry
// when the cache is full.
func (m *MemoryCache) Set(ctx context.Context, key string, vector []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expires := m.now().Add(m.ttl)
	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.vector = vector
		entry.expires = expires
		m.lru.MoveToFront(elem)
		return nil
	}

	if m.lru.Len() >= m.capacity {
		oldest := m.lru.Back()
		if oldest != nil {
			m.lru.Remove(oldest)
			delete(m.entries, oldest.Value.(*memoryEntry).key)
		}
	}
	m.entries[key] = m.lru.PushFront(&memoryEntry{key: key, vector: vector, expires: expires})
	return nil
}

// Len reports the number of live entries, expired or not.
func (m *MemoryCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}
