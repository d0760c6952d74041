package cache

import (
	"sync"
	"time"
)

type memoryEntry struct {
	value        []byte
	expiresAt    time.Time // zero means no expiry
	lastAccessed time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is the in-process fallback tier: a mutex-protected map with lazy
// per-entry expiry and LRU eviction once maxEntries is reached.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	maxEntries int
	now        func() time.Time
}

// NewMemory creates a fallback map. maxEntries <= 0 disables eviction.
func NewMemory(maxEntries int) *Memory {
	return &Memory{
		entries:    make(map[string]*memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns a copy of the value at key. Expired entries are removed and
// reported as absent.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key)
}

func (m *Memory) getLocked(key string) ([]byte, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	now := m.now()
	if entry.expired(now) {
		delete(m.entries, key)
		return nil, false
	}
	entry.lastAccessed = now
	return cloneBytes(entry.value), true
}

// Set stores a copy of value. ttl <= 0 stores without expiry.
func (m *Memory) Set(key string, value []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(key, value, ttl)
}

func (m *Memory) setLocked(key string, value []byte, ttl time.Duration) {
	now := m.now()
	if _, exists := m.entries[key]; !exists && m.maxEntries > 0 && len(m.entries) >= m.maxEntries {
		m.evictLocked(now)
	}
	entry := &memoryEntry{
		value:        cloneBytes(value),
		lastAccessed: now,
	}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	m.entries[key] = entry
}

// Update applies fn to the current value under the map lock.
func (m *Memory) Update(key string, ttl time.Duration, fn UpdateFunc) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, found := m.getLocked(key)
	next, err := fn(current, found)
	if err != nil {
		return nil, false, err
	}
	m.setLocked(key, next, ttl)
	return cloneBytes(next), true, nil
}

// Delete removes key. It is a no-op if key is absent.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len returns the number of stored entries, including ones that have expired
// but not yet been swept.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes every expired entry and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// evictLocked drops expired entries first, then the least recently used one.
// Caller must hold the lock.
func (m *Memory) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, entry := range m.entries {
		if entry.expired(now) {
			delete(m.entries, key)
			return
		}
		if first || entry.lastAccessed.Before(oldest) {
			oldestKey = key
			oldest = entry.lastAccessed
			first = false
		}
	}
	if oldestKey != "" {
		delete(m.entries, oldestKey)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
