package nonce

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. It is safe for concurrent use and
// purges expired entries opportunistically on writes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time

	useCount uint64
	purgeN   uint64
}

// NewMemoryStore creates an in-memory store. purgeEvery controls how often
// (every N calls to Claim) expired entries are purged; values like 512 or
// 1024 are usually fine. If purgeEvery <= 0, 1024 is used.
func NewMemoryStore(purgeEvery int) *MemoryStore {
	if purgeEvery <= 0 {
		purgeEvery = 1024
	}
	return &MemoryStore{
		entries: make(map[string]time.Time, 1024),
		purgeN:  uint64(purgeEvery),
	}
}

func (m *MemoryStore) Claim(_ context.Context, principal, value string, ttl time.Duration) (bool, error) {
	principal, value, err := normalize(principal, value)
	if err != nil {
		return false, err
	}
	now := time.Now()
	k := principal + "|" + value

	m.mu.Lock()
	defer m.mu.Unlock()

	m.useCount++
	if m.useCount%m.purgeN == 0 {
		m.purgeLocked(now)
	}

	if until, ok := m.entries[k]; ok && until.After(now) {
		return false, nil
	}
	m.entries[k] = now.Add(ttlOrDefault(ttl))
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, principal, value string) error {
	principal, value, err := normalize(principal, value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, principal+"|"+value)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) purgeLocked(now time.Time) {
	for k, until := range m.entries {
		if !until.After(now) {
			delete(m.entries, k)
		}
	}
}
