package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	owner     string
	expiresAt time.Time
}

type memoryReservations struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryGuard keeps reservations in process. Only safe for a single instance.
func NewMemoryGuard(lookup Lookup, opts Options) *Guard {
	return newGuard(lookup, &memoryReservations{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}, opts)
}

func (m *memoryReservations) reserve(ctx context.Context, token, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[token]; ok && now.Before(e.expiresAt) {
		return false, nil
	}
	m.entries[token] = memoryEntry{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *memoryReservations) release(ctx context.Context, token, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[token]; ok && e.owner == owner {
		delete(m.entries, token)
	}
	return nil
}
