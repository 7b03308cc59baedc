package subscription

import (
	"context"
	"sync"
	"time"
)

// FastStore is the read-optimized tier in front of the authoritative
// source. Values carry a TTL so drift self-corrects between refreshes.
type FastStore interface {
	GetStrategy(ctx context.Context, strategyID string) ([]Entry, bool, error)
	SetStrategy(ctx context.Context, strategyID string, entries []Entry, ttl time.Duration) error
	DeleteStrategy(ctx context.Context, strategyID string) error
}

type memoryItem struct {
	entries   []Entry
	expiresAt time.Time
}

// MemoryStore is a process-local FastStore.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryStore constructs an empty in-process store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.items = make(map[string]memoryItem)
	store.now = time.Now
	return store
}

func (s *MemoryStore) GetStrategy(_ context.Context, strategyID string) ([]Entry, bool, error) {
	s.mu.RLock()
	item, ok := s.items[strategyID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !item.expiresAt.IsZero() && !s.now().Before(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, strategyID)
		s.mu.Unlock()
		return nil, false, nil
	}
	out := make([]Entry, len(item.entries))
	copy(out, item.entries)
	return out, true, nil
}

func (s *MemoryStore) SetStrategy(_ context.Context, strategyID string, entries []Entry, ttl time.Duration) error {
	item := memoryItem{entries: make([]Entry, len(entries))}
	copy(item.entries, entries)
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.items[strategyID] = item
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteStrategy(_ context.Context, strategyID string) error {
	s.mu.Lock()
	delete(s.items, strategyID)
	s.mu.Unlock()
	return nil
}
