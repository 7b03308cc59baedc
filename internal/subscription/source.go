package subscription

import (
	"context"
	"sync"
)

// Source is the authoritative subscription record keeper. The cache
// falls back here on miss and reconciles against it on a timer.
type Source interface {
	LoadStrategy(ctx context.Context, strategyID string) ([]Entry, error)
	LoadAll(ctx context.Context) (map[string][]Entry, error)
	Upsert(ctx context.Context, entry Entry) error
}

// MemorySource keeps authoritative records in process. Used in paper
// trading mode and in tests.
type MemorySource struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry
}

// NewMemorySource constructs an empty source.
func NewMemorySource() *MemorySource {
	src := new(MemorySource)
	src.entries = make(map[string]map[string]Entry)
	return src
}

func (s *MemorySource) LoadStrategy(_ context.Context, strategyID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byUser := s.entries[strategyID]
	out := make([]Entry, 0, len(byUser))
	for _, entry := range byUser {
		out = append(out, entry)
	}
	return out, nil
}

func (s *MemorySource) LoadAll(_ context.Context) (map[string][]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Entry, len(s.entries))
	for strategyID, byUser := range s.entries {
		entries := make([]Entry, 0, len(byUser))
		for _, entry := range byUser {
			entries = append(entries, entry)
		}
		out[strategyID] = entries
	}
	return out, nil
}

func (s *MemorySource) Upsert(_ context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser, ok := s.entries[entry.StrategyID]
	if !ok {
		byUser = make(map[string]Entry)
		s.entries[entry.StrategyID] = byUser
	}
	byUser[entry.UserID] = entry
	return nil
}
