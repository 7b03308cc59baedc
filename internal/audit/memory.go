package audit

import (
	"context"
	"sync"

	"github.com/tradewire/tradewire/internal/order"
	"github.com/tradewire/tradewire/internal/safety"
)

// MemoryStore keeps audit records in process. Used in paper trading
// mode and in tests.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]order.Order
	transitions []order.Transition
	errors      []safety.Record
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	store := new(MemoryStore)
	store.orders = make(map[string]order.Order)
	return store
}

func (s *MemoryStore) SaveOrder(_ context.Context, ord order.Order) error {
	s.mu.Lock()
	s.orders[ord.ID] = ord
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveTransition(_ context.Context, tr order.Transition) error {
	s.mu.Lock()
	s.transitions = append(s.transitions, tr)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveErrorRecord(_ context.Context, rec safety.Record) error {
	s.mu.Lock()
	s.errors = append(s.errors, rec)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Transitions(_ context.Context, orderID string) ([]order.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []order.Transition
	for _, tr := range s.transitions {
		if tr.OrderID == orderID {
			out = append(out, tr)
		}
	}
	return out, nil
}

// Order returns the latest stored snapshot for the id.
func (s *MemoryStore) Order(orderID string) (order.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ord, ok := s.orders[orderID]
	return ord, ok
}

// TransitionLog returns every stored transition in insertion order.
func (s *MemoryStore) TransitionLog() []order.Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]order.Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// ErrorRecords returns every stored error record.
func (s *MemoryStore) ErrorRecords() []safety.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]safety.Record, len(s.errors))
	copy(out, s.errors)
	return out
}
