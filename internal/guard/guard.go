// Package guard serialises order admission and lifecycle mutation.
//
// Every mutation of order state flows through the Manager. The sharded key
// locks serialise the check-then-act sequences: admission holds the order,
// user and symbol shards, so competing creates for the same signature or the
// same user's rate-limit window cannot interleave; status updates hold the
// order shard, so concurrent updates to one order apply one edge at a time.
// The map mutex only guards raw map access and is held briefly. Broker I/O
// stays outside any lock.
package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradewire/tradewire/errs"
	"github.com/tradewire/tradewire/internal/order"
)

// TransitionObserver receives every applied lifecycle edge, including the
// CREATED→PENDING admission edge. Observers run outside the guard's locks.
type TransitionObserver func(ord order.Order, tr order.Transition)

// Config tunes the guard.
type Config struct {
	// Shards sizes the lock shard table; sized once up front.
	Shards int
	// MinOrderInterval is the minimum gap between accepted orders per user.
	MinOrderInterval time.Duration
	// OnTransition, when set, observes applied transitions.
	OnTransition TransitionObserver
	// Clock overrides time.Now, primarily for testing.
	Clock func() time.Time
}

// Statistics is a point-in-time snapshot of guard counters.
type Statistics struct {
	ActiveOrders         int              `json:"active_orders"`
	CompletedOrders      int              `json:"completed_orders"`
	OrdersCreated        uint64           `json:"orders_created"`
	DuplicatesRejected   uint64           `json:"duplicates_rejected"`
	RateLimited          uint64           `json:"rate_limited"`
	TransitionsPrevented uint64           `json:"transitions_prevented"`
	ByStatus             map[order.Status]int `json:"by_status"`
}

// Manager owns active orders exclusively until they reach a terminal state.
type Manager struct {
	locks       *lockTable
	minInterval time.Duration
	observer    TransitionObserver
	clock       func() time.Time

	mu         sync.RWMutex
	active     map[string]*order.Order
	completed  map[string]*order.Order
	signatures map[string]string    // duplicate signature -> active order id
	lastOrder  map[string]time.Time // user id -> last accepted order time

	created              atomic.Uint64
	duplicates           atomic.Uint64
	rateLimited          atomic.Uint64
	transitionsPrevented atomic.Uint64
}

// NewManager constructs a guard with the provided configuration.
func NewManager(cfg Config) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	m := new(Manager)
	m.locks = newLockTable(cfg.Shards)
	m.minInterval = cfg.MinOrderInterval
	m.observer = cfg.OnTransition
	m.clock = clock
	m.active = make(map[string]*order.Order)
	m.completed = make(map[string]*order.Order)
	m.signatures = make(map[string]string)
	m.lastOrder = make(map[string]time.Time)
	return m
}

// CreateOrderSafely admits a new order under the order/user/symbol locks.
// Duplicate or rate-limited requests are rejected without leaving any partial
// state. On success the order is registered in PENDING and returned by value.
func (m *Manager) CreateOrderSafely(ctx context.Context, req order.Request) (order.Order, error) {
	if err := ctx.Err(); err != nil {
		return order.Order{}, errs.New("guard/create", errs.CodeUnavailable, errs.WithCause(err))
	}

	ord := order.FromRequest(req)
	release := m.locks.acquire(orderKey(ord.ID), userKey(ord.UserID), symbolKey(ord.Symbol))

	// The user and symbol shards held above serialise competing creates
	// for the same signature and the same user's interval window, so the
	// checks stay valid after the map mutex is dropped.
	m.mu.RLock()
	existingID, dup := m.signatures[ord.Signature()]
	last, hasLast := m.lastOrder[ord.UserID]
	m.mu.RUnlock()

	if dup {
		release()
		m.duplicates.Add(1)
		return order.Order{}, errs.New("guard/create", errs.CodeDuplicate,
			errs.WithCategory(errs.CategoryOrderExecution),
			errs.WithSeverity(errs.SeverityLow),
			errs.WithUser(ord.UserID),
			errs.WithSymbol(ord.Symbol),
			errs.WithMessage("active order "+existingID+" already exists for signature"))
	}
	now := m.clock()
	if m.minInterval > 0 && hasLast && now.Sub(last) < m.minInterval {
		release()
		m.rateLimited.Add(1)
		return order.Order{}, errs.New("guard/create", errs.CodeRateLimited,
			errs.WithCategory(errs.CategoryOrderExecution),
			errs.WithSeverity(errs.SeverityLow),
			errs.WithUser(ord.UserID),
			errs.WithMessage("minimum order interval not elapsed"))
	}

	from := ord.Status
	ord.Status = order.StatusPending
	ord.LastUpdated = now
	snapshot := *ord
	m.mu.Lock()
	m.active[ord.ID] = ord
	m.signatures[ord.Signature()] = ord.ID
	m.lastOrder[ord.UserID] = now
	m.mu.Unlock()
	release()

	m.created.Add(1)
	m.notify(snapshot, order.NewTransition(&snapshot, from, order.StatusPending, "create", nil))
	return snapshot, nil
}

// UpdateOrderStatusSafely applies newStatus under the order's lock only when
// the edge exists in the transition table. Invalid attempts are counted and
// leave the stored state untouched. Terminal states migrate the order into the
// immutable completed store and release its admission bookkeeping.
func (m *Manager) UpdateOrderStatusSafely(orderID string, newStatus order.Status, metadata map[string]string) bool {
	release := m.locks.acquire(orderKey(orderID))

	// The order shard held above serialises updates to this order, so the
	// status read below cannot go stale before the mutation is applied.
	m.mu.RLock()
	ord, ok := m.active[orderID]
	var from order.Status
	if ok {
		from = ord.Status
	}
	m.mu.RUnlock()

	if !ok || !order.CanTransition(from, newStatus) {
		release()
		m.transitionsPrevented.Add(1)
		return false
	}

	m.mu.Lock()
	ord.Status = newStatus
	ord.LastUpdated = m.clock()
	if bid, ok := metadata["broker_order_id"]; ok && bid != "" {
		ord.BrokerOrderID = bid
	}
	if msg, ok := metadata["error_message"]; ok && msg != "" {
		ord.ErrorMessage = msg
	}
	if newStatus.Terminal() {
		delete(m.active, orderID)
		delete(m.signatures, ord.Signature())
		m.completed[orderID] = ord
	}
	snapshot := *ord
	m.mu.Unlock()
	release()

	m.notify(snapshot, order.NewTransition(&snapshot, from, newStatus, "update", metadata))
	return true
}

// Get returns a copy of the order, active or completed.
func (m *Manager) Get(orderID string) (order.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ord, ok := m.active[orderID]; ok {
		return *ord, true
	}
	if ord, ok := m.completed[orderID]; ok {
		return *ord, true
	}
	return order.Order{}, false
}

// ActiveForUser returns copies of the user's active orders.
func (m *Manager) ActiveForUser(userID string) []order.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []order.Order
	for _, ord := range m.active {
		if ord.UserID == userID {
			out = append(out, *ord)
		}
	}
	return out
}

// Statistics snapshots the guard's counters and per-status occupancy.
func (m *Manager) Statistics() Statistics {
	m.mu.RLock()
	byStatus := make(map[order.Status]int, 8)
	for _, ord := range m.active {
		byStatus[ord.Status]++
	}
	for _, ord := range m.completed {
		byStatus[ord.Status]++
	}
	stats := Statistics{
		ActiveOrders:         len(m.active),
		CompletedOrders:      len(m.completed),
		ByStatus:             byStatus,
		OrdersCreated:        m.created.Load(),
		DuplicatesRejected:   m.duplicates.Load(),
		RateLimited:          m.rateLimited.Load(),
		TransitionsPrevented: m.transitionsPrevented.Load(),
	}
	m.mu.RUnlock()
	return stats
}

func (m *Manager) notify(ord order.Order, tr order.Transition) {
	if m.observer == nil {
		return
	}
	m.observer(ord, tr)
}
