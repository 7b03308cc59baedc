package fanout

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/tradewire/errs"
	"github.com/tradewire/tradewire/internal/broker"
	"github.com/tradewire/tradewire/internal/guard"
	"github.com/tradewire/tradewire/internal/order"
	"github.com/tradewire/tradewire/internal/safety"
	"github.com/tradewire/tradewire/internal/signal"
	"github.com/tradewire/tradewire/internal/subscription"
)

type fakeGateway struct {
	mu      sync.Mutex
	placed  []order.Order
	delay   time.Duration
	failFor map[string]error
}

func (g *fakeGateway) Place(_ context.Context, ord order.Order) (broker.PlaceResult, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.failFor[ord.UserID]; ok {
		return broker.PlaceResult{}, err
	}
	g.placed = append(g.placed, ord)
	return broker.PlaceResult{Accepted: true, BrokerOrderID: "fake-" + ord.ID}, nil
}

func (g *fakeGateway) Cancel(context.Context, string, string) error { return nil }

func (g *fakeGateway) orders() []order.Order {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]order.Order, len(g.placed))
	copy(out, g.placed)
	return out
}

type trackingSource struct {
	*subscription.MemorySource
	loads atomic.Int32
}

func (s *trackingSource) LoadStrategy(ctx context.Context, strategyID string) ([]subscription.Entry, error) {
	s.loads.Add(1)
	return s.MemorySource.LoadStrategy(ctx, strategyID)
}

type fixture struct {
	executor *Executor
	gateway  *fakeGateway
	guard    *guard.Manager
	safety   *safety.Handler
	source   *trackingSource
}

func newFixture(t *testing.T, entries []subscription.Entry) *fixture {
	t.Helper()
	source := &trackingSource{MemorySource: subscription.NewMemorySource()}
	for _, entry := range entries {
		if err := source.Upsert(context.Background(), entry); err != nil {
			t.Fatalf("seed entry: %v", err)
		}
	}
	cache := subscription.NewCache(subscription.CacheConfig{Source: source})
	t.Cleanup(cache.Close)

	gw := &fakeGateway{}
	handler := safety.NewHandler(safety.Config{})
	mgr := guard.NewManager(guard.Config{MinOrderInterval: 0})
	exec := NewExecutor(Config{
		Subscriptions: cache,
		Guard:         mgr,
		Gateway:       gw,
		Safety:        handler,
		Workers:       16,
	})
	return &fixture{executor: exec, gateway: gw, guard: mgr, safety: handler, source: source}
}

func entry(userID, strategyID string, multiplier float64) subscription.Entry {
	return subscription.Entry{
		UserID:             userID,
		StrategyID:         strategyID,
		Enabled:            true,
		QuantityMultiplier: decimal.NewFromFloat(multiplier),
		RiskMultiplier:     decimal.NewFromInt(1),
	}
}

func marketSignal(strategyID string) signal.Signal {
	return signal.New(strategyID, "RELIANCE", "NSE", signal.ActionBuy,
		decimal.NewFromInt(10), signal.Spec{OrderType: signal.OrderTypeMarket})
}

func TestMultipliersScaleBaseQuantity(t *testing.T) {
	fix := newFixture(t, []subscription.Entry{
		entry("user-1", "strat-a", 1.0),
		entry("user-2", "strat-a", 0.5),
		entry("user-3", "strat-a", 2.0),
	})

	result, err := fix.executor.ProcessSignal(context.Background(), marketSignal("strat-a"))
	if err != nil {
		t.Fatalf("process signal: %v", err)
	}
	if !result.Success || result.UsersFound != 3 || result.OrdersCreated != 3 || result.OrdersPlaced != 3 {
		t.Fatalf("result = %+v, want 3 users, 3 created, 3 placed", result)
	}

	var quantities []string
	for _, ord := range fix.gateway.orders() {
		quantities = append(quantities, ord.Quantity.String())
	}
	sort.Strings(quantities)
	want := []string{"10", "20", "5"}
	for i := range want {
		if quantities[i] != want[i] {
			t.Fatalf("quantities = %v, want [10 20 5] sorted", quantities)
		}
	}
}

func TestPositionValueCapLimitsQuantity(t *testing.T) {
	capped := entry("user-1", "strat-a", 2.0)
	capped.MaxPositionValue = decimal.NewFromInt(1500)
	fix := newFixture(t, []subscription.Entry{capped})

	sig := marketSignal("strat-a")
	sig.ReferencePrice = decimal.NewFromInt(100)
	result, err := fix.executor.ProcessSignal(context.Background(), sig)
	if err != nil {
		t.Fatalf("process signal: %v", err)
	}
	if result.OrdersPlaced != 1 {
		t.Fatalf("orders placed = %d, want 1", result.OrdersPlaced)
	}
	// 10 * 2.0 = 20, capped at floor(1500 / 100) = 15.
	if got := fix.gateway.orders()[0].Quantity.String(); got != "15" {
		t.Fatalf("quantity = %s, want 15", got)
	}
}

func TestZeroEffectiveQuantitySkipsUser(t *testing.T) {
	fix := newFixture(t, []subscription.Entry{entry("user-1", "strat-a", 0.01)})

	result, err := fix.executor.ProcessSignal(context.Background(), marketSignal("strat-a"))
	if err != nil {
		t.Fatalf("process signal: %v", err)
	}
	// 10 * 0.01 rounds to 0; no order may exist for the user.
	if result.OrdersCreated != 0 {
		t.Fatalf("orders created = %d, want 0", result.OrdersCreated)
	}
	if orders := fix.guard.ActiveForUser("user-1"); len(orders) != 0 {
		t.Fatalf("active orders = %d, want 0", len(orders))
	}
}

func TestExpiredSignalSkipsSubscriptionLookup(t *testing.T) {
	fix := newFixture(t, []subscription.Entry{entry("user-1", "strat-a", 1.0)})

	sig := marketSignal("strat-a")
	sig.ExpiresAt = time.Now().Add(-time.Second)
	result, err := fix.executor.ProcessSignal(context.Background(), sig)
	if err != nil {
		t.Fatalf("process signal: %v", err)
	}
	if !result.Success || result.UsersFound != 0 || result.OrdersCreated != 0 {
		t.Fatalf("result = %+v, want success with zero counts", result)
	}
	if got := fix.source.loads.Load(); got != 0 {
		t.Fatalf("source loads = %d, want 0 for expired signal", got)
	}
}

func TestDisabledSubscribersAreSkipped(t *testing.T) {
	disabled := entry("user-2", "strat-a", 1.0)
	disabled.Enabled = false
	fix := newFixture(t, []subscription.Entry{entry("user-1", "strat-a", 1.0), disabled})

	result, err := fix.executor.ProcessSignal(context.Background(), marketSignal("strat-a"))
	if err != nil {
		t.Fatalf("process signal: %v", err)
	}
	if result.OrdersCreated != 1 {
		t.Fatalf("orders created = %d, want 1", result.OrdersCreated)
	}
	if got := fix.gateway.orders()[0].UserID; got != "user-1" {
		t.Fatalf("placed for %s, want user-1", got)
	}
}

func TestOneUserFailureDoesNotAbortOthers(t *testing.T) {
	fix := newFixture(t, []subscription.Entry{
		entry("user-1", "strat-a", 1.0),
		entry("user-2", "strat-a", 1.0),
		entry("user-3", "strat-a", 1.0),
	})
	fix.gateway.failFor = map[string]error{
		"user-2": errs.New("broker/fake.place", errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryBrokerConnection),
			errs.WithMessage("socket closed"), errs.WithUser("user-2")),
	}

	result, err := fix.executor.ProcessSignal(context.Background(), marketSignal("strat-a"))
	if err != nil {
		t.Fatalf("process signal: %v", err)
	}
	if result.OrdersCreated != 3 || result.OrdersPlaced != 2 {
		t.Fatalf("result = %+v, want 3 created and 2 placed", result)
	}

	ords := fix.guard.ActiveForUser("user-2")
	if len(ords) != 0 {
		t.Fatalf("user-2 active orders = %d, want 0 after rejection", len(ords))
	}
	if status := fix.safety.SystemStatus(); status.HandledTotal != 1 {
		t.Fatalf("safety handled = %d, want 1", status.HandledTotal)
	}
}

func TestPlacementsRunInParallel(t *testing.T) {
	const users = 8
	const latency = 100 * time.Millisecond
	entries := make([]subscription.Entry, 0, users)
	for i := 0; i < users; i++ {
		entries = append(entries, entry("user-"+string(rune('a'+i)), "strat-a", 1.0))
	}
	fix := newFixture(t, entries)
	fix.gateway.delay = latency

	start := time.Now()
	result, err := fix.executor.ProcessSignal(context.Background(), marketSignal("strat-a"))
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("process signal: %v", err)
	}
	if result.OrdersPlaced != users {
		t.Fatalf("orders placed = %d, want %d", result.OrdersPlaced, users)
	}
	if elapsed > users*latency/2 {
		t.Fatalf("fanout took %v for %d users at %v each; placements look serialized",
			elapsed, users, latency)
	}
}

func TestHaltedScopeRefusesSignal(t *testing.T) {
	fix := newFixture(t, []subscription.Entry{entry("user-1", "strat-a", 1.0)})
	fix.safety.HandleError(errs.New("broker/fake.place", errs.CodeRejected,
		errs.WithMessage("insufficient funds for order"),
		errs.WithCategory(errs.CategoryFinancial)))

	result, err := fix.executor.ProcessSignal(context.Background(), marketSignal("strat-a"))
	if err == nil {
		t.Fatal("process signal succeeded during halt")
	}
	if result.Success || result.OrdersCreated != 0 {
		t.Fatalf("result = %+v, want failure with zero orders", result)
	}
}
