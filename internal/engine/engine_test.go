package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/tradewire/config"
	"github.com/tradewire/tradewire/errs"
	"github.com/tradewire/tradewire/internal/audit"
	"github.com/tradewire/tradewire/internal/broker"
	"github.com/tradewire/tradewire/internal/eventbus"
	"github.com/tradewire/tradewire/internal/order"
	"github.com/tradewire/tradewire/internal/signal"
	"github.com/tradewire/tradewire/internal/subscription"
)

func testSettings() config.Settings {
	settings := config.Default()
	settings.Engine.MinOrderInterval = 0
	settings.Broker.OpsPerSecond = 1000
	settings.Broker.Latency = 0
	return settings
}

func newTestEngine(t *testing.T, settings config.Settings) (*Engine, *audit.MemoryStore) {
	t.Helper()
	store := audit.NewMemoryStore()
	eng, err := New(Options{Settings: settings, Audit: store})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng, store
}

func subscribe(t *testing.T, eng *Engine, userID, strategyID string) {
	t.Helper()
	err := eng.Subscriptions().Enable(context.Background(), subscription.Entry{
		UserID:             userID,
		StrategyID:         strategyID,
		QuantityMultiplier: decimal.NewFromInt(1),
	})
	if err != nil {
		t.Fatalf("enable subscription: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func shortfallErr() error {
	return errs.New("broker/paper.place", errs.CodeRejected,
		errs.WithMessage("insufficient funds for order"),
		errs.WithCategory(errs.CategoryFinancial),
		errs.WithUser("user-1"))
}

func buySignal(strategyID string) signal.Signal {
	return signal.New(strategyID, "RELIANCE", "NSE", signal.ActionBuy,
		decimal.NewFromInt(10), signal.Spec{OrderType: signal.OrderTypeMarket})
}

func TestSignalFlowsToFilledOrder(t *testing.T) {
	eng, store := newTestEngine(t, testSettings())
	subscribe(t, eng, "user-1", "strat-a")

	result, err := eng.ProcessSignal(context.Background(), buySignal("strat-a"))
	if err != nil {
		t.Fatalf("process signal: %v", err)
	}
	if result.OrdersPlaced != 1 {
		t.Fatalf("result = %+v, want 1 placed", result)
	}

	waitFor(t, "order to fill", func() bool {
		return eng.OrderStatistics().ByStatus[order.StatusFilled] == 1
	})

	stats := eng.OrderStatistics()
	if stats.CompletedOrders != 1 || stats.ActiveOrders != 0 {
		t.Fatalf("stats = %+v, want 1 completed, 0 active", stats)
	}
	if records := store.ErrorRecords(); len(records) != 0 {
		t.Fatalf("error records = %d, want 0 on the happy path", len(records))
	}
	if orders := eng.ActiveOrders("user-1"); len(orders) != 0 {
		t.Fatalf("active orders = %d, want 0 after fill", len(orders))
	}
}

func TestFillAuditTrailCoversLifecycle(t *testing.T) {
	eng, store := newTestEngine(t, testSettings())
	subscribe(t, eng, "user-1", "strat-a")

	if _, err := eng.ProcessSignal(context.Background(), buySignal("strat-a")); err != nil {
		t.Fatalf("process signal: %v", err)
	}
	waitFor(t, "order to fill", func() bool {
		return eng.OrderStatistics().ByStatus[order.StatusFilled] == 1
	})

	var orderID string
	for _, tr := range store.TransitionLog() {
		if tr.ToState == order.StatusFilled {
			orderID = tr.OrderID
		}
	}
	if orderID == "" {
		t.Fatal("no FILLED transition in audit store")
	}
	trs, err := store.Transitions(context.Background(), orderID)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(trs) != 5 {
		t.Fatalf("transitions = %d, want 5 for full lifecycle", len(trs))
	}
	if trs[0].FromState != order.StatusCreated || trs[len(trs)-1].ToState != order.StatusFilled {
		t.Fatalf("lifecycle endpoints wrong: %+v", trs)
	}

	ord, ok := eng.Order(orderID)
	if !ok || ord.Status != order.StatusFilled {
		t.Fatalf("order = %+v ok=%v, want FILLED", ord, ok)
	}
	if ord.BrokerOrderID == "" {
		t.Fatal("filled order has no broker order id")
	}
}

func TestBrokerRejectionTerminatesOrderAndNotifiesSafety(t *testing.T) {
	settings := testSettings()
	settings.Broker.RejectRatio = 1.0
	eng, store := newTestEngine(t, settings)
	subscribe(t, eng, "user-1", "strat-a")

	if _, err := eng.ProcessSignal(context.Background(), buySignal("strat-a")); err != nil {
		t.Fatalf("process signal: %v", err)
	}
	waitFor(t, "order rejection", func() bool {
		return eng.OrderStatistics().ByStatus[order.StatusRejected] == 1
	})
	waitFor(t, "safety record", func() bool {
		return len(store.ErrorRecords()) >= 1
	})

	status := eng.SystemStatus()
	if !status.TradingAllowed {
		t.Fatal("a single rejection must not halt trading")
	}
	if status.HandledTotal == 0 {
		t.Fatal("safety handler saw no error")
	}
}

func TestCancelOrderBeforeSettlement(t *testing.T) {
	settings := testSettings()
	settings.Broker.Latency = 300 * time.Millisecond
	eng, _ := newTestEngine(t, settings)
	subscribe(t, eng, "user-1", "strat-a")

	if _, err := eng.ProcessSignal(context.Background(), buySignal("strat-a")); err != nil {
		t.Fatalf("process signal: %v", err)
	}
	orders := eng.ActiveOrders("user-1")
	if len(orders) != 1 || orders[0].Status != order.StatusPlaced {
		t.Fatalf("active orders = %+v, want one PLACED", orders)
	}

	if err := eng.CancelOrder(context.Background(), orders[0].ID); err != nil {
		t.Fatalf("cancel order: %v", err)
	}
	waitFor(t, "order cancellation", func() bool {
		ord, ok := eng.Order(orders[0].ID)
		return ok && ord.Status == order.StatusCancelled
	})
	if eng.OrderStatistics().ByStatus[order.StatusFilled] != 0 {
		t.Fatal("cancelled order still filled")
	}
}

func TestCancelUnknownOrderFails(t *testing.T) {
	eng, _ := newTestEngine(t, testSettings())
	if err := eng.CancelOrder(context.Background(), "missing"); err == nil {
		t.Fatal("cancel succeeded for unknown order")
	}
}

func TestSystemStatusReflectsHaltAndResolution(t *testing.T) {
	eng, _ := newTestEngine(t, testSettings())
	subscribe(t, eng, "user-1", "strat-a")

	// Drive a financial halt through the public surface by rejecting
	// with a shortfall message from the safety rule table.
	eng.safety.HandleError(shortfallErr())
	status := eng.SystemStatus()
	if status.TradingAllowed {
		t.Fatal("status reports trading allowed during halt")
	}
	if len(status.ActiveCriticalErrors) != 1 {
		t.Fatalf("active critical errors = %d, want 1", len(status.ActiveCriticalErrors))
	}

	if _, err := eng.ProcessSignal(context.Background(), buySignal("strat-a")); err == nil {
		t.Fatal("signal accepted during halt")
	}

	if !eng.ResolveError(status.ActiveCriticalErrors[0].ID, "funded") {
		t.Fatal("resolve failed")
	}
	if !eng.SystemStatus().TradingAllowed {
		t.Fatal("trading still halted after resolution")
	}
	if _, err := eng.ProcessSignal(context.Background(), buySignal("strat-a")); err != nil {
		t.Fatalf("signal rejected after resolution: %v", err)
	}
}

// eagerFillGateway publishes the fill before acknowledging placement and
// holds the acknowledgement until the fill has been consumed, so the
// settlement provably lands while the order is still PLACING.
type eagerFillGateway struct {
	bus    eventbus.Bus
	lookup func(orderID string) (order.Order, bool)
}

func (g *eagerFillGateway) Place(_ context.Context, ord order.Order) (broker.PlaceResult, error) {
	evt := eventbus.NewEvent(eventbus.TypeOrderFilled)
	evt.OrderID = ord.ID
	evt.UserID = ord.UserID
	evt.Symbol = ord.Symbol
	evt.Payload = map[string]string{"broker_order_id": "eager-1"}
	g.bus.Publish(evt)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if stored, ok := g.lookup(ord.ID); ok && stored.Status == order.StatusFilled {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return broker.PlaceResult{Accepted: true, BrokerOrderID: "eager-1"}, nil
}

func (g *eagerFillGateway) Cancel(context.Context, string, string) error { return nil }

func TestFillBeforePlacementAckCompletesOrder(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	t.Cleanup(bus.Close)
	gw := new(eagerFillGateway)
	gw.bus = bus
	eng, err := New(Options{Settings: testSettings(), Audit: audit.NewMemoryStore(), Bus: bus, Gateway: gw})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	gw.lookup = eng.Order
	subscribe(t, eng, "user-1", "strat-a")

	result, err := eng.ProcessSignal(context.Background(), buySignal("strat-a"))
	if err != nil {
		t.Fatalf("process signal: %v", err)
	}
	if result.OrdersCreated != 1 {
		t.Fatalf("result = %+v, want 1 created", result)
	}

	waitFor(t, "early fill to complete the order", func() bool {
		return eng.OrderStatistics().ByStatus[order.StatusFilled] == 1
	})
	stats := eng.OrderStatistics()
	if stats.ActiveOrders != 0 || stats.CompletedOrders != 1 {
		t.Fatalf("stats = %+v, want the order completed, not stranded active", stats)
	}

	if active := eng.ActiveOrders("user-1"); len(active) != 0 {
		t.Fatalf("active orders = %+v, want none after fill", active)
	}
}

// settledGateway acknowledges placement but reports the order already gone
// when cancelled, the way a broker does once settlement has raced the cancel.
type settledGateway struct{}

func (settledGateway) Place(context.Context, order.Order) (broker.PlaceResult, error) {
	return broker.PlaceResult{Accepted: true, BrokerOrderID: "gw-1"}, nil
}

func (settledGateway) Cancel(context.Context, string, string) error {
	return errs.New("broker/paper.cancel", errs.CodeNotFound,
		errs.WithCategory(errs.CategoryBrokerConnection),
		errs.WithMessage("no open order gw-1"))
}

func TestCancelRacingSettlementCompletesLocally(t *testing.T) {
	store := audit.NewMemoryStore()
	eng, err := New(Options{Settings: testSettings(), Audit: store, Gateway: settledGateway{}})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	subscribe(t, eng, "user-1", "strat-a")

	if _, err := eng.ProcessSignal(context.Background(), buySignal("strat-a")); err != nil {
		t.Fatalf("process signal: %v", err)
	}
	orders := eng.ActiveOrders("user-1")
	if len(orders) != 1 || orders[0].Status != order.StatusPlaced {
		t.Fatalf("active orders = %+v, want one PLACED", orders)
	}

	if err := eng.CancelOrder(context.Background(), orders[0].ID); err != nil {
		t.Fatalf("cancel against a settled broker order: %v", err)
	}
	ord, ok := eng.Order(orders[0].ID)
	if !ok || ord.Status != order.StatusCancelled {
		t.Fatalf("order = %+v ok=%v, want CANCELLED", ord, ok)
	}
	if active := eng.ActiveOrders("user-1"); len(active) != 0 {
		t.Fatalf("active orders = %d, want 0 after local completion", len(active))
	}
	if records := store.ErrorRecords(); len(records) != 0 {
		t.Fatalf("error records = %d, a settled cancel is not a fault", len(records))
	}
}

func TestForceResumeTradingClearsHalt(t *testing.T) {
	eng, _ := newTestEngine(t, testSettings())
	eng.safety.HandleError(shortfallErr())
	if eng.SystemStatus().TradingAllowed {
		t.Fatal("expected halt")
	}
	eng.ForceResumeTrading()
	if !eng.SystemStatus().TradingAllowed {
		t.Fatal("force resume did not clear the halt")
	}
}
