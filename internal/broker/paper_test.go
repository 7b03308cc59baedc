package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradewire/tradewire/errs"
	"github.com/tradewire/tradewire/internal/eventbus"
	"github.com/tradewire/tradewire/internal/order"
	"github.com/tradewire/tradewire/internal/signal"
)

func testOrder() order.Order {
	return order.Order{
		ID:        "ord-1",
		UserID:    "user-1",
		Symbol:    "RELIANCE",
		Side:      signal.ActionBuy.Side(),
		Quantity:  decimal.NewFromInt(10),
		OrderType: signal.OrderTypeMarket,
		Status:    order.StatusPlacing,
	}
}

func collect(bus *eventbus.MemoryBus, typ eventbus.Type) <-chan eventbus.Event {
	ch := make(chan eventbus.Event, 8)
	bus.Subscribe(typ, func(_ context.Context, evt eventbus.Event) {
		ch <- evt
	})
	return ch
}

func TestPlaceAcknowledgesThenFillsAsynchronously(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	fills := collect(bus, eventbus.TypeOrderFilled)

	gw, err := NewPaper(Config{Kind: KindPaper, OpsPerSecond: 1000}, bus)
	if err != nil {
		t.Fatalf("new paper: %v", err)
	}

	res, err := gw.Place(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !res.Accepted || res.BrokerOrderID == "" {
		t.Fatalf("place result = %+v, want accepted with broker order id", res)
	}

	select {
	case evt := <-fills:
		if evt.OrderID != "ord-1" {
			t.Fatalf("fill order id = %q, want ord-1", evt.OrderID)
		}
		if evt.Payload["broker_order_id"] != res.BrokerOrderID {
			t.Fatalf("fill broker order id = %q, want %q",
				evt.Payload["broker_order_id"], res.BrokerOrderID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fill event after acknowledgement")
	}
}

func TestFullRejectRatioEmitsRejection(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	rejections := collect(bus, eventbus.TypeOrderRejected)

	gw, err := NewPaper(Config{OpsPerSecond: 1000, RejectRatio: 1.0}, bus)
	if err != nil {
		t.Fatalf("new paper: %v", err)
	}
	res, err := gw.Place(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("submission ack = %+v, want accepted; rejection is async", res)
	}

	select {
	case evt := <-rejections:
		if evt.Payload["reason"] == "" {
			t.Fatal("rejection carries no reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no rejection event with reject ratio 1.0")
	}
}

func TestCancelBeforeSettlementSuppressesFill(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	fills := collect(bus, eventbus.TypeOrderFilled)
	cancels := collect(bus, eventbus.TypeOrderCancelled)

	gw, err := NewPaper(Config{OpsPerSecond: 1000, Latency: 200 * time.Millisecond}, bus)
	if err != nil {
		t.Fatalf("new paper: %v", err)
	}
	res, err := gw.Place(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if err := gw.Cancel(context.Background(), res.BrokerOrderID, "regular"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case <-cancels:
	case <-time.After(2 * time.Second):
		t.Fatal("no cancel event")
	}
	gw.Drain()
	select {
	case <-fills:
		t.Fatal("fill emitted for a cancelled order")
	default:
	}
}

func TestCancelUnknownOrderFails(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	gw, err := NewPaper(Config{OpsPerSecond: 1000}, bus)
	if err != nil {
		t.Fatalf("new paper: %v", err)
	}
	err = gw.Cancel(context.Background(), "paper-missing", "regular")
	var e *errs.E
	if !errors.As(err, &e) || e.Code != errs.CodeNotFound {
		t.Fatalf("cancel unknown = %v, want not_found", err)
	}
}

func TestPlaceRespectsContextCancellation(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	// One op per 100 seconds so the second call must wait on the limiter.
	gw, err := NewPaper(Config{OpsPerSecond: 0.01}, bus)
	if err != nil {
		t.Fatalf("new paper: %v", err)
	}
	if _, err := gw.Place(context.Background(), testOrder()); err != nil {
		t.Fatalf("first place: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := gw.Place(ctx, testOrder()); err == nil {
		t.Fatal("second place succeeded despite exhausted limiter and expired context")
	}
}

func TestFactoryRejectsUnknownKind(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	if _, err := New(Config{Kind: "zerodha"}, bus); err == nil {
		t.Fatal("factory accepted an unknown broker kind")
	}
	if _, err := New(Config{Kind: KindPaper}, bus); err != nil {
		t.Fatalf("factory rejected paper kind: %v", err)
	}
}
