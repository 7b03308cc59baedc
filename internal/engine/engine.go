// Package engine composes the execution core and exposes the
// operational surface. Every service is an explicit instance built at
// construction time and passed by reference; there are no global
// lookups.
package engine

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/tradewire/tradewire/config"
	"github.com/tradewire/tradewire/errs"
	"github.com/tradewire/tradewire/internal/audit"
	"github.com/tradewire/tradewire/internal/broker"
	"github.com/tradewire/tradewire/internal/eventbus"
	"github.com/tradewire/tradewire/internal/fanout"
	"github.com/tradewire/tradewire/internal/guard"
	"github.com/tradewire/tradewire/internal/observability"
	"github.com/tradewire/tradewire/internal/order"
	"github.com/tradewire/tradewire/internal/safety"
	"github.com/tradewire/tradewire/internal/signal"
	"github.com/tradewire/tradewire/internal/subscription"
)

// Options lets callers substitute collaborators; nil fields are built
// from the settings.
type Options struct {
	Settings      config.Settings
	Subscriptions *subscription.Cache
	Gateway       broker.Gateway
	Audit         audit.Store
	Bus           eventbus.Bus
}

// Engine is the in-process execution core.
type Engine struct {
	settings config.Settings
	bus      eventbus.Bus
	subs     *subscription.Cache
	guard    *guard.Manager
	safety   *safety.Handler
	gateway  broker.Gateway
	audit    audit.Store
	executor *fanout.Executor

	auditFailures atomic.Uint64
	ownsBus       bool
}

// New wires the core together.
func New(opts Options) (*Engine, error) {
	settings := opts.Settings

	e := new(Engine)
	e.settings = settings

	e.bus = opts.Bus
	if e.bus == nil {
		e.bus = eventbus.NewMemoryBus(eventbus.MemoryConfig{
			QueueSize:      settings.Eventbus.QueueSize,
			HandlerWorkers: settings.Eventbus.HandlerWorkers,
		})
		e.ownsBus = true
	}

	e.audit = opts.Audit
	if e.audit == nil {
		e.audit = audit.NewMemoryStore()
	}

	e.subs = opts.Subscriptions
	if e.subs == nil {
		e.subs = subscription.NewCache(subscription.CacheConfig{
			Source:          subscription.NewMemorySource(),
			TTL:             settings.Cache.TTL,
			RefreshInterval: settings.Cache.RefreshInterval,
		})
	}

	e.safety = safety.NewHandler(safety.Config{Events: e.bus, OnRecord: e.recordError})
	e.guard = guard.NewManager(guard.Config{
		Shards:           settings.Engine.LockShards,
		MinOrderInterval: settings.Engine.MinOrderInterval,
		OnTransition:     e.recordTransition,
	})

	e.gateway = opts.Gateway
	if e.gateway == nil {
		gw, err := broker.New(broker.Config{
			Kind:         broker.Kind(settings.Broker.Kind),
			OpsPerSecond: settings.Broker.OpsPerSecond,
			Latency:      settings.Broker.Latency,
			RejectRatio:  settings.Broker.RejectRatio,
		}, e.bus)
		if err != nil {
			return nil, err
		}
		e.gateway = gw
	}

	e.executor = fanout.NewExecutor(fanout.Config{
		Subscriptions: e.subs,
		Guard:         e.guard,
		Gateway:       e.gateway,
		Safety:        e.safety,
		Workers:       settings.Engine.FanoutWorkers,
	})

	e.bus.Subscribe(eventbus.TypeOrderFilled, e.onFill)
	e.bus.Subscribe(eventbus.TypeOrderRejected, e.onReject)
	e.bus.Subscribe(eventbus.TypeOrderCancelled, e.onCancel)

	return e, nil
}

// Start launches background reconciliation tasks.
func (e *Engine) Start(ctx context.Context) {
	e.subs.Start(ctx)
}

// Close stops background tasks and, when the engine built the bus,
// drains and closes it.
func (e *Engine) Close() {
	e.subs.Close()
	if paper, ok := e.gateway.(*broker.Paper); ok {
		paper.Drain()
	}
	if e.ownsBus {
		e.bus.Close()
	}
}

// ProcessSignal fans the signal out to subscribed users.
func (e *Engine) ProcessSignal(ctx context.Context, sig signal.Signal) (fanout.Result, error) {
	return e.executor.ProcessSignal(ctx, sig)
}

// CancelOrder withdraws an active order that has not begun filling.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	const op = "engine.cancelOrder"
	ord, ok := e.guard.Get(orderID)
	if !ok {
		return errs.New(op, errs.CodeNotFound, errs.WithMessage("no active order "+orderID))
	}
	if !e.guard.UpdateOrderStatusSafely(orderID, order.StatusCancelling, nil) {
		return errs.New(op, errs.CodeConflict,
			errs.WithMessage("order "+orderID+" not cancellable from "+string(ord.Status)))
	}
	if ord.BrokerOrderID == "" {
		// Never reached the broker; complete the cancel locally.
		e.guard.UpdateOrderStatusSafely(orderID, order.StatusCancelled, nil)
		return nil
	}
	if err := e.gateway.Cancel(ctx, ord.BrokerOrderID, string(ord.ProductType)); err != nil {
		var ee *errs.E
		if errors.As(err, &ee) && ee.Code == errs.CodeNotFound {
			// The broker settled before the cancel arrived. Complete
			// the cancel locally so the order leaves the active set;
			// the in-flight settlement event finds a terminal order.
			e.guard.UpdateOrderStatusSafely(orderID, order.StatusCancelled,
				map[string]string{"error_message": "cancel raced broker settlement"})
			return nil
		}
		e.safety.HandleError(err)
		return err
	}
	return nil
}

// ResolveError marks a handled error resolved.
func (e *Engine) ResolveError(errorID, notes string) bool {
	return e.safety.ResolveError(errorID, notes)
}

// ForceResumeTrading clears every pause. Operator use only.
func (e *Engine) ForceResumeTrading() {
	e.safety.ForceResumeTrading()
}

// Subscriptions exposes the cache for admin enable/disable calls.
func (e *Engine) Subscriptions() *subscription.Cache {
	return e.subs
}

// SystemStatus is the operator view of the core.
type SystemStatus struct {
	safety.Status
	CacheVersion  uint64 `json:"cache_version"`
	EventsDropped uint64 `json:"events_dropped"`
	AuditFailures uint64 `json:"audit_failures"`
}

// SystemStatus reports trading permissions and core health.
func (e *Engine) SystemStatus() SystemStatus {
	status := SystemStatus{
		Status:        e.safety.SystemStatus(),
		CacheVersion:  e.subs.Version(),
		AuditFailures: e.auditFailures.Load(),
	}
	if bus, ok := e.bus.(*eventbus.MemoryBus); ok {
		status.EventsDropped = bus.Dropped()
	}
	return status
}

// OrderStatistics reports guard admission and lifecycle counters.
func (e *Engine) OrderStatistics() guard.Statistics {
	return e.guard.Statistics()
}

// Order returns an order snapshot, active or completed.
func (e *Engine) Order(orderID string) (order.Order, bool) {
	return e.guard.Get(orderID)
}

// ActiveOrders returns the user's non-terminal orders.
func (e *Engine) ActiveOrders(userID string) []order.Order {
	return e.guard.ActiveForUser(userID)
}

// recordTransition persists every applied transition. Audit failures
// are logged and counted, never propagated into trading decisions.
func (e *Engine) recordTransition(ord order.Order, tr order.Transition) {
	ctx := context.Background()
	if err := e.audit.SaveOrder(ctx, ord); err != nil {
		e.noteAuditFailure("order", ord.ID, err)
	}
	if err := e.audit.SaveTransition(ctx, tr); err != nil {
		e.noteAuditFailure("transition", ord.ID, err)
	}
	if tr.ToState == order.StatusPlaced {
		evt := eventbus.NewEvent(eventbus.TypeOrderPlaced)
		evt.OrderID = ord.ID
		evt.UserID = ord.UserID
		evt.StrategyID = ord.StrategyID
		evt.Symbol = ord.Symbol
		e.bus.Publish(evt)
	}
}

func (e *Engine) recordError(rec safety.Record) {
	if err := e.audit.SaveErrorRecord(context.Background(), rec); err != nil {
		e.noteAuditFailure("error_record", rec.ID, err)
	}
}

func (e *Engine) noteAuditFailure(kind, orderID string, err error) {
	e.auditFailures.Add(1)
	observability.Log().Error("engine: audit write failed",
		observability.String("kind", kind),
		observability.String("order_id", orderID),
		observability.Err(err))
	observability.Telemetry().IncCounter("audit.write.failures", 1,
		map[string]string{"kind": kind})
}

// onFill drives an order through FILLING to FILLED when the broker
// reports execution. Settlement can outrun the caller's placement
// bookkeeping, so a still-PLACING order is stepped through PLACED
// first rather than losing the fill.
func (e *Engine) onFill(_ context.Context, evt eventbus.Event) {
	if evt.OrderID == "" {
		return
	}
	ord, ok := e.guard.Get(evt.OrderID)
	if !ok || ord.Status.Terminal() {
		return
	}
	if ord.Status == order.StatusPlacing {
		e.guard.UpdateOrderStatusSafely(evt.OrderID, order.StatusPlaced, evt.Payload)
	}
	if !e.guard.UpdateOrderStatusSafely(evt.OrderID, order.StatusFilling, evt.Payload) {
		return
	}
	e.guard.UpdateOrderStatusSafely(evt.OrderID, order.StatusFilled, evt.Payload)
}

func (e *Engine) onReject(_ context.Context, evt eventbus.Event) {
	if evt.OrderID == "" {
		return
	}
	metadata := map[string]string{"error_message": evt.Payload["reason"]}
	ord, ok := e.guard.Get(evt.OrderID)
	if !ok {
		return
	}
	// A rejection after acknowledgement arrives while the order is
	// PLACED; step it through FILLING to reach the terminal edge.
	if ord.Status == order.StatusPlaced {
		if !e.guard.UpdateOrderStatusSafely(evt.OrderID, order.StatusFilling, nil) {
			return
		}
	}
	e.guard.UpdateOrderStatusSafely(evt.OrderID, order.StatusRejected, metadata)
	e.safety.HandleError(errs.New("engine.onReject", errs.CodeRejected,
		errs.WithCategory(errs.CategoryOrderExecution),
		errs.WithMessage("order rejected by broker"),
		errs.WithUser(evt.UserID), errs.WithSymbol(evt.Symbol)))
}

func (e *Engine) onCancel(_ context.Context, evt eventbus.Event) {
	if evt.OrderID == "" {
		return
	}
	ord, ok := e.guard.Get(evt.OrderID)
	if !ok || ord.Status.Terminal() {
		return
	}
	if ord.Status != order.StatusCancelling {
		if !e.guard.UpdateOrderStatusSafely(evt.OrderID, order.StatusCancelling, nil) {
			return
		}
	}
	e.guard.UpdateOrderStatusSafely(evt.OrderID, order.StatusCancelled, evt.Payload)
}
