// Package fanout expands one strategy signal into per-user orders and
// dispatches their placement in parallel.
package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/tradewire/tradewire/errs"
	"github.com/tradewire/tradewire/internal/broker"
	"github.com/tradewire/tradewire/internal/guard"
	"github.com/tradewire/tradewire/internal/observability"
	"github.com/tradewire/tradewire/internal/order"
	"github.com/tradewire/tradewire/internal/safety"
	"github.com/tradewire/tradewire/internal/signal"
	"github.com/tradewire/tradewire/internal/subscription"
)

// Result aggregates what one signal produced.
type Result struct {
	Success       bool   `json:"success"`
	SignalID      string `json:"signal_id"`
	UsersFound    int    `json:"users_found"`
	OrdersCreated int    `json:"orders_created"`
	OrdersPlaced  int    `json:"orders_placed"`
	Error         string `json:"error,omitempty"`
}

// Config wires the executor's collaborators.
type Config struct {
	Subscriptions *subscription.Cache
	Guard         *guard.Manager
	Gateway       broker.Gateway
	Safety        *safety.Handler
	Workers       int
	Clock         func() time.Time
}

// Executor is the sole entry point from strategy execution into order
// creation. One user's failure never aborts the others; it is reported
// to the safety handler with the user attached.
type Executor struct {
	subs    *subscription.Cache
	guard   *guard.Manager
	gateway broker.Gateway
	safety  *safety.Handler
	workers int
	now     func() time.Time
}

// NewExecutor constructs the executor.
func NewExecutor(cfg Config) *Executor {
	e := new(Executor)
	e.subs = cfg.Subscriptions
	e.guard = cfg.Guard
	e.gateway = cfg.Gateway
	e.safety = cfg.Safety
	e.workers = cfg.Workers
	if e.workers <= 0 {
		e.workers = 16
	}
	e.now = cfg.Clock
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// ProcessSignal fans the signal out to every enabled subscriber. An
// expired signal short-circuits before any subscription lookup.
func (e *Executor) ProcessSignal(ctx context.Context, sig signal.Signal) (Result, error) {
	const op = "fanout/executor.processSignal"
	result := Result{SignalID: sig.ID}

	if err := sig.Validate(); err != nil {
		result.Error = err.Error()
		return result, err
	}
	if sig.Expired(e.now()) {
		result.Success = true
		observability.Log().Info("fanout: signal expired, skipping",
			observability.String("signal_id", sig.ID),
			observability.String("strategy_id", sig.StrategyID))
		return result, nil
	}
	if !e.safety.ShouldAllowTrading("", sig.StrategyID, sig.Symbol) {
		err := errs.New(op, errs.CodeHalted,
			errs.WithMessage("trading halted for scope"),
			errs.WithStrategy(sig.StrategyID), errs.WithSymbol(sig.Symbol))
		result.Error = err.Error()
		return result, err
	}

	users, err := e.subs.Subscribers(ctx, sig.StrategyID)
	if err != nil {
		e.safety.HandleError(err)
		result.Error = err.Error()
		return result, err
	}
	result.UsersFound = len(users)
	if len(users) == 0 {
		result.Success = true
		return result, nil
	}

	started := e.now()
	var created, placed atomic.Int64
	p := concpool.New().WithMaxGoroutines(e.workers)
	for _, userID := range users {
		uid := userID
		p.Go(func() {
			ok, didPlace := e.processUser(ctx, uid, sig)
			if ok {
				created.Add(1)
			}
			if didPlace {
				placed.Add(1)
			}
		})
	}
	p.Wait()

	result.OrdersCreated = int(created.Load())
	result.OrdersPlaced = int(placed.Load())
	result.Success = true
	observability.Log().Info("fanout: signal processed",
		observability.String("signal_id", sig.ID),
		observability.String("strategy_id", sig.StrategyID),
		observability.Int("users_found", result.UsersFound),
		observability.Int("orders_created", result.OrdersCreated),
		observability.Int("orders_placed", result.OrdersPlaced))
	observability.Telemetry().ObserveHistogram("fanout.signal.duration_ms",
		float64(e.now().Sub(started).Milliseconds()),
		map[string]string{"strategy_id": sig.StrategyID})
	return result, nil
}

// processUser reports (orderCreated, orderPlaced) for one subscriber.
func (e *Executor) processUser(ctx context.Context, userID string, sig signal.Signal) (bool, bool) {
	if !e.safety.ShouldAllowTrading(userID, sig.StrategyID, sig.Symbol) {
		return false, false
	}

	entry, ok, err := e.subs.Config(ctx, userID, sig.StrategyID)
	if err != nil {
		e.safety.HandleError(errs.New("fanout/executor.config", errs.CodeUnavailable,
			errs.WithMessage("subscription lookup failed"),
			errs.WithCause(err), errs.WithUser(userID), errs.WithStrategy(sig.StrategyID)))
		return false, false
	}
	if !ok || !entry.Enabled {
		return false, false
	}

	quantity := effectiveQuantity(sig, entry)
	if !quantity.IsPositive() {
		return false, false
	}

	ord, err := e.guard.CreateOrderSafely(ctx, order.Request{
		UserID:   userID,
		Signal:   sig,
		Quantity: quantity,
	})
	if err != nil {
		// Duplicates and rate limits are expected admission outcomes,
		// not faults.
		if code := codeOf(err); code != errs.CodeDuplicate && code != errs.CodeRateLimited {
			e.safety.HandleError(err)
		}
		return false, false
	}

	return true, e.place(ctx, ord)
}

func (e *Executor) place(ctx context.Context, ord order.Order) bool {
	if !e.guard.UpdateOrderStatusSafely(ord.ID, order.StatusPlacing, nil) {
		return false
	}

	res, err := e.gateway.Place(ctx, ord)
	if err != nil {
		e.guard.UpdateOrderStatusSafely(ord.ID, order.StatusRejected,
			map[string]string{"error_message": err.Error()})
		e.safety.HandleError(err)
		return false
	}
	if !res.Accepted {
		e.guard.UpdateOrderStatusSafely(ord.ID, order.StatusRejected,
			map[string]string{"error_message": res.Reason})
		e.safety.HandleError(errs.New("fanout/executor.place", errs.CodeRejected,
			errs.WithCategory(errs.CategoryOrderExecution),
			errs.WithMessage("order rejected: "+res.Reason),
			errs.WithUser(ord.UserID), errs.WithSymbol(ord.Symbol)))
		return false
	}

	e.guard.UpdateOrderStatusSafely(ord.ID, order.StatusPlaced,
		map[string]string{"broker_order_id": res.BrokerOrderID})
	return true
}

// effectiveQuantity scales the base quantity by the user's multiplier
// and caps it by the configured position value at the reference price.
func effectiveQuantity(sig signal.Signal, entry subscription.Entry) decimal.Decimal {
	quantity := sig.Quantity.Mul(entry.QuantityMultiplier).Round(0)
	if entry.MaxPositionValue.IsPositive() && sig.ReferencePrice.IsPositive() {
		limit := entry.MaxPositionValue.Div(sig.ReferencePrice).Floor()
		if quantity.GreaterThan(limit) {
			quantity = limit
		}
	}
	return quantity
}

func codeOf(err error) errs.Code {
	var e *errs.E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
