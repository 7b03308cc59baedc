package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tradewire/tradewire/errs"
	"github.com/tradewire/tradewire/internal/eventbus"
	"github.com/tradewire/tradewire/internal/observability"
	"github.com/tradewire/tradewire/internal/order"
)

// Paper simulates a broker in process. Submissions are acknowledged
// synchronously; fills and rejections arrive on the event bus after the
// configured latency.
type Paper struct {
	events  eventbus.Bus
	limiter *rate.Limiter
	latency time.Duration
	reject  float64

	mu   sync.Mutex
	rng  *rand.Rand
	open map[string]order.Order
	wg   sync.WaitGroup
}

// NewPaper builds a paper gateway from cfg.
func NewPaper(cfg Config, events eventbus.Bus) (*Paper, error) {
	if events == nil {
		return nil, errs.New("broker/paper.new", errs.CodeInvalid,
			errs.WithMessage("event bus required"))
	}
	ops := cfg.OpsPerSecond
	if ops <= 0 {
		ops = 10
	}
	p := new(Paper)
	p.events = events
	p.limiter = rate.NewLimiter(rate.Limit(ops), 1)
	p.latency = cfg.Latency
	p.reject = cfg.RejectRatio
	p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	p.open = make(map[string]order.Order)
	return p, nil
}

// Place acknowledges the submission after the rate limiter admits it,
// then settles the fill or rejection asynchronously.
func (p *Paper) Place(ctx context.Context, ord order.Order) (PlaceResult, error) {
	const op = "broker/paper.place"
	if err := p.limiter.Wait(ctx); err != nil {
		return PlaceResult{}, errs.New(op, errs.CodeUnavailable,
			errs.WithCategory(errs.CategoryBrokerConnection),
			errs.WithMessage("rate limiter wait aborted"),
			errs.WithCause(err), errs.WithUser(ord.UserID), errs.WithSymbol(ord.Symbol))
	}
	if !ord.Quantity.IsPositive() {
		return PlaceResult{Accepted: false, Reason: "quantity must be positive"}, nil
	}

	brokerOrderID := "paper-" + uuid.NewString()
	p.mu.Lock()
	rejected := p.reject > 0 && p.rng.Float64() < p.reject
	p.open[brokerOrderID] = ord
	p.mu.Unlock()

	p.wg.Add(1)
	go p.settle(brokerOrderID, ord, rejected)

	return PlaceResult{Accepted: true, BrokerOrderID: brokerOrderID}, nil
}

func (p *Paper) settle(brokerOrderID string, ord order.Order, rejected bool) {
	defer p.wg.Done()
	if p.latency > 0 {
		time.Sleep(p.latency)
	}

	p.mu.Lock()
	_, stillOpen := p.open[brokerOrderID]
	delete(p.open, brokerOrderID)
	p.mu.Unlock()
	if !stillOpen {
		// Cancelled before settlement; the cancel path already announced it.
		return
	}

	typ := eventbus.TypeOrderFilled
	payload := map[string]string{"broker_order_id": brokerOrderID}
	if rejected {
		typ = eventbus.TypeOrderRejected
		payload["reason"] = "rejected by broker"
	} else if !ord.Price.IsZero() {
		payload["fill_price"] = ord.Price.String()
	}

	evt := eventbus.NewEvent(typ)
	evt.OrderID = ord.ID
	evt.UserID = ord.UserID
	evt.StrategyID = ord.StrategyID
	evt.Symbol = ord.Symbol
	evt.Payload = payload
	p.events.Publish(evt)
}

// Cancel withdraws an unsettled order and announces the cancellation.
func (p *Paper) Cancel(_ context.Context, brokerOrderID, _ string) error {
	const op = "broker/paper.cancel"
	p.mu.Lock()
	ord, ok := p.open[brokerOrderID]
	delete(p.open, brokerOrderID)
	p.mu.Unlock()
	if !ok {
		return errs.New(op, errs.CodeNotFound,
			errs.WithMessage("no open order for broker order id"))
	}

	evt := eventbus.NewEvent(eventbus.TypeOrderCancelled)
	evt.OrderID = ord.ID
	evt.UserID = ord.UserID
	evt.StrategyID = ord.StrategyID
	evt.Symbol = ord.Symbol
	evt.Payload = map[string]string{"broker_order_id": brokerOrderID}
	p.events.Publish(evt)
	observability.Log().Info("broker: order cancelled",
		observability.String("order_id", ord.ID),
		observability.String("broker_order_id", brokerOrderID))
	return nil
}

// Drain waits for every in-flight settlement to finish. Used on
// shutdown and in tests.
func (p *Paper) Drain() {
	p.wg.Wait()
}
