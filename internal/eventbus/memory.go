package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/tradewire/tradewire/internal/observability"
)

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	QueueSize      int
	HandlerWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.HandlerWorkers <= 0 {
		c.HandlerWorkers = 4
	}
	return c
}

// MemoryBus is a bounded, in-memory implementation of the bus. A single
// dispatch loop drains the queue; handlers for one event run concurrently.
type MemoryBus struct {
	cfg    MemoryConfig
	ctx    context.Context
	cancel context.CancelFunc

	queue chan Event

	mu       sync.RWMutex
	closed   bool
	handlers map[Type][]Handler

	dropped   atomic.Uint64
	delivered atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryBus constructs and starts a memory bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.queue = make(chan Event, cfg.QueueSize)
	bus.handlers = make(map[Type][]Handler)
	bus.done = make(chan struct{})
	go bus.dispatchLoop()
	return bus
}

// Publish enqueues the event without blocking. On overflow the event is
// dropped, the drop counter increments, and a warning is logged; publishers
// are never stalled by slow subscribers.
func (b *MemoryBus) Publish(evt Event) bool {
	if evt.Type == "" {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.queue <- evt:
		return true
	default:
		b.dropped.Add(1)
		observability.Log().Warn("eventbus: queue full, event dropped",
			observability.String("type", string(evt.Type)),
			observability.String("order_id", evt.OrderID))
		observability.Telemetry().IncCounter("eventbus.events.dropped", 1,
			map[string]string{"type": string(evt.Type)})
		return false
	}
}

// Subscribe registers a handler for the event type.
func (b *MemoryBus) Subscribe(typ Type, handler Handler) {
	if typ == "" || handler == nil {
		return
	}
	b.mu.Lock()
	b.handlers[typ] = append(b.handlers[typ], handler)
	b.mu.Unlock()
}

// Close stops the dispatch loop after the queue drains.
func (b *MemoryBus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.queue)
		<-b.done
		b.cancel()
	})
}

// Dropped reports how many events were discarded on overflow.
func (b *MemoryBus) Dropped() uint64 { return b.dropped.Load() }

// Delivered reports how many events reached at least one handler.
func (b *MemoryBus) Delivered() uint64 { return b.delivered.Load() }

func (b *MemoryBus) dispatchLoop() {
	defer close(b.done)
	for evt := range b.queue {
		b.mu.RLock()
		handlers := make([]Handler, len(b.handlers[evt.Type]))
		copy(handlers, b.handlers[evt.Type])
		b.mu.RUnlock()

		if len(handlers) == 0 {
			continue
		}

		p := concpool.New().WithMaxGoroutines(b.cfg.HandlerWorkers)
		for _, handler := range handlers {
			h := handler
			e := evt
			p.Go(func() {
				defer func() {
					if r := recover(); r != nil {
						observability.Log().Error("eventbus: handler panic isolated",
							observability.String("type", string(e.Type)),
							observability.Field{Key: "panic", Value: r})
					}
				}()
				h(b.ctx, e)
			})
		}
		p.Wait()
		b.delivered.Add(1)
	}
}
