// Package eventbus delivers best-effort lifecycle notifications.
//
// The bus is for notification only: order state of record always lives in the
// guard's stores, so a dropped event never loses a fill.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Type identifies a lifecycle event category.
type Type string

const (
	// TypeOrderPlaced fires when the broker acknowledges a submission.
	TypeOrderPlaced Type = "ORDER_PLACED"
	// TypeOrderFilled fires when an order is completely executed.
	TypeOrderFilled Type = "ORDER_FILLED"
	// TypeOrderRejected fires when the broker or admission refuses an order.
	TypeOrderRejected Type = "ORDER_REJECTED"
	// TypeOrderCancelled fires when a cancel completes.
	TypeOrderCancelled Type = "ORDER_CANCELLED"
	// TypeTradingPaused fires when the safety handler restricts a scope.
	TypeTradingPaused Type = "TRADING_PAUSED"
	// TypeTradingResumed fires when a restriction clears.
	TypeTradingResumed Type = "TRADING_RESUMED"
)

// Event is a lifecycle notification flowing through the bus.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	OrderID    string            `json:"order_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	StrategyID string            `json:"strategy_id,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	At         time.Time         `json:"at"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// NewEvent stamps a lifecycle event with identity and time.
func NewEvent(typ Type) Event {
	return Event{ID: uuid.NewString(), Type: typ, At: time.Now()}
}

// Handler consumes a single event. Handler failures are isolated by the bus.
type Handler func(ctx context.Context, evt Event)

// Bus accepts lifecycle events and fans them out to subscribed handlers.
type Bus interface {
	Publish(evt Event) bool
	Subscribe(typ Type, handler Handler)
	Close()
}
