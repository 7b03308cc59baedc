// Package order defines the order lifecycle model and its transition table.
package order

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradewire/tradewire/internal/signal"
)

// Status names a state in the order lifecycle.
type Status string

const (
	// StatusCreated is the pre-admission state of a freshly built order.
	StatusCreated Status = "CREATED"
	// StatusPending is an admitted order awaiting submission.
	StatusPending Status = "PENDING"
	// StatusPlacing is an order in flight to the broker.
	StatusPlacing Status = "PLACING"
	// StatusPlaced is an order acknowledged by the broker.
	StatusPlaced Status = "PLACED"
	// StatusFilling is an order receiving partial fills.
	StatusFilling Status = "FILLING"
	// StatusFilled is a completely executed order.
	StatusFilled Status = "FILLED"
	// StatusCancelling is an order with a cancel request in flight.
	StatusCancelling Status = "CANCELLING"
	// StatusCancelled is a successfully cancelled order.
	StatusCancelled Status = "CANCELLED"
	// StatusRejected is an order refused by the broker or admission checks.
	StatusRejected Status = "REJECTED"
)

// transitions is the complete set of valid lifecycle edges. Everything absent is invalid.
var transitions = map[Status][]Status{
	StatusCreated:    {StatusPending},
	StatusPending:    {StatusPlacing, StatusCancelling},
	StatusPlacing:    {StatusPlaced, StatusRejected},
	StatusPlaced:     {StatusFilling, StatusCancelling},
	StatusFilling:    {StatusFilled, StatusRejected},
	StatusCancelling: {StatusCancelled},
}

// CanTransition reports whether from→to is a valid lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status ends the order lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Order is a single user's instance of a fanned-out signal.
type Order struct {
	ID            string             `json:"id"`
	UserID        string             `json:"user_id"`
	StrategyID    string             `json:"strategy_id"`
	SignalID      string             `json:"signal_id"`
	Symbol        string             `json:"symbol"`
	Exchange      string             `json:"exchange"`
	Side          string             `json:"side"`
	Quantity      decimal.Decimal    `json:"quantity"`
	OrderType     signal.OrderType   `json:"order_type"`
	ProductType   signal.ProductType `json:"product_type"`
	Price         decimal.Decimal    `json:"price"`
	TriggerPrice  decimal.Decimal    `json:"trigger_price"`
	Status        Status             `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	LastUpdated   time.Time          `json:"last_updated"`
	BrokerOrderID string             `json:"broker_order_id,omitempty"`
	ErrorMessage  string             `json:"error_message,omitempty"`
}

// Signature identifies at most one active order for duplicate admission.
func (o *Order) Signature() string {
	return BuildSignature(o.SignalID, o.UserID, o.Symbol, o.Side)
}

// BuildSignature constructs the duplicate-detection key for an order.
func BuildSignature(signalID, userID, symbol, side string) string {
	return strings.Join([]string{signalID, userID, symbol, side}, "|")
}

// Request carries everything needed to admit a new order for one user.
type Request struct {
	UserID   string
	Signal   signal.Signal
	Quantity decimal.Decimal
}

// FromRequest builds a CREATED order from an admission request.
func FromRequest(req Request) *Order {
	now := time.Now()
	return &Order{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		StrategyID:   req.Signal.StrategyID,
		SignalID:     req.Signal.ID,
		Symbol:       req.Signal.Symbol,
		Exchange:     req.Signal.Exchange,
		Side:         req.Signal.Action.Side(),
		Quantity:     req.Quantity,
		OrderType:    req.Signal.Spec.OrderType,
		ProductType:  req.Signal.Spec.ProductType,
		Price:        req.Signal.Spec.Price,
		TriggerPrice: req.Signal.Spec.TriggerPrice,
		Status:       StatusCreated,
		CreatedAt:    now,
		LastUpdated:  now,
	}
}

// Transition is an append-only audit record of one lifecycle edge.
type Transition struct {
	TransactionID string            `json:"transaction_id"`
	OrderID       string            `json:"order_id"`
	UserID        string            `json:"user_id"`
	Action        string            `json:"action"`
	FromState     Status            `json:"from_state"`
	ToState       Status            `json:"to_state"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewTransition records the from→to edge for the order with a fresh transaction ID.
func NewTransition(o *Order, from, to Status, action string, metadata map[string]string) Transition {
	return Transition{
		TransactionID: uuid.NewString(),
		OrderID:       o.ID,
		UserID:        o.UserID,
		Action:        action,
		FromState:     from,
		ToState:       to,
		Timestamp:     time.Now(),
		Metadata:      metadata,
	}
}
