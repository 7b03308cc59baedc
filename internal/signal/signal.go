// Package signal defines the immutable trade-intent value object produced by strategies.
package signal

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradewire/tradewire/errs"
)

// Action names the trade intent carried by a signal.
type Action string

const (
	// ActionBuy opens or adds to a long position.
	ActionBuy Action = "BUY"
	// ActionSell opens or adds to a short position.
	ActionSell Action = "SELL"
	// ActionExitLong closes an existing long position.
	ActionExitLong Action = "EXIT_LONG"
	// ActionExitShort closes an existing short position.
	ActionExitShort Action = "EXIT_SHORT"
	// ActionSquareOff flattens every open position for the symbol.
	ActionSquareOff Action = "SQUARE_OFF"
)

// Valid reports whether the action belongs to the closed action set.
func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionExitLong, ActionExitShort, ActionSquareOff:
		return true
	default:
		return false
	}
}

// Side maps the action onto the order side submitted to the broker.
func (a Action) Side() string {
	switch a {
	case ActionBuy, ActionExitShort:
		return "BUY"
	default:
		return "SELL"
	}
}

// OrderType names the execution instruction for the resulting orders.
type OrderType string

const (
	// OrderTypeMarket executes at the prevailing price.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit executes at the limit price or better.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStopLoss arms a stop that converts to a limit order.
	OrderTypeStopLoss OrderType = "SL"
	// OrderTypeStopLossMarket arms a stop that converts to a market order.
	OrderTypeStopLossMarket OrderType = "SL-M"
)

// ProductType names the broker product the orders trade under.
type ProductType string

const (
	// ProductIntraday positions are squared off the same session.
	ProductIntraday ProductType = "MIS"
	// ProductDelivery positions settle into the account.
	ProductDelivery ProductType = "CNC"
	// ProductNormal margin product for derivatives.
	ProductNormal ProductType = "NRML"
)

// Spec carries the order construction parameters attached to a signal.
type Spec struct {
	OrderType    OrderType       `json:"order_type"`
	ProductType  ProductType     `json:"product_type"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
}

// Risk carries the optional risk parameters attached to a signal.
type Risk struct {
	StopLoss   decimal.Decimal `json:"stop_loss"`
	Target     decimal.Decimal `json:"target"`
	TrailingSL decimal.Decimal `json:"trailing_sl"`
}

// Signal is an immutable trade intent fanned out to subscribed users.
type Signal struct {
	ID         string          `json:"id"`
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	Exchange   string          `json:"exchange"`
	Action     Action          `json:"action"`
	Quantity   decimal.Decimal `json:"quantity"`
	Spec       Spec            `json:"spec"`
	Risk       Risk            `json:"risk"`
	// ReferencePrice is the price used for position-value capping during sizing.
	ReferencePrice decimal.Decimal `json:"reference_price"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// DefaultTTL bounds how long a signal without an explicit expiry stays actionable.
const DefaultTTL = 5 * time.Minute

// New constructs a signal with generated ID and default expiry.
func New(strategyID, symbol, exchange string, action Action, quantity decimal.Decimal, spec Spec) Signal {
	now := time.Now()
	return Signal{
		ID:         uuid.NewString(),
		StrategyID: strings.TrimSpace(strategyID),
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Exchange:   strings.ToUpper(strings.TrimSpace(exchange)),
		Action:     action,
		Quantity:   quantity,
		Spec:       spec,
		CreatedAt:  now,
		ExpiresAt:  now.Add(DefaultTTL),
	}
}

// Expired reports whether the signal must not be processed at the given instant.
func (s Signal) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// Validate checks the signal's structural invariants as explicit error values.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errs.New("signal/validate", errs.CodeInvalid, errs.WithMessage("signal id required"))
	}
	if strings.TrimSpace(s.StrategyID) == "" {
		return errs.New("signal/validate", errs.CodeInvalid, errs.WithMessage("strategy id required"))
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return errs.New("signal/validate", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	if !s.Action.Valid() {
		return errs.New("signal/validate", errs.CodeInvalid,
			errs.WithMessage("unknown action "+string(s.Action)))
	}
	if s.Quantity.LessThanOrEqual(decimal.Zero) {
		return errs.New("signal/validate", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	switch s.Spec.OrderType {
	case OrderTypeMarket:
	case OrderTypeLimit:
		if s.Spec.Price.LessThanOrEqual(decimal.Zero) {
			return errs.New("signal/validate", errs.CodeInvalid,
				errs.WithMessage("price required for LIMIT order"))
		}
	case OrderTypeStopLoss:
		if s.Spec.Price.LessThanOrEqual(decimal.Zero) {
			return errs.New("signal/validate", errs.CodeInvalid,
				errs.WithMessage("price required for SL order"))
		}
		if s.Spec.TriggerPrice.LessThanOrEqual(decimal.Zero) {
			return errs.New("signal/validate", errs.CodeInvalid,
				errs.WithMessage("trigger price required for SL order"))
		}
	case OrderTypeStopLossMarket:
		if s.Spec.TriggerPrice.LessThanOrEqual(decimal.Zero) {
			return errs.New("signal/validate", errs.CodeInvalid,
				errs.WithMessage("trigger price required for SL-M order"))
		}
	default:
		return errs.New("signal/validate", errs.CodeInvalid,
			errs.WithMessage("unknown order type "+string(s.Spec.OrderType)))
	}
	return nil
}
