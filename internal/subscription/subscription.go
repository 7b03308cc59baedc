// Package subscription maps strategies to subscribed users and their
// per-user execution parameters.
package subscription

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradewire/tradewire/errs"
)

// Entry holds one user's execution parameters for one strategy.
type Entry struct {
	UserID             string          `json:"user_id"`
	StrategyID         string          `json:"strategy_id"`
	Enabled            bool            `json:"enabled"`
	QuantityMultiplier decimal.Decimal `json:"quantity_multiplier"`
	MaxPositionValue   decimal.Decimal `json:"max_position_value"`
	RiskMultiplier     decimal.Decimal `json:"risk_multiplier"`
}

// Normalize fills defaults for unset multipliers.
func (e Entry) Normalize() Entry {
	if e.QuantityMultiplier.IsZero() {
		e.QuantityMultiplier = decimal.NewFromInt(1)
	}
	if e.RiskMultiplier.IsZero() {
		e.RiskMultiplier = decimal.NewFromInt(1)
	}
	e.UserID = strings.TrimSpace(e.UserID)
	e.StrategyID = strings.TrimSpace(e.StrategyID)
	return e
}

// Validate reports whether the entry identifies a real pair with sane
// parameters.
func (e Entry) Validate() error {
	const op = "subscription/entry.validate"
	if e.UserID == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	if e.StrategyID == "" {
		return errs.New(op, errs.CodeInvalid, errs.WithMessage("strategy id required"))
	}
	if e.QuantityMultiplier.IsNegative() {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("quantity multiplier must not be negative"),
			errs.WithUser(e.UserID), errs.WithStrategy(e.StrategyID))
	}
	if e.MaxPositionValue.IsNegative() {
		return errs.New(op, errs.CodeInvalid,
			errs.WithMessage("max position value must not be negative"),
			errs.WithUser(e.UserID), errs.WithStrategy(e.StrategyID))
	}
	return nil
}
