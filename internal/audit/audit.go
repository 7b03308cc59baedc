// Package audit is the append-only persistence boundary for orders,
// their transitions, and handled errors. Writes here never block or
// roll back a trading decision.
package audit

import (
	"context"

	"github.com/tradewire/tradewire/internal/order"
	"github.com/tradewire/tradewire/internal/safety"
)

// Store appends audit records. Implementations must tolerate repeated
// writes of the same order id by keeping the latest snapshot.
type Store interface {
	SaveOrder(ctx context.Context, ord order.Order) error
	SaveTransition(ctx context.Context, tr order.Transition) error
	SaveErrorRecord(ctx context.Context, rec safety.Record) error
	Transitions(ctx context.Context, orderID string) ([]order.Transition, error)
}
