// Package broker defines the execution gateway boundary and the known
// gateway implementations.
package broker

import (
	"context"
	"time"

	"github.com/tradewire/tradewire/errs"
	"github.com/tradewire/tradewire/internal/eventbus"
	"github.com/tradewire/tradewire/internal/order"
)

// PlaceResult is the synchronous acknowledgement of a submission. It
// says nothing about the fill, which arrives later on the event bus.
type PlaceResult struct {
	Accepted      bool
	BrokerOrderID string
	Reason        string
}

// Gateway submits orders to a market venue. Implementations rate-limit
// themselves and never retry on their own; the caller decides what a
// failure means.
type Gateway interface {
	Place(ctx context.Context, ord order.Order) (PlaceResult, error)
	Cancel(ctx context.Context, brokerOrderID, variety string) error
}

// Kind names a known gateway implementation.
type Kind string

const (
	// KindPaper simulates fills in process.
	KindPaper Kind = "paper"
)

// Config carries the settings every gateway kind draws from.
type Config struct {
	Kind         Kind
	OpsPerSecond float64
	Latency      time.Duration
	RejectRatio  float64
}

// New resolves a gateway from the closed set of known kinds.
func New(cfg Config, events eventbus.Bus) (Gateway, error) {
	switch cfg.Kind {
	case KindPaper:
		return NewPaper(cfg, events)
	default:
		return nil, errs.New("broker.new", errs.CodeInvalid,
			errs.WithMessage("unknown broker kind: "+string(cfg.Kind)))
	}
}
