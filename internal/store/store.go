// Package store provides the tick sources a backtest replays from.
// Implementations include PostgreSQL (recorded tick tables), CSV exports,
// Redis (read-through chunk cache), and in-memory (for testing).
package store

import (
	"context"

	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/model"
	"github.com/atmx/backtester/internal/tickstream"
)

// Provider opens the two tick sources of an instrument. Each call returns
// a fresh source positioned at the start of the data.
type Provider interface {
	// Trades opens the trade print source for c.
	Trades(ctx context.Context, c contract.Contract) (tickstream.Source[model.TradeTick], error)

	// Quotes opens the top-of-book source for c.
	Quotes(ctx context.Context, c contract.Contract) (tickstream.Source[model.QuoteTick], error)
}
