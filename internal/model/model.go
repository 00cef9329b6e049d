// Package model defines the core domain types shared across the backtester.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtester/internal/contract"
)

// Side is the direction of an order or fill.
type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() int64 { return int64(s) }

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return fmt.Sprintf("Side(%d)", int8(s))
}

func (s Side) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// TradeTick is one recorded trade print.
type TradeTick struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
	Size  int64           `json:"size"`
}

func (t TradeTick) Timestamp() time.Time { return t.Time }

// QuoteTick is one recorded top-of-book change.
type QuoteTick struct {
	Time    time.Time       `json:"time"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize int64           `json:"bid_size"`
	AskSize int64           `json:"ask_size"`
}

func (q QuoteTick) Timestamp() time.Time { return q.Time }

// TopOfBook is the best bid/ask snapshot of one instrument.
type TopOfBook struct {
	Time    time.Time       `json:"time"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize int64           `json:"bid_size"`
	AskSize int64           `json:"ask_size"`
}

// BookFromQuote builds a snapshot from a quote tick.
func BookFromQuote(q QuoteTick) TopOfBook {
	return TopOfBook{Time: q.Time, Bid: q.Bid, Ask: q.Ask, BidSize: q.BidSize, AskSize: q.AskSize}
}

// Valid reports whether both sides carry a price.
func (b TopOfBook) Valid() bool {
	return b.Bid.IsPositive() && b.Ask.IsPositive()
}

// Crossed reports a bid above the ask, which recorded data occasionally shows.
func (b TopOfBook) Crossed() bool {
	return b.Valid() && b.Bid.GreaterThan(b.Ask)
}

// Touch returns the price and size an order on the given side trades against:
// buys lift the ask, sells hit the bid.
func (b TopOfBook) Touch(side Side) (decimal.Decimal, int64) {
	if side == Buy {
		return b.Ask, b.AskSize
	}
	return b.Bid, b.BidSize
}

// Ticker bundles the ticks one instrument received in one step.
type Ticker struct {
	Contract contract.Contract `json:"contract"`
	Time     time.Time         `json:"time"`
	Trades   []TradeTick       `json:"trades,omitempty"`
	Quotes   []QuoteTick       `json:"quotes,omitempty"`
}

// PnL is a mark-to-market snapshot of one position. Never persisted.
type PnL struct {
	Contract   contract.Contract `json:"contract"`
	Time       time.Time         `json:"time"`
	Position   int64             `json:"position"`
	AvgCost    decimal.Decimal   `json:"avg_cost"`
	Bid        decimal.Decimal   `json:"bid"`
	Ask        decimal.Decimal   `json:"ask"`
	Unrealized decimal.Decimal   `json:"unrealized_pnl"`
	Realized   decimal.Decimal   `json:"realized_pnl"`
	Value      decimal.Decimal   `json:"value"`
}
