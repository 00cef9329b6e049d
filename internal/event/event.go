// Package event defines the closed set of events a backtest delivers to a
// strategy. The set is sealed: only types in this package satisfy Event.
package event

import (
	"time"

	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/model"
)

// Event is one item of a step's event batch.
type Event interface {
	EventTime() time.Time
	Kind() string
	sealed()
}

// CalendarEvent marks a market opening or closing. Edge-triggered.
type CalendarEvent struct {
	Time     time.Time         `json:"time"`
	Contract contract.Contract `json:"contract"`
	Open     bool              `json:"open"`
}

// FillEvent carries one execution and the trade it belongs to.
type FillEvent struct {
	Time  time.Time    `json:"time"`
	Trade *model.Trade `json:"-"`
	Fill  model.Fill   `json:"fill"`
}

// PendingTickersEvent bundles every instrument's ticks for one step.
type PendingTickersEvent struct {
	Time    time.Time      `json:"time"`
	Tickers []model.Ticker `json:"tickers"`
}

// PnLEvent carries one mark-to-market snapshot.
type PnLEvent struct {
	Time time.Time `json:"time"`
	PnL  model.PnL `json:"pnl"`
}

// OrderEventKind is the acknowledgement carried by an OrderEvent.
type OrderEventKind int8

const (
	OrderReceived OrderEventKind = iota
	OrderCancelled
	OrderRejected
)

func (k OrderEventKind) String() string {
	switch k {
	case OrderCancelled:
		return "cancelled"
	case OrderRejected:
		return "rejected"
	}
	return "received"
}

// OrderEvent acknowledges an order action taken on the previous step.
type OrderEvent struct {
	Time   time.Time      `json:"time"`
	Trade  *model.Trade   `json:"-"`
	Ack    OrderEventKind `json:"-"`
	Reason string         `json:"reason,omitempty"`
}

func (e CalendarEvent) EventTime() time.Time       { return e.Time }
func (e FillEvent) EventTime() time.Time           { return e.Time }
func (e PendingTickersEvent) EventTime() time.Time { return e.Time }
func (e PnLEvent) EventTime() time.Time            { return e.Time }
func (e OrderEvent) EventTime() time.Time          { return e.Time }

func (CalendarEvent) Kind() string       { return "calendar" }
func (FillEvent) Kind() string           { return "fill" }
func (PendingTickersEvent) Kind() string { return "tickers" }
func (PnLEvent) Kind() string            { return "pnl" }
func (OrderEvent) Kind() string          { return "order" }

func (CalendarEvent) sealed()       {}
func (FillEvent) sealed()           {}
func (PendingTickersEvent) sealed() {}
func (PnLEvent) sealed()            {}
func (OrderEvent) sealed()          {}
