// Package strategy defines the contract between the backtest scheduler and
// the trading logic it drives.
package strategy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/backtester/internal/event"
	"github.com/atmx/backtester/internal/model"
)

// Strategy receives a step's events one at a time, then returns the order
// actions it wants routed to the markets.
type Strategy interface {
	SetTime(t time.Time) []OrderAction
	OnPendingTickers(tickers []model.Ticker)
	OnNewOrderEvent(trade *model.Trade)
	OnFill(trade *model.Trade, fill model.Fill)
	OnPnL(pnl model.PnL)
	OnCalendarEvent(ev event.CalendarEvent)
}

// ActionKind distinguishes placements from cancellations.
type ActionKind int8

const (
	Place ActionKind = iota
	Cancel
)

func (k ActionKind) String() string {
	if k == Cancel {
		return "cancel"
	}
	return "place"
}

// OrderAction is a strategy's request to place or cancel an order.
type OrderAction struct {
	Kind  ActionKind
	Order *model.Order
}

// PlaceOrder requests that o start resting.
func PlaceOrder(o *model.Order) OrderAction { return OrderAction{Kind: Place, Order: o} }

// CancelOrder requests that a resting o be cancelled.
func CancelOrder(o *model.Order) OrderAction { return OrderAction{Kind: Cancel, Order: o} }

// Dispatch routes ev to the matching callback of s. An event type without a
// case here is a programming error and panics.
func Dispatch(s Strategy, ev event.Event) {
	switch e := ev.(type) {
	case event.CalendarEvent:
		s.OnCalendarEvent(e)
	case event.FillEvent:
		s.OnFill(e.Trade, e.Fill)
	case event.PendingTickersEvent:
		s.OnPendingTickers(e.Tickers)
	case event.PnLEvent:
		s.OnPnL(e.PnL)
	case event.OrderEvent:
		s.OnNewOrderEvent(e.Trade)
	default:
		panic(fmt.Sprintf("strategy: no dispatch for event type %T", ev))
	}
}

// Base implements Strategy with no-ops. Embed it to override selectively.
type Base struct{}

func (Base) SetTime(time.Time) []OrderAction      { return nil }
func (Base) OnPendingTickers([]model.Ticker)      {}
func (Base) OnNewOrderEvent(*model.Trade)         {}
func (Base) OnFill(*model.Trade, model.Fill)      {}
func (Base) OnPnL(model.PnL)                      {}
func (Base) OnCalendarEvent(event.CalendarEvent) {}

// Logged wraps a strategy and logs every callback at debug level.
type Logged struct {
	inner Strategy
	log   *slog.Logger
}

// WithLogging wraps inner so its callbacks are logged to l.
func WithLogging(inner Strategy, l *slog.Logger) *Logged {
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &Logged{inner: inner, log: l.With("component", "strategy")}
}

func (s *Logged) SetTime(t time.Time) []OrderAction {
	actions := s.inner.SetTime(t)
	for _, a := range actions {
		s.log.Info("order action", "time", t, "action", a.Kind.String(),
			"contract", a.Order.Contract.Key(), "side", a.Order.Side.String(), "qty", a.Order.Quantity)
	}
	return actions
}

func (s *Logged) OnPendingTickers(tickers []model.Ticker) {
	s.log.Debug("pending tickers", "count", len(tickers))
	s.inner.OnPendingTickers(tickers)
}

func (s *Logged) OnNewOrderEvent(trade *model.Trade) {
	s.log.Info("order event", "order", trade.Order.ID, "status", trade.Order.Status.String())
	s.inner.OnNewOrderEvent(trade)
}

func (s *Logged) OnFill(trade *model.Trade, fill model.Fill) {
	s.log.Info("fill",
		"order", trade.Order.ID,
		"side", fill.Side.String(),
		"qty", fill.Quantity,
		"price", fill.Price.String(),
		"remaining", trade.Remaining(),
	)
	s.inner.OnFill(trade, fill)
}

func (s *Logged) OnPnL(pnl model.PnL) {
	s.log.Debug("pnl", "contract", pnl.Contract.Key(), "position", pnl.Position,
		"unrealized", pnl.Unrealized.String())
	s.inner.OnPnL(pnl)
}

func (s *Logged) OnCalendarEvent(ev event.CalendarEvent) {
	s.log.Info("calendar", "contract", ev.Contract.Key(), "open", ev.Open, "time", ev.Time)
	s.inner.OnCalendarEvent(ev)
}
