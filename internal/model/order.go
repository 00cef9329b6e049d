package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtester/internal/contract"
)

var (
	// ErrOverfill marks a fill that would push filled quantity past the
	// order quantity. It is raised through panic: accounting downstream
	// depends on the invariant holding exactly.
	ErrOverfill = errors.New("model: fill exceeds remaining order quantity")

	// ErrStatusRegression marks an order status moving backwards.
	ErrStatusRegression = errors.New("model: order status cannot move backwards")
)

// OrderKind selects the matching rule for an order.
type OrderKind int8

const (
	Market OrderKind = iota
	Limit
)

func (k OrderKind) String() string {
	if k == Limit {
		return "LIMIT"
	}
	return "MARKET"
}

func (k OrderKind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

// OrderStatus is the lifecycle state of an order.
type OrderStatus int8

const (
	Pending OrderStatus = iota
	Submitted
	PartiallyFilled
	Filled
	Cancelled
	Rejected
)

var statusNames = [...]string{"PENDING", "SUBMITTED", "PARTIALLY_FILLED", "FILLED", "CANCELLED", "REJECTED"}

func (s OrderStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("OrderStatus(%d)", int8(s))
}

func (s OrderStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == Filled || s == Cancelled || s == Rejected
}

// Order is a strategy-submitted intent. Quantity is fixed after creation.
type Order struct {
	ID         string            `json:"id"`
	Contract   contract.Contract `json:"contract"`
	Side       Side              `json:"side"`
	Quantity   int64             `json:"quantity"`
	Kind       OrderKind         `json:"kind"`
	LimitPrice decimal.Decimal   `json:"limit_price"`
	Status     OrderStatus       `json:"status"`
	Created    time.Time         `json:"created"`
}

// NewMarketOrder creates a pending market order.
func NewMarketOrder(c contract.Contract, side Side, qty int64) *Order {
	return &Order{Contract: c, Side: side, Quantity: qty, Kind: Market}
}

// NewLimitOrder creates a pending limit order.
func NewLimitOrder(c contract.Contract, side Side, qty int64, price decimal.Decimal) *Order {
	return &Order{Contract: c, Side: side, Quantity: qty, Kind: Limit, LimitPrice: price}
}

// SetStatus moves the order forward. Terminal states accept nothing;
// Cancelled and Rejected are reachable from any live state.
func (o *Order) SetStatus(s OrderStatus) {
	if o.Status == s && !s.IsTerminal() {
		return
	}
	if o.Status.IsTerminal() || (s < o.Status && s != Cancelled && s != Rejected) {
		panic(fmt.Errorf("%w: order %s %s -> %s", ErrStatusRegression, o.ID, o.Status, s))
	}
	o.Status = s
}

// Marketable reports whether a limit order may trade at price.
// Market orders always may.
func (o *Order) Marketable(price decimal.Decimal) bool {
	if o.Kind == Market {
		return true
	}
	if o.Side == Buy {
		return o.LimitPrice.GreaterThanOrEqual(price)
	}
	return o.LimitPrice.LessThanOrEqual(price)
}

// Fill is one execution against an order. Immutable once created.
type Fill struct {
	Time     time.Time       `json:"time"`
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Side     Side            `json:"side"`
}

// Signed returns the quantity with the side's sign applied.
func (f Fill) Signed() int64 { return f.Quantity * f.Side.Sign() }

// TradeLogEntry records one lifecycle step of a trade.
type TradeLogEntry struct {
	Time    time.Time   `json:"time"`
	Status  OrderStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// Trade wraps the execution lifecycle of one order.
type Trade struct {
	Order  *Order          `json:"order"`
	Fills  []Fill          `json:"fills"`
	Filled int64           `json:"filled"`
	Log    []TradeLogEntry `json:"log"`
}

// NewTrade wraps an order.
func NewTrade(o *Order) *Trade {
	return &Trade{Order: o}
}

// Remaining is the unfilled order quantity.
func (t *Trade) Remaining() int64 { return t.Order.Quantity - t.Filled }

// IsDone reports whether the trade accepts no further fills.
func (t *Trade) IsDone() bool { return t.Order.Status.IsTerminal() }

// Record moves the order to status and appends a log entry.
func (t *Trade) Record(at time.Time, s OrderStatus, msg string) {
	t.Order.SetStatus(s)
	t.Log = append(t.Log, TradeLogEntry{Time: at, Status: s, Message: msg})
}

// AddFill appends a fill and advances the order status. A fill larger
// than the remaining quantity panics with ErrOverfill.
func (t *Trade) AddFill(f Fill) {
	if f.Quantity <= 0 {
		panic(fmt.Errorf("model: order %s: non-positive fill quantity %d", t.Order.ID, f.Quantity))
	}
	if t.Filled+f.Quantity > t.Order.Quantity {
		panic(fmt.Errorf("%w: order %s filled %d + %d > %d",
			ErrOverfill, t.Order.ID, t.Filled, f.Quantity, t.Order.Quantity))
	}
	status := PartiallyFilled
	if t.Filled+f.Quantity == t.Order.Quantity {
		status = Filled
	}
	t.Order.SetStatus(status)
	t.Fills = append(t.Fills, f)
	t.Filled += f.Quantity
	t.Log = append(t.Log, TradeLogEntry{
		Time:    f.Time,
		Status:  status,
		Message: fmt.Sprintf("fill %d @ %s", f.Quantity, f.Price),
	})
}
