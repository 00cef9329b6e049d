// Package market simulates one instrument, matching the strategy's resting
// orders against recorded quotes while the venue is open.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtester/internal/calendar"
	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/event"
	"github.com/atmx/backtester/internal/metrics"
	"github.com/atmx/backtester/internal/model"
	"github.com/atmx/backtester/internal/tickstream"
)

var (
	ErrInvalidQuantity = errors.New("market: order quantity must be positive")
	ErrInvalidPrice    = errors.New("market: limit order requires a positive limit price")
	ErrWrongContract   = errors.New("market: order contract does not match market")
	ErrNotPending      = errors.New("market: order was already submitted")
	ErrOrderNotFound   = errors.New("market: order is not resting")
	ErrMarketClosed    = errors.New("market: matching attempted while market closed")
)

// orderNamespace seeds deterministic order IDs.
var orderNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("backtester/orders"))

// Update is what one call to SetTime produced.
type Update struct {
	Calendar *event.CalendarEvent
	Fills    []event.FillEvent
}

// Option configures a Market.
type Option func(*Market)

// WithLogger sets the market's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Market) { m.log = l }
}

// WithRand injects the source used to sample among a step's quotes.
func WithRand(r *rand.Rand) Option {
	return func(m *Market) { m.rng = r }
}

// WithQuoteSampling makes each resting order match against one quote drawn
// at random from the step's quotes, rather than the last one. It stands in
// for the unknown ordering of fills and quote changes within an instant.
func WithQuoteSampling(on bool) Option {
	return func(m *Market) { m.sample = on }
}

// Market is one instrument's simulated venue. Not safe for concurrent use.
type Market struct {
	contract contract.Contract
	key      string
	trades   *tickstream.Stream[model.TradeTick]
	quotes   *tickstream.Stream[model.QuoteTick]
	cal      calendar.Calendar
	log      *slog.Logger
	rng      *rand.Rand
	sample   bool

	now   time.Time
	book  model.TopOfBook
	open  bool
	known bool

	stepTrades []model.TradeTick
	stepQuotes []model.QuoteTick

	resting []*model.Trade
	byID    map[string]*model.Trade
	history []*model.Trade
	seq     uint64
}

// New creates a market over the given tick streams. A nil calendar means
// always open.
func New(c contract.Contract, trades *tickstream.Stream[model.TradeTick], quotes *tickstream.Stream[model.QuoteTick], cal calendar.Calendar, opts ...Option) *Market {
	if cal == nil {
		cal = calendar.AlwaysOpen{}
	}
	m := &Market{
		contract: c,
		key:      c.Key(),
		trades:   trades,
		quotes:   quotes,
		cal:      cal,
		byID:     make(map[string]*model.Trade),
	}
	for _, fn := range opts {
		fn(m)
	}
	if m.log == nil {
		m.log = slog.New(slog.DiscardHandler)
	}
	m.log = m.log.With("contract", m.key)
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(1))
	}
	return m
}

// SetTime advances the market to t: it tracks the calendar, pulls the ticks
// stamped t, refreshes the top of book from the last quote, and matches
// resting orders while open.
func (m *Market) SetTime(ctx context.Context, t time.Time) (Update, error) {
	var upd Update

	open := m.cal.IsOpen(t)
	if m.known && open != m.open {
		upd.Calendar = &event.CalendarEvent{Time: t, Contract: m.contract, Open: open}
		m.log.Info("market state changed", "open", open, "time", t)
	}
	m.open, m.known = open, true
	m.now = t

	quotes, err := m.quotes.AdvanceTo(ctx, t)
	if err != nil {
		return upd, fmt.Errorf("market %s: quotes: %w", m.key, err)
	}
	trades, err := m.trades.AdvanceTo(ctx, t)
	if err != nil {
		return upd, fmt.Errorf("market %s: trades: %w", m.key, err)
	}
	m.stepQuotes, m.stepTrades = quotes, trades

	if n := len(quotes); n > 0 {
		m.book = model.BookFromQuote(quotes[n-1])
	}

	if !m.open {
		return upd, nil
	}
	upd.Fills, err = m.Match(t)
	return upd, err
}

// AddOrder accepts o as a resting good-till-cancelled order. Matching only
// happens on SetTime. Nothing is mutated when o is invalid.
func (m *Market) AddOrder(o *model.Order, t time.Time) (*model.Trade, error) {
	switch {
	case o.Quantity <= 0:
		return nil, fmt.Errorf("%w: %d", ErrInvalidQuantity, o.Quantity)
	case o.Kind == model.Limit && !o.LimitPrice.IsPositive():
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, o.LimitPrice)
	case o.Contract.Key() != m.key:
		return nil, fmt.Errorf("%w: %s on %s", ErrWrongContract, o.Contract.Key(), m.key)
	case o.Status != model.Pending:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, o.ID, o.Status)
	}

	m.seq++
	o.ID = uuid.NewSHA1(orderNamespace, []byte(fmt.Sprintf("%s/%d", m.key, m.seq))).String()
	if o.Created.IsZero() {
		o.Created = t
	}
	tr := model.NewTrade(o)
	tr.Record(t, model.Submitted, "")

	m.resting = append(m.resting, tr)
	m.byID[o.ID] = tr
	m.history = append(m.history, tr)
	metrics.RestingOrders.WithLabelValues(m.key).Set(float64(len(m.resting)))

	m.log.Debug("order accepted",
		"order", o.ID,
		"side", o.Side.String(),
		"kind", o.Kind.String(),
		"qty", o.Quantity,
	)
	return tr, nil
}

// CancelOrder removes a resting order and marks it cancelled. Fills already
// recorded are kept.
func (m *Market) CancelOrder(o *model.Order, t time.Time) (*model.Trade, error) {
	tr, ok := m.byID[o.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, o.ID)
	}
	m.remove(tr)
	tr.Record(t, model.Cancelled, "")
	m.log.Debug("order cancelled", "order", o.ID, "filled", tr.Filled, "qty", o.Quantity)
	return tr, nil
}

// Match executes resting orders against the current touch at t. It must
// only be called while the market is open.
func (m *Market) Match(t time.Time) ([]event.FillEvent, error) {
	if !m.open {
		return nil, ErrMarketClosed
	}
	if len(m.resting) == 0 {
		return nil, nil
	}

	touches := m.touches()
	var fills []event.FillEvent

	for _, tr := range m.resting {
		tc := touches[0]
		if len(touches) > 1 {
			tc = touches[m.rng.Intn(len(touches))]
		}

		o := tr.Order
		price, avail := tc.take(o.Side)
		if !price.IsPositive() || avail <= 0 || !o.Marketable(price) {
			continue
		}

		qty := min(tr.Remaining(), avail)
		fill := model.Fill{Time: t, Price: price, Quantity: qty, Side: o.Side}
		tr.AddFill(fill)
		tc.consume(o.Side, qty)

		fills = append(fills, event.FillEvent{Time: t, Trade: tr, Fill: fill})
		metrics.FillsTotal.WithLabelValues(m.key, o.Side.String()).Inc()
		metrics.FilledLots.WithLabelValues(m.key, o.Side.String()).Add(float64(qty))
		m.log.Debug("order filled",
			"order", o.ID,
			"qty", qty,
			"price", price.String(),
			"remaining", tr.Remaining(),
		)
	}

	m.prune()
	return fills, nil
}

// touch is one candidate top of book and the liquidity left on it this step.
type touch struct {
	book             model.TopOfBook
	bidLeft, askLeft int64
}

func newTouch(b model.TopOfBook) *touch {
	return &touch{book: b, bidLeft: b.BidSize, askLeft: b.AskSize}
}

func (tc *touch) take(side model.Side) (decimal.Decimal, int64) {
	p, _ := tc.book.Touch(side)
	if side == model.Buy {
		return p, tc.askLeft
	}
	return p, tc.bidLeft
}

func (tc *touch) consume(side model.Side, qty int64) {
	if side == model.Buy {
		tc.askLeft -= qty
	} else {
		tc.bidLeft -= qty
	}
}

// touches returns the books orders may match against this step: every
// quote of the step when sampling, otherwise the current book.
func (m *Market) touches() []*touch {
	if !m.sample || len(m.stepQuotes) < 2 {
		return []*touch{newTouch(m.book)}
	}
	out := make([]*touch, len(m.stepQuotes))
	for i, q := range m.stepQuotes {
		out[i] = newTouch(model.BookFromQuote(q))
	}
	return out
}

// prune drops terminal trades from the resting set, keeping order.
func (m *Market) prune() {
	kept := m.resting[:0]
	for _, tr := range m.resting {
		if tr.IsDone() {
			delete(m.byID, tr.Order.ID)
			continue
		}
		kept = append(kept, tr)
	}
	clear(m.resting[len(kept):])
	m.resting = kept
	metrics.RestingOrders.WithLabelValues(m.key).Set(float64(len(m.resting)))
}

func (m *Market) remove(tr *model.Trade) {
	delete(m.byID, tr.Order.ID)
	for i, r := range m.resting {
		if r == tr {
			m.resting = append(m.resting[:i], m.resting[i+1:]...)
			break
		}
	}
	metrics.RestingOrders.WithLabelValues(m.key).Set(float64(len(m.resting)))
}

// PendingTicker returns the ticks that arrived on the last SetTime, if any.
func (m *Market) PendingTicker() (model.Ticker, bool) {
	if len(m.stepQuotes) == 0 && len(m.stepTrades) == 0 {
		return model.Ticker{}, false
	}
	return model.Ticker{
		Contract: m.contract,
		Time:     m.now,
		Trades:   m.stepTrades,
		Quotes:   m.stepQuotes,
	}, true
}

// Contract returns the instrument this market simulates.
func (m *Market) Contract() contract.Contract { return m.contract }

// Book returns the current top of book.
func (m *Market) Book() model.TopOfBook { return m.book }

// IsOpen reports the calendar state seen on the last SetTime.
func (m *Market) IsOpen() bool { return m.open }

// Exhausted reports whether both tick streams have run dry.
func (m *Market) Exhausted() bool { return m.trades.IsExhausted() && m.quotes.IsExhausted() }

// Resting returns the resting trades in acceptance order.
func (m *Market) Resting() []*model.Trade {
	return append([]*model.Trade(nil), m.resting...)
}

// Trades returns every trade accepted so far, in acceptance order.
func (m *Market) Trades() []*model.Trade {
	return append([]*model.Trade(nil), m.history...)
}
