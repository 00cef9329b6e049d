// Package backtest drives a strategy through virtual time over one or more
// simulated markets in lockstep.
//
// Each step advances every market to the current instant, delivers the
// resulting events to the strategy in a fixed order, then routes the
// strategy's order actions. Acknowledgements of those actions reach the
// strategy on the following step, never the current one.
package backtest

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/correlation"
	"github.com/atmx/backtester/internal/event"
	"github.com/atmx/backtester/internal/market"
	"github.com/atmx/backtester/internal/metrics"
	"github.com/atmx/backtester/internal/model"
	"github.com/atmx/backtester/internal/portfolio"
	"github.com/atmx/backtester/internal/strategy"
)

// State is the lifecycle of a run.
type State int8

const (
	Running State = iota
	Finished
)

func (s State) String() string {
	if s == Finished {
		return "finished"
	}
	return "running"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Option configures a Backtest.
type Option func(*Backtest)

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backtest) { b.log = l }
}

// WithLimiter checks every placement against position limits.
func WithLimiter(l *correlation.PositionLimiter) Option {
	return func(b *Backtest) { b.limiter = l }
}

// WithObserver registers fn to see every event delivered to the strategy,
// after the strategy has seen it. May be given more than once.
func WithObserver(fn func(event.Event)) Option {
	return func(b *Backtest) { b.observers = append(b.observers, fn) }
}

// Status is a point-in-time summary of a run, safe to hand to other
// goroutines.
type Status struct {
	Time      time.Time            `json:"time"`
	State     State                `json:"state"`
	Steps     int64                `json:"steps"`
	Fills     int64                `json:"fills"`
	Resting   int                  `json:"resting_orders"`
	Positions []portfolio.Position `json:"positions"`
}

// Backtest is the scheduler. Step and Run must be called from a single
// goroutine; Status may be called from any.
type Backtest struct {
	cfg       Config
	strat     strategy.Strategy
	markets   []*market.Market
	byKey     map[string]*market.Market
	portfolio *portfolio.Portfolio
	limiter   *correlation.PositionLimiter
	observers []func(event.Event)
	log       *slog.Logger
	rng       *rand.Rand

	now   time.Time
	state State
	acks  []event.Event
	steps int64
	fills int64

	mu     sync.RWMutex
	status Status
}

// New creates a backtest over markets, processed in the given order. It
// fails fast on an invalid configuration.
func New(cfg Config, strat strategy.Strategy, markets []*market.Market, opts ...Option) (*Backtest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(markets) == 0 {
		return nil, ErrNoMarkets
	}

	b := &Backtest{
		cfg:     cfg,
		strat:   strat,
		markets: markets,
		byKey:   make(map[string]*market.Market, len(markets)),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		now:     cfg.Start,
	}
	for _, fn := range opts {
		fn(b)
	}
	if b.log == nil {
		b.log = slog.New(slog.DiscardHandler)
	}
	b.log = b.log.With("component", "backtest")

	contracts := make([]contract.Contract, 0, len(markets))
	for _, m := range markets {
		key := m.Contract().Key()
		if _, dup := b.byKey[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicate, key)
		}
		b.byKey[key] = m
		contracts = append(contracts, m.Contract())
	}
	b.portfolio = portfolio.New(contracts, b.log)
	b.snapshot()
	return b, nil
}

// Run steps until the end of the configured range. Cancelling ctx stops the
// run between steps.
func (b *Backtest) Run(ctx context.Context) error {
	b.log.Info("backtest started",
		"start", b.cfg.Start,
		"end", b.cfg.End,
		"step", b.cfg.Step.String(),
		"markets", len(b.markets),
		"seed", b.cfg.Seed,
	)
	started := time.Now()

	for b.state == Running {
		if err := ctx.Err(); err != nil {
			b.log.Warn("backtest interrupted", "time", b.now, "err", err)
			return err
		}
		if err := b.Step(ctx); err != nil {
			b.log.Error("backtest aborted", "time", b.now, "err", err)
			return err
		}
	}

	b.log.Info("backtest finished",
		"steps", b.steps,
		"fills", b.fills,
		"elapsed", time.Since(started).String(),
	)
	return nil
}

// Step runs one iteration at the current virtual time and advances the
// clock. Past the end of the range it moves the run to Finished.
func (b *Backtest) Step(ctx context.Context) error {
	if b.state == Finished {
		return nil
	}
	if b.now.After(b.cfg.End) {
		b.finish()
		return nil
	}

	started := time.Now()
	t := b.now

	batch, err := b.collect(ctx, t)
	if err != nil {
		return err
	}
	for _, ev := range batch {
		b.deliver(ev)
	}
	b.route(t, b.strat.SetTime(t))

	b.steps++
	b.now = t.Add(b.cfg.Step)
	metrics.ObserveStep(t, time.Since(started))
	if b.now.After(b.cfg.End) {
		b.finish()
		return nil
	}
	b.snapshot()
	return nil
}

// collect advances every market to t and assembles the step's batch:
// queued acks, calendar events, fills, the ticker bundle, then PnL. Fills
// are booked before PnL is derived from them.
func (b *Backtest) collect(ctx context.Context, t time.Time) ([]event.Event, error) {
	var (
		calendar []event.CalendarEvent
		fills    []event.FillEvent
		tickers  []model.Ticker
	)
	for _, m := range b.markets {
		upd, err := m.SetTime(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("backtest: step %s: %w", t.Format(time.RFC3339Nano), err)
		}
		if upd.Calendar != nil {
			calendar = append(calendar, *upd.Calendar)
		}
		fills = append(fills, upd.Fills...)
		if tk, ok := m.PendingTicker(); ok {
			tickers = append(tickers, tk)
		}
	}

	if b.cfg.Shuffle {
		b.rng.Shuffle(len(calendar), func(i, j int) { calendar[i], calendar[j] = calendar[j], calendar[i] })
		b.rng.Shuffle(len(fills), func(i, j int) { fills[i], fills[j] = fills[j], fills[i] })
	}
	// Stable: ties keep market order, or the shuffled order when enabled.
	slices.SortStableFunc(fills, func(a, c event.FillEvent) int { return a.Time.Compare(c.Time) })
	b.portfolio.ApplyFills(fills)
	b.fills += int64(len(fills))

	batch := make([]event.Event, 0, len(b.acks)+len(calendar)+len(fills)+1)
	batch = append(batch, b.acks...)
	b.acks = nil
	for _, ev := range calendar {
		batch = append(batch, ev)
	}
	for _, ev := range fills {
		batch = append(batch, ev)
	}
	if len(tickers) > 0 {
		batch = append(batch, event.PendingTickersEvent{Time: t, Tickers: tickers})
	}
	for _, tk := range tickers {
		for _, pnl := range b.portfolio.PnLFor(tk.Contract, tk.Quotes, t) {
			batch = append(batch, event.PnLEvent{Time: t, PnL: pnl})
		}
	}
	return batch, nil
}

func (b *Backtest) deliver(ev event.Event) {
	strategy.Dispatch(b.strat, ev)
	metrics.EventsTotal.WithLabelValues(ev.Kind()).Inc()
	for _, fn := range b.observers {
		fn(ev)
	}
}

// route hands the strategy's actions to the owning markets and queues the
// acknowledgements for the next step.
func (b *Backtest) route(t time.Time, actions []strategy.OrderAction) {
	for _, a := range actions {
		switch a.Kind {
		case strategy.Place:
			b.place(t, a.Order)
		case strategy.Cancel:
			b.cancel(t, a.Order)
		}
	}
}

func (b *Backtest) place(t time.Time, o *model.Order) {
	if o.Status != model.Pending {
		b.log.Warn("order placed twice", "order", o.ID, "status", o.Status.String())
		return
	}
	m, ok := b.byKey[o.Contract.Key()]
	if !ok {
		b.reject(t, o, "unknown_contract", fmt.Errorf("backtest: no market for %s", o.Contract.Key()))
		return
	}

	if b.limiter != nil && o.Quantity > 0 {
		if err := b.limiter.CheckLimit(o.Contract, o.Side.Sign()*o.Quantity, b.exposures()); err != nil {
			b.reject(t, o, "limit", err)
			return
		}
	}

	tr, err := m.AddOrder(o, t)
	if err != nil {
		b.reject(t, o, "invalid", err)
		return
	}
	b.acks = append(b.acks, event.OrderEvent{Time: t, Trade: tr, Ack: event.OrderReceived})
}

func (b *Backtest) reject(t time.Time, o *model.Order, reason string, err error) {
	tr := model.NewTrade(o)
	tr.Record(t, model.Rejected, err.Error())
	metrics.OrdersRejected.WithLabelValues(reason).Inc()
	b.log.Info("order rejected",
		"contract", o.Contract.Key(),
		"side", o.Side.String(),
		"qty", o.Quantity,
		"err", err,
	)
	b.acks = append(b.acks, event.OrderEvent{Time: t, Trade: tr, Ack: event.OrderRejected, Reason: err.Error()})
}

func (b *Backtest) cancel(t time.Time, o *model.Order) {
	m, ok := b.byKey[o.Contract.Key()]
	if !ok {
		b.log.Warn("cancel for unknown contract", "contract", o.Contract.Key(), "order", o.ID)
		return
	}
	tr, err := m.CancelOrder(o, t)
	if err != nil {
		b.log.Warn("cancel ignored", "order", o.ID, "err", err)
		return
	}
	b.acks = append(b.acks, event.OrderEvent{Time: t, Trade: tr, Ack: event.OrderCancelled})
}

// exposures is the net position per contract plus the signed remainder of
// every resting order, so unfilled orders count against limits.
func (b *Backtest) exposures() map[string]int64 {
	exp := b.portfolio.Exposures()
	for key, m := range b.byKey {
		for _, tr := range m.Resting() {
			exp[key] += tr.Order.Side.Sign() * tr.Remaining()
		}
	}
	return exp
}

func (b *Backtest) finish() {
	b.state = Finished
	b.snapshot()
}

func (b *Backtest) snapshot() {
	resting := 0
	for _, m := range b.markets {
		resting += len(m.Resting())
	}
	st := Status{
		Time:      b.now,
		State:     b.state,
		Steps:     b.steps,
		Fills:     b.fills,
		Resting:   resting,
		Positions: b.portfolio.Positions(),
	}

	b.mu.Lock()
	b.status = st
	b.mu.Unlock()
}

// Status returns the summary as of the last completed step.
func (b *Backtest) Status() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.status
	st.Positions = slices.Clone(st.Positions)
	return st
}

// Time returns the virtual time of the next step.
func (b *Backtest) Time() time.Time { return b.now }

// State returns the run state.
func (b *Backtest) State() State { return b.state }

// Portfolio returns the run's accounting. Not safe to use while stepping.
func (b *Backtest) Portfolio() *portfolio.Portfolio { return b.portfolio }

// Trades returns every accepted trade across markets, ordered by creation
// time and then market order.
func (b *Backtest) Trades() []*model.Trade {
	var out []*model.Trade
	for _, m := range b.markets {
		out = append(out, m.Trades()...)
	}
	slices.SortStableFunc(out, func(a, c *model.Trade) int {
		return cmp.Compare(a.Order.Created.UnixNano(), c.Order.Created.UnixNano())
	})
	return out
}
