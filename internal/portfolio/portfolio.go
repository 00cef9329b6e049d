// Package portfolio keeps per-instrument positions consistent with every
// fill and marks them to market against the current quotes.
package portfolio

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/event"
	"github.com/atmx/backtester/internal/metrics"
	"github.com/atmx/backtester/internal/model"
)

// Position is the running net exposure in one instrument.
type Position struct {
	Contract contract.Contract `json:"contract"`
	Net      int64             `json:"net"`
	AvgCost  decimal.Decimal   `json:"avg_cost"`
	Realized decimal.Decimal   `json:"realized_pnl"`

	// fills of the currently open lot; cleared when the position flattens.
	fills []model.Fill
}

// Flat reports whether the position carries no exposure.
func (p *Position) Flat() bool { return p.Net == 0 }

// Fills returns the fills of the open lot.
func (p *Position) Fills() []model.Fill {
	return append([]model.Fill(nil), p.fills...)
}

func (p *Position) apply(f model.Fill) {
	p.fills = append(p.fills, f)
	p.Net += f.Signed()

	if p.Net == 0 {
		// Closed lot: what was paid for buys against what sells brought in.
		cash := decimal.Zero
		for _, lf := range p.fills {
			cash = cash.Sub(decimal.NewFromInt(lf.Signed()).Mul(lf.Price))
		}
		p.Realized = p.Realized.Add(cash.Mul(p.Contract.Multiplier()))
		p.AvgCost = decimal.Zero
		p.fills = nil
		return
	}

	var notional decimal.Decimal
	var volume int64
	for _, lf := range p.fills {
		notional = notional.Add(decimal.NewFromInt(lf.Quantity).Mul(lf.Price))
		volume += lf.Quantity
	}
	p.AvgCost = notional.Div(decimal.NewFromInt(volume))
}

// Portfolio owns the positions of one run. Not safe for concurrent use.
type Portfolio struct {
	order     []string
	positions map[string]*Position
	log       *slog.Logger
}

// New creates a portfolio with a flat position in each contract, kept in
// caller order.
func New(contracts []contract.Contract, logger *slog.Logger) *Portfolio {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Portfolio{
		positions: make(map[string]*Position, len(contracts)),
		log:       logger.With("component", "portfolio"),
	}
	for _, c := range contracts {
		p.position(c)
	}
	return p
}

func (p *Portfolio) position(c contract.Contract) *Position {
	key := c.Key()
	pos, ok := p.positions[key]
	if !ok {
		pos = &Position{Contract: c}
		p.positions[key] = pos
		p.order = append(p.order, key)
	}
	return pos
}

// ApplyFills books fills into their instruments' positions, in order.
func (p *Portfolio) ApplyFills(fills []event.FillEvent) {
	for _, fe := range fills {
		c := fe.Trade.Order.Contract
		pos := p.position(c)
		wasOpen := !pos.Flat()
		pos.apply(fe.Fill)

		metrics.Position.WithLabelValues(c.Key()).Set(float64(pos.Net))
		if wasOpen && pos.Flat() {
			p.log.Info("position flattened",
				"contract", c.Key(),
				"realized", pos.Realized.String(),
			)
		}
	}
}

// UnrealizedPnL marks c's position against bid and ask. Flat positions and
// a missing price on the marking side yield nothing.
func (p *Portfolio) UnrealizedPnL(c contract.Contract, bid, ask decimal.Decimal, t time.Time) (model.PnL, bool) {
	pos, ok := p.positions[c.Key()]
	if !ok || pos.Flat() {
		return model.PnL{}, false
	}

	mark, delta := bid, bid.Sub(pos.AvgCost)
	if pos.Net < 0 {
		mark, delta = ask, pos.AvgCost.Sub(ask)
	}
	if !mark.IsPositive() {
		return model.PnL{}, false
	}

	mult := c.Multiplier()
	size := decimal.NewFromInt(pos.Net)
	unrealized := delta.Mul(size.Abs()).Mul(mult)
	metrics.UnrealizedPnL.WithLabelValues(c.Key()).Set(unrealized.InexactFloat64())

	return model.PnL{
		Contract:   c,
		Time:       t,
		Position:   pos.Net,
		AvgCost:    pos.AvgCost,
		Bid:        bid,
		Ask:        ask,
		Unrealized: unrealized,
		Realized:   pos.Realized,
		Value:      mark.Mul(size).Mul(mult),
	}, true
}

// PnLFor marks c once per distinct (bid, ask) pair among quotes, in
// first-seen order.
func (p *Portfolio) PnLFor(c contract.Contract, quotes []model.QuoteTick, t time.Time) []model.PnL {
	if pos, ok := p.positions[c.Key()]; !ok || pos.Flat() {
		return nil
	}

	type pair struct{ bid, ask string }
	seen := make(map[pair]bool, len(quotes))
	var out []model.PnL
	for _, q := range quotes {
		k := pair{q.Bid.String(), q.Ask.String()}
		if seen[k] {
			continue
		}
		seen[k] = true
		if pnl, ok := p.UnrealizedPnL(c, q.Bid, q.Ask, t); ok {
			out = append(out, pnl)
		}
	}
	return out
}

// Position returns a copy of c's position.
func (p *Portfolio) Position(c contract.Contract) Position {
	if pos, ok := p.positions[c.Key()]; ok {
		cp := *pos
		cp.fills = pos.Fills()
		return cp
	}
	return Position{Contract: c}
}

// Positions returns copies of every position in registration order.
func (p *Portfolio) Positions() []Position {
	out := make([]Position, 0, len(p.order))
	for _, key := range p.order {
		out = append(out, p.Position(p.positions[key].Contract))
	}
	return out
}

// Exposures returns the net position per contract key.
func (p *Portfolio) Exposures() map[string]int64 {
	out := make(map[string]int64, len(p.positions))
	for key, pos := range p.positions {
		out[key] = pos.Net
	}
	return out
}
