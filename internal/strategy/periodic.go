package strategy

import (
	"time"

	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/model"
)

// Periodic opens a fixed-size position on every contract and flattens it
// again, alternating once per interval. Orders still resting when the
// interval comes round are cancelled instead.
type Periodic struct {
	Base
	contracts []contract.Contract
	lots      int64
	every     time.Duration

	next time.Time
	long map[string]bool
	live map[string]*model.Order
}

// NewPeriodic creates a periodic round-trip strategy.
func NewPeriodic(contracts []contract.Contract, lots int64, every time.Duration) *Periodic {
	return &Periodic{
		contracts: contracts,
		lots:      lots,
		every:     every,
		long:      make(map[string]bool),
		live:      make(map[string]*model.Order),
	}
}

func (p *Periodic) SetTime(t time.Time) []OrderAction {
	if !p.next.IsZero() && t.Before(p.next) {
		return nil
	}
	p.next = t.Add(p.every)

	var actions []OrderAction
	for _, c := range p.contracts {
		key := c.Key()
		if o := p.live[key]; o != nil && !o.Status.IsTerminal() {
			actions = append(actions, CancelOrder(o))
			continue
		}
		side := model.Buy
		if p.long[key] {
			side = model.Sell
		}
		o := model.NewMarketOrder(c, side, p.lots)
		p.live[key] = o
		actions = append(actions, PlaceOrder(o))
	}
	return actions
}

func (p *Periodic) OnFill(trade *model.Trade, _ model.Fill) {
	if trade.Order.Status == model.Filled {
		p.long[trade.Order.Contract.Key()] = trade.Order.Side == model.Buy
	}
}
