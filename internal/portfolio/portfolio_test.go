package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/event"
	"github.com/atmx/backtester/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	aapl = contract.Contract{SecType: contract.TypeStock, Symbol: "AAPL", ConID: 265598, Venue: "SMART"}
	bz   = contract.Contract{SecType: contract.TypeFuture, Symbol: "BZ", Expiry: "20201030", ConID: 97481898, Venue: "NYMEX", Mult: decimal.NewFromInt(1000)}
	t0   = time.Date(2020, 9, 1, 0, 0, 0, 0, time.UTC)
)

func fill(c contract.Contract, side model.Side, qty int64, price float64) event.FillEvent {
	o := model.NewMarketOrder(c, side, qty)
	tr := model.NewTrade(o)
	f := model.Fill{Time: t0, Price: d(price), Quantity: qty, Side: side}
	tr.AddFill(f)
	return event.FillEvent{Time: t0, Trade: tr, Fill: f}
}

func TestApplyFills_VolumeWeightedCost(t *testing.T) {
	p := New([]contract.Contract{aapl}, nil)
	p.ApplyFills([]event.FillEvent{
		fill(aapl, model.Buy, 10, 100),
		fill(aapl, model.Buy, 30, 104),
	})

	pos := p.Position(aapl)
	if pos.Net != 40 {
		t.Errorf("expected net 40, got %d", pos.Net)
	}
	// (10*100 + 30*104) / 40 = 103
	if !pos.AvgCost.Equal(d(103)) {
		t.Errorf("expected avg cost 103, got %s", pos.AvgCost)
	}
}

func TestUnrealizedPnL_Sign(t *testing.T) {
	tests := []struct {
		name     string
		side     model.Side
		bid, ask float64
		want     float64
	}{
		{"long marks at bid", model.Buy, 105, 106, 50},
		{"long loses below cost", model.Buy, 98, 99, -20},
		{"short marks at ask", model.Sell, 94, 95, 50},
		{"short loses above cost", model.Sell, 101, 102, -20},
	}

	for _, tt := range tests {
		p := New([]contract.Contract{aapl}, nil)
		p.ApplyFills([]event.FillEvent{fill(aapl, tt.side, 10, 100)})

		pnl, ok := p.UnrealizedPnL(aapl, d(tt.bid), d(tt.ask), t0)
		if !ok {
			t.Fatalf("%s: expected a PnL", tt.name)
		}
		if !pnl.Unrealized.Equal(d(tt.want)) {
			t.Errorf("%s: expected %v, got %s", tt.name, tt.want, pnl.Unrealized)
		}
	}
}

func TestUnrealizedPnL_Multiplier(t *testing.T) {
	p := New([]contract.Contract{bz}, nil)
	p.ApplyFills([]event.FillEvent{fill(bz, model.Buy, 2, 40.00)})

	pnl, ok := p.UnrealizedPnL(bz, d(40.05), d(40.06), t0)
	if !ok {
		t.Fatal("expected a PnL")
	}
	// 0.05 * 2 * 1000
	if !pnl.Unrealized.Equal(d(100)) {
		t.Errorf("expected 100, got %s", pnl.Unrealized)
	}
	if !pnl.Value.Equal(d(80100)) {
		t.Errorf("expected value 80100, got %s", pnl.Value)
	}
}

func TestUnrealizedPnL_FlatYieldsNothing(t *testing.T) {
	p := New([]contract.Contract{aapl}, nil)
	if _, ok := p.UnrealizedPnL(aapl, d(100), d(101), t0); ok {
		t.Error("flat position should produce no PnL")
	}
}

func TestApplyFills_FlattenResetsCostBasis(t *testing.T) {
	p := New([]contract.Contract{aapl}, nil)
	p.ApplyFills([]event.FillEvent{
		fill(aapl, model.Buy, 10, 100),
		fill(aapl, model.Sell, 10, 110),
	})

	pos := p.Position(aapl)
	if pos.Net != 0 || !pos.AvgCost.IsZero() || len(pos.Fills()) != 0 {
		t.Fatalf("expected flat with no cost basis, got net=%d avg=%s fills=%d", pos.Net, pos.AvgCost, len(pos.Fills()))
	}
	if !pos.Realized.Equal(d(100)) {
		t.Errorf("expected realized 100, got %s", pos.Realized)
	}

	// A new lot ignores everything before the flatten.
	p.ApplyFills([]event.FillEvent{fill(aapl, model.Sell, 5, 120)})
	pos = p.Position(aapl)
	if pos.Net != -5 || !pos.AvgCost.Equal(d(120)) {
		t.Errorf("expected fresh short at 120, got net=%d avg=%s", pos.Net, pos.AvgCost)
	}
}

func TestApplyFills_InstrumentsIndependent(t *testing.T) {
	p := New([]contract.Contract{aapl, bz}, nil)
	p.ApplyFills([]event.FillEvent{
		fill(aapl, model.Buy, 10, 100),
		fill(bz, model.Sell, 1, 40),
		fill(aapl, model.Buy, 10, 102),
	})

	if pos := p.Position(bz); pos.Net != -1 || !pos.AvgCost.Equal(d(40)) {
		t.Errorf("unexpected BZ position: %+v", pos)
	}
	if pos := p.Position(aapl); !pos.AvgCost.Equal(d(101)) {
		t.Errorf("unexpected AAPL avg cost %s", pos.AvgCost)
	}

	exp := p.Exposures()
	if exp[aapl.Key()] != 20 || exp[bz.Key()] != -1 {
		t.Errorf("unexpected exposures: %v", exp)
	}
	if ps := p.Positions(); len(ps) != 2 || ps[0].Contract.Key() != aapl.Key() {
		t.Errorf("expected positions in registration order, got %+v", ps)
	}
}

func TestPnLFor_OnePerDistinctQuote(t *testing.T) {
	p := New([]contract.Contract{aapl}, nil)
	p.ApplyFills([]event.FillEvent{fill(aapl, model.Buy, 10, 100)})

	quotes := []model.QuoteTick{
		{Time: t0, Bid: d(101), Ask: d(102), BidSize: 1, AskSize: 1},
		{Time: t0, Bid: d(101), Ask: d(102), BidSize: 5, AskSize: 3},
		{Time: t0, Bid: d(103), Ask: d(104), BidSize: 1, AskSize: 1},
		{Time: t0, Bid: d(101), Ask: d(102), BidSize: 2, AskSize: 2},
	}
	got := p.PnLFor(aapl, quotes, t0)
	if len(got) != 2 {
		t.Fatalf("expected 2 PnL snapshots, got %d", len(got))
	}
	if !got[0].Unrealized.Equal(d(10)) || !got[1].Unrealized.Equal(d(30)) {
		t.Errorf("expected 10 then 30, got %s and %s", got[0].Unrealized, got[1].Unrealized)
	}
}
