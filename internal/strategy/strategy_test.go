package strategy

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtester/internal/contract"
	"github.com/atmx/backtester/internal/event"
	"github.com/atmx/backtester/internal/model"
)

var (
	bz = contract.Contract{SecType: contract.TypeFuture, Symbol: "BZ", Expiry: "20201030", ConID: 97481898, Venue: "NYMEX"}
	t0 = time.Date(2020, 9, 1, 0, 0, 0, 0, time.UTC)
)

// calls records which callback ran.
type calls struct {
	Base
	got []string
}

func (c *calls) OnPendingTickers([]model.Ticker)      { c.got = append(c.got, "tickers") }
func (c *calls) OnNewOrderEvent(*model.Trade)         { c.got = append(c.got, "order") }
func (c *calls) OnFill(*model.Trade, model.Fill)      { c.got = append(c.got, "fill") }
func (c *calls) OnPnL(model.PnL)                      { c.got = append(c.got, "pnl") }
func (c *calls) OnCalendarEvent(event.CalendarEvent) { c.got = append(c.got, "calendar") }

func TestDispatch_RoutesEveryKind(t *testing.T) {
	tr := model.NewTrade(model.NewMarketOrder(bz, model.Buy, 1))
	evs := []event.Event{
		event.CalendarEvent{Time: t0, Contract: bz, Open: true},
		event.FillEvent{Time: t0, Trade: tr, Fill: model.Fill{Time: t0, Price: decimal.NewFromInt(40), Quantity: 1, Side: model.Buy}},
		event.PendingTickersEvent{Time: t0},
		event.PnLEvent{Time: t0},
		event.OrderEvent{Time: t0, Trade: tr},
	}
	s := &calls{}
	for _, ev := range evs {
		Dispatch(s, ev)
	}

	want := "calendar,fill,tickers,pnl,order"
	if got := strings.Join(s.got, ","); got != want {
		t.Errorf("dispatch order = %s, want %s", got, want)
	}
}

// unknownEvent satisfies event.Event through embedding but is not a
// dispatchable type.
type unknownEvent struct{ event.PnLEvent }

func TestDispatch_UnknownTypePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for unknown event type")
		}
	}()
	Dispatch(&calls{}, unknownEvent{})
}

func TestWithLogging_Forwards(t *testing.T) {
	var buf bytes.Buffer
	inner := &calls{}
	s := WithLogging(inner, slog.New(slog.NewJSONHandler(&buf, nil)))

	Dispatch(s, event.CalendarEvent{Time: t0, Contract: bz, Open: false})
	if len(inner.got) != 1 || inner.got[0] != "calendar" {
		t.Errorf("expected calendar forwarded, got %v", inner.got)
	}
	if !strings.Contains(buf.String(), `"msg":"calendar"`) {
		t.Errorf("expected calendar log line, got %s", buf.String())
	}
}

func TestPeriodic_AlternatesAndCancels(t *testing.T) {
	p := NewPeriodic([]contract.Contract{bz}, 2, time.Minute)

	first := p.SetTime(t0)
	if len(first) != 1 || first[0].Kind != Place || first[0].Order.Side != model.Buy {
		t.Fatalf("expected one buy placement, got %+v", first)
	}
	if got := p.SetTime(t0.Add(30 * time.Second)); got != nil {
		t.Errorf("expected no actions inside the interval, got %+v", got)
	}

	// Still resting after a minute: cancel it.
	o := first[0].Order
	o.SetStatus(model.Submitted)
	second := p.SetTime(t0.Add(time.Minute))
	if len(second) != 1 || second[0].Kind != Cancel || second[0].Order != o {
		t.Fatalf("expected cancellation of the resting order, got %+v", second)
	}

	// Filled: next placement flattens.
	tr := model.NewTrade(o)
	tr.AddFill(model.Fill{Time: t0, Price: decimal.NewFromInt(40), Quantity: 2, Side: model.Buy})
	p.OnFill(tr, tr.Fills[0])
	third := p.SetTime(t0.Add(2 * time.Minute))
	if len(third) != 1 || third[0].Kind != Place || third[0].Order.Side != model.Sell {
		t.Fatalf("expected a flattening sell, got %+v", third)
	}
}
