package contract

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestParse_Future(t *testing.T) {
	c, err := Parse("FUT-BZ-20201030-97481898@NYMEX*1000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SecType != TypeFuture {
		t.Errorf("expected sec_type=FUT, got %s", c.SecType)
	}
	if c.Symbol != "BZ" {
		t.Errorf("expected symbol=BZ, got %s", c.Symbol)
	}
	if c.Expiry != "20201030" {
		t.Errorf("expected expiry=20201030, got %s", c.Expiry)
	}
	if c.ConID != 97481898 {
		t.Errorf("expected con_id=97481898, got %d", c.ConID)
	}
	if c.Venue != "NYMEX" {
		t.Errorf("expected venue=NYMEX, got %s", c.Venue)
	}
	if !c.Multiplier().Equal(d(1000)) {
		t.Errorf("expected multiplier=1000, got %s", c.Multiplier())
	}
}

func TestParse_StockDefaultsMultiplier(t *testing.T) {
	c, err := Parse("STK-AAPL-265598@NASDAQ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.Multiplier().Equal(d(1)) {
		t.Errorf("expected multiplier=1, got %s", c.Multiplier())
	}
	if c.String() != "STK-AAPL-265598@NASDAQ" {
		t.Errorf("unexpected round trip: %s", c.String())
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"FUT-BZ",
		"FUT-BZ-20201030",
		"FUT-BZ-20201030-97481898",       // no venue
		"FUT-BZ-2020103-97481898@NYMEX",  // short date
		"FUT-BZ-20201340-97481898@NYMEX", // bad month
		"STK-AAPL-20201030-265598@NASDAQ",
		"fut-bz-20201030-97481898@nymex",
		"STK-AAPL-265598@NASDAQ*0",
	}
	for _, spec := range tests {
		if _, err := Parse(spec); err == nil {
			t.Errorf("expected error for spec %q", spec)
		}
	}
}

func TestParse_InvalidType(t *testing.T) {
	_, err := Parse("OPT-AAPL-265598@NASDAQ")
	if !errors.Is(err, ErrInvalidType) {
		t.Errorf("expected ErrInvalidType, got %v", err)
	}
}

func TestParse_FutureWithoutExpiry(t *testing.T) {
	_, err := Parse("FUT-BZ-97481898@NYMEX")
	if !errors.Is(err, ErrMissingExpiry) {
		t.Errorf("expected ErrMissingExpiry, got %v", err)
	}
}

func TestParseList_KeepsOrder(t *testing.T) {
	cs, err := ParseList("STK-MSFT-272093@NASDAQ, FUT-BZ-20201030-97481898@NYMEX*1000,")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cs) != 2 {
		t.Fatalf("expected 2 contracts, got %d", len(cs))
	}
	if cs[0].Symbol != "MSFT" || cs[1].Symbol != "BZ" {
		t.Errorf("order not preserved: %v", cs)
	}
}

func TestTableName(t *testing.T) {
	fut, _ := Parse("FUT-BZ-20201030-97481898@NYMEX")
	if got := fut.TableName(BidAsk); got != "bz20201030_97481898_bid_ask" {
		t.Errorf("unexpected futures table: %s", got)
	}
	stk, _ := Parse("STK-BRK.B-72063691@NYSE")
	if got := stk.TableName(Trades); got != "brkb_72063691_trades" {
		t.Errorf("unexpected stock table: %s", got)
	}
}

func TestRoot(t *testing.T) {
	a, _ := Parse("FUT-BZ-20201030-97481898@NYMEX")
	b, _ := Parse("FUT-BZ-20201130-99999999@NYMEX")
	if a.Root() != b.Root() {
		t.Errorf("expiries of the same future should share a root: %s vs %s", a.Root(), b.Root())
	}
	if RootOfKey(a.Key()) != a.Root() {
		t.Errorf("RootOfKey(%s) = %s, want %s", a.Key(), RootOfKey(a.Key()), a.Root())
	}
	s, _ := Parse("STK-AAPL-265598@NASDAQ")
	if RootOfKey(s.Key()) != "STK-AAPL" {
		t.Errorf("unexpected stock root: %s", RootOfKey(s.Key()))
	}
}
