package correlation

import (
	"errors"
	"testing"

	"github.com/atmx/backtester/internal/contract"
)

func future(expiry string, conID int64) contract.Contract {
	return contract.Contract{SecType: contract.TypeFuture, Symbol: "BZ", Expiry: expiry, ConID: conID, Venue: "NYMEX"}
}

var (
	bzOct = future("20201030", 97481898)
	bzNov = future("20201130", 97481899)
	bzDec = future("20201231", 97481900)
	clOct = contract.Contract{SecType: contract.TypeFuture, Symbol: "CL", Expiry: "20201020", ConID: 138979238, Venue: "NYMEX"}
	aapl  = contract.Contract{SecType: contract.TypeStock, Symbol: "AAPL", ConID: 265598, Venue: "SMART"}
)

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(10, 50)

	err := limiter.CheckLimit(bzOct, 5, nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerContractExceeded(t *testing.T) {
	limiter := NewPositionLimiter(10, 50)

	// Existing position of 8 + new 3 = 11 > 10.
	existing := map[string]int64{bzOct.Key(): 8}

	err := limiter.CheckLimit(bzOct, 3, existing)
	if !errors.Is(err, ErrPerContractLimitExceeded) {
		t.Errorf("expected ErrPerContractLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ShortSideCounts(t *testing.T) {
	limiter := NewPositionLimiter(10, 50)

	existing := map[string]int64{aapl.Key(): -9}

	err := limiter.CheckLimit(aapl, -2, existing)
	if !errors.Is(err, ErrPerContractLimitExceeded) {
		t.Errorf("expected short exposure to count, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewPositionLimiter(10, 20)

	existing := map[string]int64{
		bzOct.Key(): 8,
		bzNov.Key(): -7, // opposite sign still adds exposure
	}

	// total = 6 + 8 + 7 = 21 > 20
	err := limiter.CheckLimit(bzDec, 6, existing)
	if !errors.Is(err, ErrCorrelatedLimitExceeded) {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherRootsIgnored(t *testing.T) {
	limiter := NewPositionLimiter(10, 20)

	existing := map[string]int64{
		bzOct.Key(): 8,
		clOct.Key(): 10, // different root
		aapl.Key():  10,
	}

	// BZ total = 8 + 8 = 16 <= 20.
	err := limiter.CheckLimit(bzNov, 8, existing)
	if err != nil {
		t.Errorf("other roots should be ignored, got %v", err)
	}
}

func TestCheckLimit_ReducingOrderAllowed(t *testing.T) {
	limiter := NewPositionLimiter(10, 20)

	existing := map[string]int64{
		bzOct.Key(): 10,
		bzNov.Key(): 10,
	}

	// Selling reduces exposure: 10 - 4 = 6, group 16.
	err := limiter.CheckLimit(bzOct, -4, existing)
	if err != nil {
		t.Errorf("reducing order should pass, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewPositionLimiter(0, 0)

	err := limiter.CheckLimit(bzOct, 1_000_000, map[string]int64{bzNov.Key(): 1_000_000})
	if err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}
