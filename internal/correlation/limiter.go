// Package correlation implements pre-trade position limits that account for
// correlation between contracts on the same underlying.
//
// Futures expiries of one root (BZ Oct and BZ Nov) move together, so a
// strategy long ten lots in each carries twenty lots of the same risk. The
// limiter groups contracts by root and caps the aggregate exposure of the
// group as well as each contract on its own.
package correlation

import (
	"errors"
	"fmt"

	"github.com/atmx/backtester/internal/contract"
)

var (
	// ErrPerContractLimitExceeded is returned when an order would push a
	// single contract's position beyond the per-contract maximum.
	ErrPerContractLimitExceeded = errors.New("correlation: per-contract position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when an order would push the
	// aggregate exposure across contracts of one root beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated exposure limit exceeded")
)

// PositionLimiter enforces position limits with correlation awareness.
// A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerContract is the maximum absolute net position in any single
	// contract, in lots.
	MaxPerContract int64

	// MaxCorrelated is the maximum aggregate absolute exposure across all
	// contracts sharing a root (security type and symbol).
	MaxCorrelated int64
}

// NewPositionLimiter creates a limiter with the given per-contract and
// correlated exposure limits.
func NewPositionLimiter(maxPerContract, maxCorrelated int64) *PositionLimiter {
	return &PositionLimiter{
		MaxPerContract: maxPerContract,
		MaxCorrelated:  maxCorrelated,
	}
}

// CheckLimit validates whether an order respects position limits.
//
// Parameters:
//   - target: the contract being traded
//   - delta: signed change in exposure (+buy / -sell)
//   - exposures: contract key → current net exposure
//
// Returns nil if the order is within limits, or an error describing the violation.
func (l *PositionLimiter) CheckLimit(target contract.Contract, delta int64, exposures map[string]int64) error {
	key := target.Key()

	// 1. Per-contract limit.
	newPosition := exposures[key] + delta
	if l.MaxPerContract > 0 && abs(newPosition) > l.MaxPerContract {
		return fmt.Errorf("%w: %s would hold %d > %d", ErrPerContractLimitExceeded, key, newPosition, l.MaxPerContract)
	}

	// 2. Correlated exposure: sum |exposure| across contracts of the root.
	if l.MaxCorrelated <= 0 {
		return nil
	}
	root := target.Root()
	total := abs(newPosition)
	for k, exposure := range exposures {
		if k == key {
			continue // already counted via newPosition above
		}
		if contract.RootOfKey(k) == root {
			total += abs(exposure)
		}
	}
	if total > l.MaxCorrelated {
		return fmt.Errorf("%w: %s group would hold %d > %d", ErrCorrelatedLimitExceeded, root, total, l.MaxCorrelated)
	}
	return nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
