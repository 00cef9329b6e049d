package backtest

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotUTC       = errors.New("backtest: start and end must be UTC")
	ErrInvalidStep  = errors.New("backtest: step must be positive")
	ErrInvalidRange = errors.New("backtest: end precedes start")
	ErrNoMarkets    = errors.New("backtest: at least one market is required")
	ErrDuplicate    = errors.New("backtest: contract has more than one market")
)

// Config is the run configuration. Start and End are inclusive.
type Config struct {
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Step    time.Duration `json:"step"`
	Seed    int64         `json:"seed"`
	Shuffle bool          `json:"shuffle"`
}

// Validate checks the run configuration. Times must carry the UTC
// location itself; an equivalent fixed zone is rejected.
func (c Config) Validate() error {
	if c.Start.Location() != time.UTC || c.End.Location() != time.UTC {
		return fmt.Errorf("%w: start=%s end=%s", ErrNotUTC, c.Start.Location(), c.End.Location())
	}
	if c.Step <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidStep, c.Step)
	}
	if c.End.Before(c.Start) {
		return fmt.Errorf("%w: %s > %s", ErrInvalidRange, c.Start, c.End)
	}
	return nil
}
