// Package contract parses and validates instrument specs and names the
// recorded tick tables that back each instrument.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Supported security types.
const (
	TypeStock  = "STK"
	TypeFuture = "FUT"
	TypeCash   = "CASH"
)

var validTypes = map[string]bool{
	TypeStock:  true,
	TypeFuture: true,
	TypeCash:   true,
}

// TickKind names one recorded tick table per instrument.
type TickKind string

const (
	Trades TickKind = "trades"
	BidAsk TickKind = "bid_ask"
)

// specRegex matches: {secType}-{symbol}[-{YYYYMMDD}]-{conID}@{venue}[*{multiplier}]
// Example: FUT-BZ-20201030-97481898@NYMEX*1000
var specRegex = regexp.MustCompile(
	`^([A-Z]+)-([A-Z0-9.]+)(?:-(\d{8}))?-(\d+)@([A-Z0-9]+)(?:\*(\d+(?:\.\d+)?))?$`,
)

var (
	ErrInvalidSpec   = errors.New("contract: invalid instrument spec")
	ErrInvalidType   = errors.New("contract: unsupported security type")
	ErrMissingExpiry = errors.New("contract: futures require an expiry")
)

// Contract identifies one tradable instrument.
type Contract struct {
	SecType string          `json:"sec_type"`
	Symbol  string          `json:"symbol"`
	Expiry  string          `json:"expiry,omitempty"` // YYYYMMDD, futures only
	ConID   int64           `json:"con_id"`
	Venue   string          `json:"venue"`
	Mult    decimal.Decimal `json:"multiplier"`
}

// Parse parses and validates an instrument spec string.
// Format: {secType}-{symbol}[-{YYYYMMDD}]-{conID}@{venue}[*{multiplier}]
func Parse(spec string) (Contract, error) {
	matches := specRegex.FindStringSubmatch(strings.TrimSpace(spec))
	if matches == nil {
		return Contract{}, fmt.Errorf("%w: %s (expected {type}-{symbol}[-{YYYYMMDD}]-{conid}@{venue}[*{mult}])",
			ErrInvalidSpec, spec)
	}

	secType := matches[1]
	if !validTypes[secType] {
		return Contract{}, fmt.Errorf("%w: %s", ErrInvalidType, secType)
	}

	expiry := matches[3]
	switch {
	case secType == TypeFuture && expiry == "":
		return Contract{}, fmt.Errorf("%w: %s", ErrMissingExpiry, spec)
	case secType != TypeFuture && expiry != "":
		return Contract{}, fmt.Errorf("%w: expiry only applies to futures: %s", ErrInvalidSpec, spec)
	}
	if expiry != "" {
		if _, err := time.Parse("20060102", expiry); err != nil {
			return Contract{}, fmt.Errorf("%w: invalid date %s", ErrInvalidSpec, expiry)
		}
	}

	conID, err := strconv.ParseInt(matches[4], 10, 64)
	if err != nil {
		return Contract{}, fmt.Errorf("%w: con id %s", ErrInvalidSpec, matches[4])
	}

	mult := decimal.Zero
	if matches[6] != "" {
		mult, err = decimal.NewFromString(matches[6])
		if err != nil || !mult.IsPositive() {
			return Contract{}, fmt.Errorf("%w: multiplier %s", ErrInvalidSpec, matches[6])
		}
	}

	return Contract{
		SecType: secType,
		Symbol:  matches[2],
		Expiry:  expiry,
		ConID:   conID,
		Venue:   matches[5],
		Mult:    mult,
	}, nil
}

// ParseList parses a comma separated list of specs, keeping their order.
func ParseList(specs string) ([]Contract, error) {
	var out []Contract
	for _, s := range strings.Split(specs, ",") {
		if strings.TrimSpace(s) == "" {
			continue
		}
		c, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Key is the canonical identity of the contract, usable as a map key.
// The multiplier is not part of the identity.
func (c Contract) Key() string {
	if c.Expiry != "" {
		return fmt.Sprintf("%s-%s-%s-%d@%s", c.SecType, c.Symbol, c.Expiry, c.ConID, c.Venue)
	}
	return fmt.Sprintf("%s-%s-%d@%s", c.SecType, c.Symbol, c.ConID, c.Venue)
}

// String renders the contract back into spec form.
func (c Contract) String() string {
	if c.Mult.IsPositive() {
		return c.Key() + "*" + c.Mult.String()
	}
	return c.Key()
}

// Root groups contracts on the same underlying, e.g. all BZ futures expiries.
func (c Contract) Root() string {
	return c.SecType + "-" + c.Symbol
}

// RootOfKey extracts the Root of a contract from its Key.
func RootOfKey(key string) string {
	parts := strings.SplitN(key, "-", 3)
	if len(parts) < 2 {
		return key
	}
	return parts[0] + "-" + strings.SplitN(parts[1], "@", 2)[0]
}

// Multiplier is the contract multiplier applied to PnL; 1 when unset.
func (c Contract) Multiplier() decimal.Decimal {
	if c.Mult.IsPositive() {
		return c.Mult
	}
	return decimal.NewFromInt(1)
}

// TableName returns the recorded tick table for this contract and kind:
// {symbol}{expiry}_{conid}_{kind}, lowercased.
func (c Contract) TableName(kind TickKind) string {
	name := c.Symbol
	if c.SecType == TypeFuture {
		name += c.Expiry
	}
	name = strings.NewReplacer(".", "", "-", "").Replace(name)
	return strings.ToLower(fmt.Sprintf("%s_%d_%s", name, c.ConID, kind))
}
