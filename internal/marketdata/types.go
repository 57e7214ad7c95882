// Package marketdata fetches and aligns historical and latest price series
// for the supported asset classes.
package marketdata

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownAssetClass is returned for asset-class strings outside the
// supported set.
var ErrUnknownAssetClass = errors.New("unknown asset class")

// ErrNoData is returned when the upstream provider has no usable prices for
// a request.
var ErrNoData = errors.New("no price data available")

// AssetClass discriminates the symbol namespaces the provider understands.
type AssetClass string

const (
	Stocks  AssetClass = "stocks"
	Indices AssetClass = "indices"
	Forex   AssetClass = "forex"
	Crypto  AssetClass = "crypto"
)

// ParseAssetClass validates a user-supplied asset-class string.
func ParseAssetClass(s string) (AssetClass, error) {
	switch AssetClass(strings.ToLower(strings.TrimSpace(s))) {
	case Stocks:
		return Stocks, nil
	case Indices:
		return Indices, nil
	case Forex:
		return Forex, nil
	case Crypto:
		return Crypto, nil
	}
	return "", fmt.Errorf("%w: %q (want stocks, indices, forex or crypto)", ErrUnknownAssetClass, s)
}

// DecorateSymbol maps a bare symbol into the provider's namespace for the
// class: indices get a ^ prefix, forex pairs an =X suffix, crypto a -USD
// quote suffix. Already-decorated symbols pass through.
func DecorateSymbol(class AssetClass, symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	switch class {
	case Indices:
		if !strings.HasPrefix(s, "^") {
			s = "^" + s
		}
	case Forex:
		if !strings.HasSuffix(s, "=X") {
			s += "=X"
		}
	case Crypto:
		if !strings.Contains(s, "-") {
			s += "-USD"
		}
	}
	return s
}

// Quote is a latest-price observation.
type Quote struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceTable is a date-indexed table of close prices, one column per symbol.
// Dates are strictly increasing with no duplicates; every price row is
// aligned to Dates.
type PriceTable struct {
	Dates   []time.Time `json:"dates"`
	Symbols []string    `json:"symbols"`
	// Prices[i] is the aligned series for Symbols[i].
	Prices [][]float64 `json:"prices"`
}

// Validate checks the table invariants.
func (t *PriceTable) Validate() error {
	if len(t.Dates) == 0 || len(t.Symbols) == 0 {
		return fmt.Errorf("%w: empty price table", ErrNoData)
	}
	if len(t.Prices) != len(t.Symbols) {
		return fmt.Errorf("price table has %d series for %d symbols", len(t.Prices), len(t.Symbols))
	}
	for i, row := range t.Prices {
		if len(row) != len(t.Dates) {
			return fmt.Errorf("series %s has %d prices for %d dates", t.Symbols[i], len(row), len(t.Dates))
		}
	}
	for i := 1; i < len(t.Dates); i++ {
		if !t.Dates[i].After(t.Dates[i-1]) {
			return fmt.Errorf("dates not strictly increasing at index %d (%s)", i, t.Dates[i].Format("2006-01-02"))
		}
	}
	return nil
}

// Column returns the price series for a symbol.
func (t *PriceTable) Column(symbol string) ([]float64, bool) {
	for i, s := range t.Symbols {
		if s == symbol {
			return t.Prices[i], true
		}
	}
	return nil, false
}
