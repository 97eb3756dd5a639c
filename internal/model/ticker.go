package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// tickerRegex matches equity symbols (AAPL, BRK.B, D05.SI) and crypto pairs
// (BTC-USD).
var tickerRegex = regexp.MustCompile(`^([A-Z][A-Z0-9]{0,9}(?:\.[A-Z]{1,2})?)(?:-([A-Z]{3,5}))?$`)

// SGXSuffix marks Singapore Exchange listings.
const SGXSuffix = ".SI"

var ErrInvalidTicker = errors.New("model: invalid ticker format")

// Ticker is a parsed instrument symbol.
type Ticker struct {
	Symbol string `json:"symbol"` // full normalized form, e.g. BTC-USD
	Base   string `json:"base"`   // BTC
	Quote  string `json:"quote"`  // USD; empty for equities
}

// IsPair reports whether the ticker is a base-quote crypto pair.
func (t Ticker) IsPair() bool { return t.Quote != "" }

// ParseTicker upper-cases, trims and validates a ticker symbol.
func ParseTicker(s string) (Ticker, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	m := tickerRegex.FindStringSubmatch(sym)
	if m == nil {
		return Ticker{}, fmt.Errorf("%w: %q", ErrInvalidTicker, s)
	}
	return Ticker{Symbol: sym, Base: m[1], Quote: m[2]}, nil
}

// NormalizeTicker returns the canonical symbol or an error.
func NormalizeTicker(s string) (string, error) {
	t, err := ParseTicker(s)
	if err != nil {
		return "", err
	}
	return t.Symbol, nil
}

// IsSGX reports whether the ticker is an SGX listing.
func (t Ticker) IsSGX() bool { return strings.HasSuffix(t.Symbol, SGXSuffix) }

// SGXTicker appends the SGX suffix when it is missing.
func SGXTicker(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if strings.HasSuffix(s, SGXSuffix) {
		return s
	}
	return s + SGXSuffix
}
