// Package utils provides symbol naming helpers shared by the catalog and the stream.
//
// Symbols travel in three shapes: the host-facing full name ("Binance:BTC/USDT"),
// the short pair form ("BTC/USDT") and the exchange trading symbol ("BTCUSDT").
// These helpers convert between them and derive streaming channel keys.
package utils

import (
	"errors"
	"fmt"
	"strings"

	"chartfeed/internal/model"
)

// Error definitions for parsing functions
var (
	ErrEmptySymbol = errors.New("symbol cannot be empty")
)

// ParsedSymbol is the decomposition of a "EXCHANGE:BASE/QUOTE" or "BASE/QUOTE" string.
type ParsedSymbol struct {
	Exchange string // Exchange name; the default exchange when absent
	Base     string
	Quote    string
}

// TradingSymbol returns the exchange trading symbol (e.g., "BTCUSDT").
func (p ParsedSymbol) TradingSymbol() string {
	return p.Base + p.Quote
}

// ParseFullSymbol splits a full or short symbol name into its parts.
//
// Accepted forms are "EXCHANGE:BASE/QUOTE" and "BASE/QUOTE". A missing "/"
// separator or an empty part yields model.ErrParse.
func ParseFullSymbol(name string) (ParsedSymbol, error) {
	if name == "" {
		return ParsedSymbol{}, fmt.Errorf("%w: %v", model.ErrParse, ErrEmptySymbol)
	}

	exchange := model.DefaultExchange
	pair := name
	if i := strings.Index(name, ":"); i >= 0 {
		exchange, pair = name[:i], name[i+1:]
		if exchange == "" {
			return ParsedSymbol{}, fmt.Errorf("%w: empty exchange in %q", model.ErrParse, name)
		}
	}

	parts := strings.Split(pair, "/")
	if len(parts) != 2 {
		return ParsedSymbol{}, fmt.Errorf("%w: expected BASE/QUOTE, got %q", model.ErrParse, name)
	}
	if parts[0] == "" || parts[1] == "" {
		return ParsedSymbol{}, fmt.Errorf("%w: empty asset in %q", model.ErrParse, name)
	}

	return ParsedSymbol{Exchange: exchange, Base: parts[0], Quote: parts[1]}, nil
}

// GenerateSymbol builds the short and full names for a pair on an exchange.
func GenerateSymbol(exchange, base, quote string) (short, full string) {
	short = base + "/" + quote
	return short, exchange + ":" + short
}

// HasExchangePrefix reports whether the name carries an "EXCHANGE:" prefix.
func HasExchangePrefix(name string) bool {
	return strings.Contains(name, ":")
}

// ChannelKey derives the streaming channel key for a trading symbol and interval code.
//
//	ChannelKey("BTCUSDT", "1m") == "btcusdt@kline_1m"
func ChannelKey(tradingSymbol, interval string) string {
	return strings.ToLower(tradingSymbol) + "@kline_" + interval
}
