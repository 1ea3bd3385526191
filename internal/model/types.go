// Package model defines core data types for the chart data feed.
//
// This package contains the instrument, resolution and bar records shared by the
// catalog, the historical fetcher and the streaming pipeline. Prices and sizes use
// decimal.Decimal so that exchange strings survive parsing without float rounding.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultExchange is the exchange name prepended to bare "BASE/QUOTE" symbols.
const DefaultExchange = "Binance"

// Instrument represents a tradable pair listed by the exchange.
//
// Instruments are built by the catalog on fetch and are read-only afterwards.
type Instrument struct {
	Exchange  string          // Exchange name (e.g., "Binance")
	Symbol    string          // Exchange trading symbol (e.g., "BTCUSDT")
	Base      string          // Base asset (e.g., "BTC")
	Quote     string          // Quote asset (e.g., "USDT")
	ShortName string          // "BASE/QUOTE"
	FullName  string          // "EXCHANGE:BASE/QUOTE"
	Type      string          // Symbol type reported to the host (e.g., "crypto")
	TickSize  decimal.Decimal // Minimum price increment
}

// PriceScale returns the display precision multiplier derived from the tick size.
func (i Instrument) PriceScale() int64 {
	return PriceScale(i.TickSize)
}

// PriceScale derives the price scale from a tick size.
//
// A tick size of at least one is treated as a number of decimals (10^tick);
// smaller tick sizes are inverted and rounded (0.01 => 100).
func PriceScale(tick decimal.Decimal) int64 {
	if tick.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(10).Pow(tick).IntPart()
	}
	if !tick.IsPositive() {
		return 1
	}
	return decimal.NewFromInt(1).Div(tick).Round(0).IntPart()
}

// Bar is one OHLCV candle.
//
// Time is the bar start time in the exchange epoch with millisecond precision.
// Volume is optional: a seed bar created without history carries no volume.
type Bar struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.NullDecimal
}

// IsEmpty reports whether the bar carries no prices, as a zero-valued seed does.
func (b Bar) IsEmpty() bool {
	return b.Open.IsZero() && b.High.IsZero() && b.Low.IsZero() && b.Close.IsZero()
}

// TimeMs returns the bar time in Unix milliseconds.
func (b Bar) TimeMs() int64 {
	return b.Time.UnixMilli()
}

func (b Bar) String() string {
	return fmt.Sprintf("bar{t=%d o=%s h=%s l=%s c=%s v=%s}",
		b.TimeMs(), b.Open, b.High, b.Low, b.Close, b.Volume.Decimal)
}

// ZeroBar returns an empty bar stamped at the given time.
func ZeroBar(at time.Time) Bar {
	return Bar{
		Time:  at.Truncate(time.Millisecond),
		Open:  decimal.Zero,
		High:  decimal.Zero,
		Low:   decimal.Zero,
		Close: decimal.Zero,
	}
}

// KlineEvent is a decoded streaming candle update.
type KlineEvent struct {
	EventTime time.Time
	Symbol    string // Exchange trading symbol (e.g., "BTCUSDT")
	Interval  string // Exchange interval code (e.g., "1m")
	BarStart  time.Time
	BarEnd    time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Closed    bool // true when the exchange marks the interval as final
}

// PeriodParams describes one history request from the host.
//
// From and To are Unix seconds; bars are returned for From <= t < To.
type PeriodParams struct {
	From             int64
	To               int64
	CountBack        int
	FirstDataRequest bool
}

// History is the result of a historical bar request.
type History struct {
	Bars   []Bar
	NoData bool // true when the window holds no bars; the host stops paging back
}
