// Package candles turns streaming kline updates into well-formed chart bars.
//
// Advance is a pure state transition: it takes the last bar delivered on a
// channel and one incoming event and returns the next bar. It holds no state of
// its own, so the registry that owns the channel table is the only place where
// bars are stored.
package candles

import (
	"fmt"

	"chartfeed/internal/model"

	"github.com/shopspring/decimal"
)

// Advance computes the bar that follows previous once event is applied.
//
// Rules:
//   - A closed event yields the finalized bar for its interval, isNewBar = true.
//   - An open event for the same interval as previous keeps previous.Open,
//     widens High/Low and takes Close/Volume from the event, isNewBar = false.
//   - An open event for a later interval starts a new bar from the event values
//     alone: a bar never inherits open, high or low from an earlier interval.
//   - An empty previous bar (zero seed) is replaced by the event values.
//
// An event whose bar start lies before a non-empty previous bar is rejected with
// model.ErrOutOfOrder; the caller keeps its previous state.
func Advance(previous model.Bar, event model.KlineEvent) (model.Bar, bool, error) {
	if !previous.IsEmpty() && event.BarStart.Before(previous.Time) {
		return previous, false, fmt.Errorf("%w: event bar %d before last bar %d",
			model.ErrOutOfOrder, event.BarStart.UnixMilli(), previous.TimeMs())
	}

	if event.Closed || previous.IsEmpty() || !event.BarStart.Equal(previous.Time) {
		return fromEvent(event), true, nil
	}

	return model.Bar{
		Time:   event.BarStart,
		Open:   previous.Open,
		High:   decimal.Max(previous.High, event.High),
		Low:    decimal.Min(previous.Low, event.Low),
		Close:  event.Close,
		Volume: decimal.NewNullDecimal(event.Volume),
	}, false, nil
}

// fromEvent builds a bar carrying the event's own OHLCV values.
func fromEvent(event model.KlineEvent) model.Bar {
	return model.Bar{
		Time:   event.BarStart,
		Open:   event.Open,
		High:   event.High,
		Low:    event.Low,
		Close:  event.Close,
		Volume: decimal.NewNullDecimal(event.Volume),
	}
}
