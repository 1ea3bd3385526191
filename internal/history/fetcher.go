// Package history serves historical bar requests and remembers the newest bar
// of each first request as the seed for the live stream.
package history

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"chartfeed/internal/exchange"
	"chartfeed/internal/model"
	"chartfeed/internal/utils"

	"github.com/rs/zerolog/log"
)

// KlineSource provides raw historical candles.
type KlineSource interface {
	Klines(ctx context.Context, q exchange.KlineQuery) ([]model.Bar, error)
}

// Fetcher retrieves bar windows and keeps the seed store.
type Fetcher struct {
	source   KlineSource
	pageSize int

	mu    sync.RWMutex
	seeds map[string]model.Bar // channel key -> last bar of the first request
}

// NewFetcher creates a fetcher. pageSize <= 0 uses the source's default.
func NewFetcher(source KlineSource, pageSize int) *Fetcher {
	return &Fetcher{
		source:   source,
		pageSize: pageSize,
		seeds:    make(map[string]model.Bar),
	}
}

// GetBars returns bars with From <= t < To, oldest first.
//
// An empty window is not an error: it yields History{NoData: true}. On a first
// data request the newest bar is stored as the seed for the channel.
func (f *Fetcher) GetBars(ctx context.Context, inst model.Instrument, res model.Resolution, p model.PeriodParams) (model.History, error) {
	interval, err := res.Interval()
	if err != nil {
		return model.History{}, err
	}

	q := exchange.KlineQuery{
		Symbol:   inst.Symbol,
		Interval: interval,
		Limit:    f.pageSize,
	}
	if p.From > 0 {
		q.Start = time.Unix(p.From, 0)
	}
	if p.To > 0 {
		q.End = time.Unix(p.To, 0)
	}

	raw, err := f.source.Klines(ctx, q)
	if err != nil {
		return model.History{}, fmt.Errorf("history %s %s: %w", inst.FullName, res, err)
	}

	fromMs, toMs := p.From*1000, p.To*1000
	bars := make([]model.Bar, 0, len(raw))
	for _, b := range raw {
		t := b.TimeMs()
		if p.From > 0 && t < fromMs {
			continue
		}
		if p.To > 0 && t >= toMs {
			continue
		}
		bars = append(bars, b)
	}

	slices.SortStableFunc(bars, func(a, b model.Bar) int {
		return a.Time.Compare(b.Time)
	})

	log.Debug().
		Str("symbol", inst.FullName).
		Str("resolution", string(res)).
		Int("received", len(raw)).
		Int("kept", len(bars)).
		Msg("history window fetched")

	if len(bars) == 0 {
		return model.History{Bars: []model.Bar{}, NoData: true}, nil
	}

	if p.FirstDataRequest {
		key := utils.ChannelKey(inst.Symbol, interval)
		f.mu.Lock()
		f.seeds[key] = bars[len(bars)-1]
		f.mu.Unlock()
	}

	return model.History{Bars: bars}, nil
}

// SeedFor returns the stored seed bar for a channel key.
func (f *Fetcher) SeedFor(key string) (model.Bar, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.seeds[key]
	return b, ok
}
