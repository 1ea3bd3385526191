// Package catalog fetches, caches and resolves the exchange's tradable instruments.
//
// The cache has no TTL: it is filled on first use and stays valid for the life of
// the process until FetchAll is called again.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"chartfeed/internal/exchange"
	"chartfeed/internal/model"
	"chartfeed/internal/utils"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const loadKey = "exchangeInfo"

// MetadataSource provides the exchange's symbol listing.
type MetadataSource interface {
	ExchangeInfo(ctx context.Context) ([]exchange.SymbolMeta, error)
}

// Catalog holds the instrument list for one exchange.
type Catalog struct {
	source   MetadataSource
	exchange string
	symType  string

	mu          sync.RWMutex
	instruments []model.Instrument
	loaded      bool
	sf          singleflight.Group
}

// NewCatalog creates an empty catalog. exchangeName prefixes every full name.
func NewCatalog(source MetadataSource, exchangeName string) *Catalog {
	if exchangeName == "" {
		exchangeName = model.DefaultExchange
	}
	return &Catalog{
		source:   source,
		exchange: exchangeName,
		symType:  "crypto",
	}
}

// FetchAll retrieves the instrument list and replaces the cache.
func (c *Catalog) FetchAll(ctx context.Context) ([]model.Instrument, error) {
	metas, err := c.source.ExchangeInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}

	instruments := make([]model.Instrument, 0, len(metas))
	for _, m := range metas {
		short, full := utils.GenerateSymbol(c.exchange, m.BaseAsset, m.QuoteAsset)
		instruments = append(instruments, model.Instrument{
			Exchange:  c.exchange,
			Symbol:    m.Symbol,
			Base:      m.BaseAsset,
			Quote:     m.QuoteAsset,
			ShortName: short,
			FullName:  full,
			Type:      c.symType,
			TickSize:  m.TickSize(),
		})
	}

	c.mu.Lock()
	c.instruments = instruments
	c.loaded = true
	c.mu.Unlock()

	log.Info().Str("exchange", c.exchange).Int("instruments", len(instruments)).Msg("instrument catalog loaded")
	return instruments, nil
}

// snapshot returns the cached instruments, fetching them on first use.
// Concurrent first callers share one fetch.
func (c *Catalog) snapshot(ctx context.Context) ([]model.Instrument, error) {
	c.mu.RLock()
	if c.loaded {
		list := c.instruments
		c.mu.RUnlock()
		return list, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.sf.Do(loadKey, func() (interface{}, error) {
		return c.FetchAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Instrument), nil
}

// Search returns instruments whose full name contains input, case-insensitively.
//
// Empty exchange or typ filters match everything. Results keep catalog order.
func (c *Catalog) Search(ctx context.Context, input, exchangeFilter, typ string) ([]model.Instrument, error) {
	list, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(input)
	out := make([]model.Instrument, 0)
	for _, inst := range list {
		if exchangeFilter != "" && inst.Exchange != exchangeFilter {
			continue
		}
		if typ != "" && inst.Type != typ {
			continue
		}
		if strings.Contains(strings.ToLower(inst.FullName), needle) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// Resolve finds the instrument for a full ("Binance:BTC/USDT") or bare ("BTC/USDT") name.
//
// Stages: exact full name, then the default exchange prefixed to a bare name,
// then the short name. Names without a "/" fail with model.ErrParse.
func (c *Catalog) Resolve(ctx context.Context, name string) (model.Instrument, error) {
	if _, err := utils.ParseFullSymbol(name); err != nil {
		return model.Instrument{}, err
	}

	list, err := c.snapshot(ctx)
	if err != nil {
		return model.Instrument{}, err
	}

	if inst, ok := find(list, func(i model.Instrument) bool { return i.FullName == name }); ok {
		return inst, nil
	}

	if !utils.HasExchangePrefix(name) {
		prefixed := c.exchange + ":" + name
		log.Debug().Str("symbol", name).Str("normalized", prefixed).Msg("retrying resolve with default exchange")
		if inst, ok := find(list, func(i model.Instrument) bool { return i.FullName == prefixed }); ok {
			return inst, nil
		}
	}

	if inst, ok := find(list, func(i model.Instrument) bool { return i.ShortName == name }); ok {
		return inst, nil
	}

	return model.Instrument{}, fmt.Errorf("%w: cannot resolve symbol %s", model.ErrSymbolNotFound, name)
}

func find(list []model.Instrument, match func(model.Instrument) bool) (model.Instrument, bool) {
	for _, inst := range list {
		if match(inst) {
			return inst, true
		}
	}
	return model.Instrument{}, false
}
