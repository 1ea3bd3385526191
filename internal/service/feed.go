package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chartfeed/internal/model"
	"chartfeed/internal/utils"
	"chartfeed/internal/websocket"

	"github.com/rs/zerolog/log"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultControlTimeout = 5 * time.Second
)

// ErrFeedNotStarted is passed to error callbacks of requests made before Start or after Stop.
var ErrFeedNotStarted = errors.New("feed not started")

// InstrumentCatalog looks up instruments.
type InstrumentCatalog interface {
	Search(ctx context.Context, input, exchange, typ string) ([]model.Instrument, error)
	Resolve(ctx context.Context, name string) (model.Instrument, error)
}

// BarHistory serves historical bars and the seeds they leave behind.
type BarHistory interface {
	GetBars(ctx context.Context, inst model.Instrument, res model.Resolution, p model.PeriodParams) (model.History, error)
	SeedFor(key string) (model.Bar, bool)
}

// StreamConn is a Stream the feed can shut down.
type StreamConn interface {
	Stream
	Close()
}

// StreamFactory builds the streaming connection. handler receives raw messages
// and onState every state change.
type StreamFactory func(ctx context.Context, handler func([]byte), onState func(websocket.State)) (StreamConn, error)

// FeedConfig holds facade settings.
type FeedConfig struct {
	Exchange       string        // Exchange name reported to the host
	SymbolType     string        // Symbol type reported to the host
	RequestTimeout time.Duration // Per-request REST deadline
}

// Feed is the chart-facing data feed.
//
// Request methods return immediately; their callbacks run on a tracked
// goroutine, exactly once. The stream and registry are built on the first
// OnReady or SubscribeBars.
type Feed struct {
	cfg       FeedConfig
	catalog   InstrumentCatalog
	history   BarHistory
	newStream StreamFactory

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	stream   StreamConn
	registry *Registry
}

// NewFeed creates a feed in the stopped state.
func NewFeed(cfg FeedConfig, catalog InstrumentCatalog, history BarHistory, newStream StreamFactory) *Feed {
	if cfg.Exchange == "" {
		cfg.Exchange = model.DefaultExchange
	}
	if cfg.SymbolType == "" {
		cfg.SymbolType = "crypto"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	return &Feed{
		cfg:       cfg,
		catalog:   catalog,
		history:   history,
		newStream: newStream,
	}
}

// Start enables the feed. Work started by the feed stops when ctx is done or Stop is called.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started.Load() {
		return errors.New("feed has already started")
	}
	// ctx must be in place before requests can observe started.
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.started.Store(true)
	log.Info().Str("exchange", f.cfg.Exchange).Msg("feed started")
	return nil
}

// Stop closes the stream, stops the registry and waits for pending callbacks.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if !f.started.CompareAndSwap(true, false) {
		f.mu.Unlock()
		return ErrFeedNotStarted
	}
	stream, registry, cancel := f.stream, f.registry, f.cancel
	f.stream, f.registry = nil, nil
	f.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
	cancel()
	if registry != nil {
		registry.Wait()
	}
	f.wg.Wait()

	log.Info().Msg("feed stopped")
	return nil
}

// Configuration returns the record delivered by OnReady.
func (f *Feed) Configuration() model.DatafeedConfiguration {
	return model.DatafeedConfiguration{
		SupportedResolutions: append([]model.Resolution(nil), model.SupportedResolutions...),
		Exchanges: []model.ExchangeDescriptor{
			{Value: f.cfg.Exchange, Name: f.cfg.Exchange, Desc: f.cfg.Exchange},
		},
		SymbolsTypes: []model.SymbolType{
			{Name: f.cfg.SymbolType, Value: f.cfg.SymbolType},
		},
		SupportsTime: true,
	}
}

// OnReady delivers the feed configuration and prepares the stream.
func (f *Feed) OnReady(cb func(model.DatafeedConfiguration)) {
	if _, _, err := f.ensureRegistry(); err != nil {
		log.Error().Err(err).Msg("stream setup failed")
	}
	conf := f.Configuration()
	deliver := func() { cb(conf) }
	f.async("onReady", func(context.Context) { deliver() }, deliver)
}

// SearchSymbols delivers matching instruments. Failures deliver an empty list.
func (f *Feed) SearchSymbols(input, exchange, typ string, cb func([]model.SearchResult)) {
	f.async("searchSymbols", func(ctx context.Context) {
		instruments, err := f.catalog.Search(ctx, input, exchange, typ)
		if err != nil {
			log.Error().Err(err).Str("input", input).Msg("symbol search failed")
		}

		results := make([]model.SearchResult, 0, len(instruments))
		for _, inst := range instruments {
			results = append(results, model.SearchResult{
				Symbol:      inst.ShortName,
				FullName:    inst.FullName,
				Description: inst.ShortName,
				Exchange:    inst.Exchange,
				Type:        inst.Type,
			})
		}
		cb(results)
	}, func() {
		cb([]model.SearchResult{})
	})
}

// ResolveSymbol delivers the symbol record or an error naming the symbol.
func (f *Feed) ResolveSymbol(name string, onResolved func(model.SymbolInfo), onError func(error)) {
	f.async("resolveSymbol", func(ctx context.Context) {
		inst, err := f.catalog.Resolve(ctx, name)
		if err != nil {
			log.Warn().Err(err).Str("symbol", name).Msg("cannot resolve symbol")
			onError(fmt.Errorf("resolve %s: %w", name, err))
			return
		}
		log.Debug().Str("symbol", name).Str("resolved", inst.FullName).Msg("symbol resolved")
		onResolved(model.NewSymbolInfo(inst, model.SupportedResolutions))
	}, func() {
		onError(fmt.Errorf("resolve %s: %w", name, ErrFeedNotStarted))
	})
}

// GetBars delivers one history window or an error naming the symbol and resolution.
func (f *Feed) GetBars(inst model.Instrument, res model.Resolution, p model.PeriodParams,
	onHistory func(model.History), onError func(error)) {
	f.async("getBars", func(ctx context.Context) {
		hist, err := f.history.GetBars(ctx, inst, res, p)
		if err != nil {
			log.Warn().Err(err).Str("symbol", inst.FullName).Str("resolution", string(res)).Msg("history request failed")
			onError(fmt.Errorf("bars %s %s: %w", inst.FullName, res, err))
			return
		}
		onHistory(hist)
	}, func() {
		onError(fmt.Errorf("bars %s %s: %w", inst.FullName, res, ErrFeedNotStarted))
	})
}

// SubscribeBars starts live bars for a subscriber. Errors are logged.
func (f *Feed) SubscribeBars(inst model.Instrument, res model.Resolution, onBar func(model.Bar),
	subscriberID string, onResetCache func()) {
	registry, runCtx, err := f.ensureRegistry()
	if err != nil {
		log.Error().Err(err).Str("subscriber", subscriberID).Msg("cannot subscribe bars")
		return
	}

	sub := Subscription{
		Instrument:   inst,
		Resolution:   res,
		SubscriberID: subscriberID,
		OnBar:        onBar,
		OnResetCache: onResetCache,
	}
	if interval, err := res.Interval(); err == nil {
		if seed, ok := f.history.SeedFor(utils.ChannelKey(inst.Symbol, interval)); ok {
			sub.Seed = seed
		}
	}

	ctx, cancel := context.WithTimeout(runCtx, defaultControlTimeout)
	defer cancel()
	if err := registry.Subscribe(ctx, sub); err != nil {
		log.Error().Err(err).
			Str("subscriber", subscriberID).
			Str("symbol", inst.FullName).
			Str("resolution", string(res)).
			Msg("cannot subscribe bars")
		return
	}
	log.Info().Str("subscriber", subscriberID).Str("symbol", inst.FullName).Str("resolution", string(res)).Msg("bars subscribed")
}

// UnsubscribeBars stops live bars for a subscriber. Unknown ids are ignored.
func (f *Feed) UnsubscribeBars(subscriberID string) {
	f.mu.Lock()
	registry, runCtx := f.registry, f.ctx
	f.mu.Unlock()
	if registry == nil {
		return
	}

	ctx, cancel := context.WithTimeout(runCtx, defaultControlTimeout)
	defer cancel()
	if err := registry.Unsubscribe(ctx, subscriberID); err != nil {
		log.Error().Err(err).Str("subscriber", subscriberID).Msg("cannot unsubscribe bars")
		return
	}
	log.Info().Str("subscriber", subscriberID).Msg("bars unsubscribed")
}

// Channels reports the active channels, or nil before the stream exists.
func (f *Feed) Channels(ctx context.Context) (map[string][]string, error) {
	f.mu.Lock()
	registry := f.registry
	f.mu.Unlock()
	if registry == nil {
		return nil, nil
	}
	return registry.Channels(ctx)
}

// StreamState returns the stream state, Disconnected before the stream exists.
func (f *Feed) StreamState() websocket.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stream == nil {
		return websocket.Disconnected
	}
	return f.stream.State()
}

// ensureRegistry returns the registry, building it on first use, and the
// context of the current run.
func (f *Feed) ensureRegistry() (*Registry, context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started.Load() {
		return nil, nil, ErrFeedNotStarted
	}
	if f.registry != nil {
		return f.registry, f.ctx, nil
	}

	// The stream needs the registry's handlers and the registry needs the
	// stream, so the handlers go through this late-bound pointer.
	var registry *Registry
	stream, err := f.newStream(f.ctx,
		func(raw []byte) { registry.HandleMessage(raw) },
		func(s websocket.State) { registry.HandleState(s) },
	)
	if err != nil {
		return nil, nil, fmt.Errorf("build stream: %w", err)
	}

	registry = NewRegistry(stream)
	if err := registry.Start(f.ctx); err != nil {
		stream.Close()
		return nil, nil, err
	}

	f.stream, f.registry = stream, registry
	log.Info().Msg("stream and registry ready")
	return registry, f.ctx, nil
}

// async runs fn on a tracked goroutine with a request deadline. On a feed
// that is not running, notStarted runs instead so the caller still gets its
// one callback.
func (f *Feed) async(op string, fn func(ctx context.Context), notStarted func()) {
	f.mu.Lock()
	running := f.started.Load()
	ctx := f.ctx
	if running {
		f.wg.Add(1)
	}
	f.mu.Unlock()

	if !running {
		log.Warn().Str("op", op).Msg("request on stopped feed")
		go guard(op, notStarted)
		return
	}

	go func() {
		defer f.wg.Done()
		reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
		defer cancel()
		guard(op, func() { fn(reqCtx) })
	}()
}

// guard runs a callback, recovering a panic.
func guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("recover", r).Str("op", op).Msg("panic in feed callback")
		}
	}()
	fn()
}
