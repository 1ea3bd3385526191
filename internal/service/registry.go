// Package service wires the catalog, history and stream into the chart-facing feed.
//
// The Registry owns the streaming channel table. It uses the actor model: one
// goroutine owns every channel and subscriber record, and all other goroutines
// talk to it over channels, so the table needs no locks.
package service

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"chartfeed/internal/candles"
	"chartfeed/internal/exchange"
	"chartfeed/internal/metrics"
	"chartfeed/internal/model"
	"chartfeed/internal/utils"
	"chartfeed/internal/websocket"

	"github.com/rs/zerolog/log"
)

var (
	ErrRegistryNotStarted = errors.New("registry not started")
	ErrRegistryStopped    = errors.New("registry stopped")
)

// Stream is the connection the registry drives.
//
// Generation counts opened connections. SendTracked reports the generation a
// frame went out on, which lets the registry tell whether a channel is
// already subscribed on the current connection.
type Stream interface {
	Connect()
	SendTracked(frame []byte) (uint64, error)
	Generation() uint64
	State() websocket.State
}

// Subscription asks for live bars of one instrument at one resolution.
type Subscription struct {
	Instrument   model.Instrument
	Resolution   model.Resolution
	SubscriberID string
	OnBar        func(model.Bar)
	OnResetCache func()

	// Seed is the newest historical bar, if any. A zero Seed starts the
	// channel from an empty bar.
	Seed model.Bar
}

type handler struct {
	id           string
	onBar        func(model.Bar)
	onResetCache func()

	// active is cleared when the subscriber leaves; queued callbacks check it.
	active *atomic.Bool
}

func newHandler(sub Subscription) handler {
	h := handler{
		id:           sub.SubscriberID,
		onBar:        sub.OnBar,
		onResetCache: sub.OnResetCache,
		active:       new(atomic.Bool),
	}
	h.active.Store(true)
	return h
}

// channel is one exchange stream and the subscribers sharing it.
type channel struct {
	key        string
	instrument model.Instrument
	resolution model.Resolution
	lastBar    model.Bar
	handlers   []handler // subscription order
}

type delivery struct {
	active *atomic.Bool
	fn     func()
}

type subscribeReq struct {
	key   string
	sub   Subscription
	reply chan struct{}
}

type unsubscribeReq struct {
	id    string
	reply chan struct{}
}

// Registry multiplexes subscribers onto exchange channels.
type Registry struct {
	stream Stream
	codec  *exchange.Codec

	// Owned by the run goroutine.
	channels map[string]*channel
	owners   map[string]string // subscriber id -> channel key
	live     map[string]uint64 // channel key -> generation its SUBSCRIBE went out on
	state    websocket.State
	opened   bool
	nextID   int64

	subCh      chan subscribeReq
	unsubCh    chan unsubscribeReq
	frameCh    chan exchange.Frame
	stateCh    chan websocket.State
	snapshotCh chan chan map[string][]string

	started atomic.Bool
	done    chan struct{}

	// Callbacks run on the delivery goroutine, in the order they were queued.
	deliverMu  sync.Mutex
	deliveries []delivery
	deliverSig chan struct{}
	deliverWG  sync.WaitGroup
}

// NewRegistry creates a registry driving stream. It does nothing until Start.
func NewRegistry(stream Stream) *Registry {
	return &Registry{
		stream:     stream,
		codec:      exchange.NewCodec(),
		channels:   make(map[string]*channel),
		owners:     make(map[string]string),
		live:       make(map[string]uint64),
		subCh:      make(chan subscribeReq),
		unsubCh:    make(chan unsubscribeReq),
		frameCh:    make(chan exchange.Frame, 64),
		stateCh:    make(chan websocket.State, 16),
		snapshotCh: make(chan chan map[string][]string),
		done:       make(chan struct{}),
		deliverSig: make(chan struct{}, 1),
	}
}

// Start runs the registry until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("registry already started")
	}

	r.state = r.stream.State()
	r.nextID = 1

	r.deliverWG.Add(1)
	go r.deliverLoop()

	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("registry stopped")
				return
			case req := <-r.subCh:
				r.drainStates()
				r.subscribe(req.key, req.sub)
				close(req.reply)
			case req := <-r.unsubCh:
				r.drainStates()
				r.unsubscribe(req.id)
				close(req.reply)
			case frame := <-r.frameCh:
				r.handleFrame(frame)
			case state := <-r.stateCh:
				r.handleState(state)
			case reply := <-r.snapshotCh:
				r.drainStates()
				reply <- r.snapshot()
			}
		}
	}()
	return nil
}

// Done is closed once the registry has stopped.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the registry has stopped and every queued callback ran.
func (r *Registry) Wait() {
	<-r.done
	r.deliverWG.Wait()
}

// Subscribe adds a subscriber. A subscriber id already present elsewhere is moved.
func (r *Registry) Subscribe(ctx context.Context, sub Subscription) error {
	if sub.SubscriberID == "" {
		return errors.New("subscriber id is required")
	}
	if sub.OnBar == nil {
		return errors.New("bar callback is required")
	}
	interval, err := sub.Resolution.Interval()
	if err != nil {
		return err
	}

	req := subscribeReq{
		key:   utils.ChannelKey(sub.Instrument.Symbol, interval),
		sub:   sub,
		reply: make(chan struct{}),
	}
	if err := r.send(ctx, func() bool {
		select {
		case r.subCh <- req:
			return true
		case <-ctx.Done():
		case <-r.done:
		}
		return false
	}); err != nil {
		return err
	}
	return r.await(ctx, req.reply)
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (r *Registry) Unsubscribe(ctx context.Context, id string) error {
	req := unsubscribeReq{id: id, reply: make(chan struct{})}
	if err := r.send(ctx, func() bool {
		select {
		case r.unsubCh <- req:
			return true
		case <-ctx.Done():
		case <-r.done:
		}
		return false
	}); err != nil {
		return err
	}
	return r.await(ctx, req.reply)
}

// HandleMessage decodes one raw stream message and feeds it to the registry.
// It is the stream connection's message handler.
func (r *Registry) HandleMessage(raw []byte) {
	frame, err := r.codec.Decode(raw)
	if err != nil {
		metrics.Drop("decode")
		log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping undecodable stream message")
		return
	}
	r.HandleFrame(frame)
}

// HandleFrame queues a decoded frame. It blocks while the registry is busy,
// which applies backpressure to the stream's read loop.
func (r *Registry) HandleFrame(frame exchange.Frame) {
	if !r.started.Load() {
		return
	}
	select {
	case r.frameCh <- frame:
	case <-r.done:
	}
}

// HandleState queues a stream state change. It is the stream's OnStateChange.
func (r *Registry) HandleState(state websocket.State) {
	if !r.started.Load() {
		return
	}
	select {
	case r.stateCh <- state:
	case <-r.done:
	}
}

// Channels returns channel key -> subscriber ids, in subscription order.
func (r *Registry) Channels(ctx context.Context) (map[string][]string, error) {
	reply := make(chan map[string][]string, 1)
	if err := r.send(ctx, func() bool {
		select {
		case r.snapshotCh <- reply:
			return true
		case <-ctx.Done():
		case <-r.done:
		}
		return false
	}); err != nil {
		return nil, err
	}

	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) send(ctx context.Context, deliver func() bool) error {
	if !r.started.Load() {
		return ErrRegistryNotStarted
	}
	if deliver() {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrRegistryStopped
}

func (r *Registry) await(ctx context.Context, reply <-chan struct{}) error {
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrRegistryStopped
	}
}

// subscribe runs on the registry goroutine.
func (r *Registry) subscribe(key string, sub Subscription) {
	h := newHandler(sub)
	logger := log.With().Str("subscriber", sub.SubscriberID).Str("channel", key).Logger()

	if prev, ok := r.owners[sub.SubscriberID]; ok {
		if prev == key {
			ch := r.channels[key]
			for i := range ch.handlers {
				if ch.handlers[i].id == sub.SubscriberID {
					ch.handlers[i].active.Store(false)
					ch.handlers[i] = h
				}
			}
			logger.Debug().Msg("subscriber re-registered on the same channel")
			return
		}
		logger.Info().Str("from", prev).Msg("moving subscriber to a new channel")
		r.unsubscribe(sub.SubscriberID)
	}

	r.owners[sub.SubscriberID] = key
	defer r.updateGauges()

	if ch, ok := r.channels[key]; ok {
		ch.handlers = append(ch.handlers, h)
		logger.Debug().Int("subscribers", len(ch.handlers)).Msg("joined existing channel")
		return
	}

	last := sub.Seed
	if last.Time.IsZero() {
		last = model.ZeroBar(time.Now())
	}
	r.channels[key] = &channel{
		key:        key,
		instrument: sub.Instrument,
		resolution: sub.Resolution,
		lastBar:    last,
		handlers:   []handler{h},
	}
	logger.Info().Str("symbol", sub.Instrument.FullName).Str("resolution", string(sub.Resolution)).Msg("channel created")

	switch r.state {
	case websocket.Open:
		r.sendControl(exchange.MethodSubscribe, key)
	case websocket.Disconnected:
		r.stream.Connect()
	default:
		// Connecting: the Open transition subscribes every channel.
	}
}

// unsubscribe runs on the registry goroutine.
func (r *Registry) unsubscribe(id string) {
	key, ok := r.owners[id]
	if !ok {
		log.Debug().Str("subscriber", id).Msg("unsubscribe for unknown subscriber ignored")
		return
	}
	delete(r.owners, id)
	defer r.updateGauges()

	ch := r.channels[key]
	ch.handlers = slices.DeleteFunc(ch.handlers, func(h handler) bool {
		if h.id != id {
			return false
		}
		h.active.Store(false)
		return true
	})
	if len(ch.handlers) > 0 {
		return
	}

	delete(r.channels, key)
	delete(r.live, key)
	log.Info().Str("channel", key).Msg("channel closed")
	if r.state == websocket.Open {
		r.sendControl(exchange.MethodUnsubscribe, key)
	}
}

// handleFrame runs on the registry goroutine.
func (r *Registry) handleFrame(frame exchange.Frame) {
	switch f := frame.(type) {
	case exchange.KlineFrame:
		ch, ok := r.channels[f.Key]
		if !ok {
			metrics.Drop("no_channel")
			log.Debug().Str("channel", f.Key).Msg("kline for inactive channel dropped")
			return
		}

		bar, isNew, err := candles.Advance(ch.lastBar, f.Event)
		if err != nil {
			metrics.Drop("out_of_order")
			log.Warn().Err(err).Str("channel", f.Key).Msg("kline dropped")
			return
		}
		ch.lastBar = bar

		for _, h := range ch.handlers {
			r.deliver(h.active, func() { h.onBar(bar) })
		}
		metrics.BarsEmittedTotal.Add(float64(len(ch.handlers)))

		log.Debug().
			Str("symbol", ch.instrument.FullName).
			Str("resolution", string(ch.resolution)).
			Bool("new", isNew).
			Stringer("bar", bar).
			Msg("bar advanced")

	case exchange.ControlResponse:
		if f.Error != nil {
			log.Warn().Int64("id", f.ID).Int("code", f.Error.Code).Str("msg", f.Error.Msg).Msg("control request rejected")
			return
		}
		log.Debug().Int64("id", f.ID).Msg("control request acknowledged")

	case exchange.PingFrame:
		log.Debug().Msg("ping reached registry")

	default:
		metrics.Drop("unknown_frame")
		log.Debug().Msgf("unknown frame %T dropped", frame)
	}
}

// drainStates applies queued state changes so a request sees the newest
// connection state.
func (r *Registry) drainStates() {
	for {
		select {
		case state := <-r.stateCh:
			r.handleState(state)
		default:
			return
		}
	}
}

// handleState runs on the registry goroutine.
func (r *Registry) handleState(state websocket.State) {
	r.state = state

	switch state {
	case websocket.Open:
		reopen := r.opened
		r.opened = true

		// A channel created after the connection opened but before this
		// notification arrived is already subscribed on it.
		gen := r.stream.Generation()
		keys := slices.Sorted(maps.Keys(r.channels))
		replayed := 0
		for _, key := range keys {
			if gen != 0 && r.live[key] == gen {
				continue
			}
			r.sendControl(exchange.MethodSubscribe, key)
			replayed++
		}
		log.Info().Int("channels", len(keys)).Int("subscribed", replayed).Bool("reopen", reopen).Msg("stream open, channels subscribed")

		if reopen {
			for _, key := range keys {
				for _, h := range r.channels[key].handlers {
					if h.onResetCache != nil {
						r.deliver(h.active, h.onResetCache)
					}
				}
			}
		}

	case websocket.Disconnected:
		if len(r.channels) > 0 {
			log.Info().Int("channels", len(r.channels)).Msg("stream lost, reconnecting")
			r.stream.Connect()
		}
	}
}

func (r *Registry) sendControl(method, key string) {
	id := r.nextID
	r.nextID++

	frame, err := exchange.EncodeControl(method, []string{key}, id)
	if err != nil {
		log.Error().Err(err).Str("method", method).Msg("failed to encode control frame")
		return
	}
	gen, err := r.stream.SendTracked(frame)
	if err != nil {
		log.Warn().Err(err).Str("method", method).Str("channel", key).Msg("control frame not sent")
		return
	}
	if method == exchange.MethodSubscribe {
		r.live[key] = gen
	}
	metrics.ControlFramesTotal.WithLabelValues(method).Inc()
}

func (r *Registry) snapshot() map[string][]string {
	out := make(map[string][]string, len(r.channels))
	for key, ch := range r.channels {
		ids := make([]string, 0, len(ch.handlers))
		for _, h := range ch.handlers {
			ids = append(ids, h.id)
		}
		out[key] = ids
	}
	return out
}

func (r *Registry) updateGauges() {
	metrics.ActiveChannels.Set(float64(len(r.channels)))
	metrics.ActiveSubscribers.Set(float64(len(r.owners)))
}

// deliver queues a callback for the delivery goroutine. The callback is
// skipped if active has been cleared by the time it runs.
func (r *Registry) deliver(active *atomic.Bool, fn func()) {
	r.deliverMu.Lock()
	r.deliveries = append(r.deliveries, delivery{active: active, fn: fn})
	r.deliverMu.Unlock()

	select {
	case r.deliverSig <- struct{}{}:
	default:
	}
}

// deliverLoop runs subscriber callbacks off the registry goroutine so that a
// callback may call Subscribe or Unsubscribe.
func (r *Registry) deliverLoop() {
	defer r.deliverWG.Done()

	for {
		select {
		case <-r.deliverSig:
			r.runDeliveries()
		case <-r.done:
			r.runDeliveries()
			return
		}
	}
}

func (r *Registry) runDeliveries() {
	r.deliverMu.Lock()
	batch := r.deliveries
	r.deliveries = nil
	r.deliverMu.Unlock()

	for _, d := range batch {
		if !d.active.Load() {
			continue
		}
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error().Any("recover", rec).Msg("panic in subscriber callback")
				}
			}()
			d.fn()
		}()
	}
}
