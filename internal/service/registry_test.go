package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chartfeed/internal/exchange"
	"chartfeed/internal/model"
	"chartfeed/internal/websocket"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const btcKey = "btcusdt@kline_1m"

// fakeStream records what the registry asks of the connection
type fakeStream struct {
	mu       sync.Mutex
	state    websocket.State
	sent     []exchange.ControlRequest
	connects int
	gen      uint64
}

func (f *fakeStream) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
}

func (f *fakeStream) SendTracked(frame []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != websocket.Open {
		return 0, fmt.Errorf("%w: not open", model.ErrStream)
	}
	var req exchange.ControlRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		return 0, err
	}
	f.sent = append(f.sent, req)
	return f.gen, nil
}

func (f *fakeStream) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen
}

func (f *fakeStream) State() websocket.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// setState moves the fake connection; every Open starts a new generation
func (f *fakeStream) setState(s websocket.State) {
	f.mu.Lock()
	if s == websocket.Open && f.state != websocket.Open {
		f.gen++
	}
	f.state = s
	f.mu.Unlock()
}

func (f *fakeStream) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeStream) requests() []exchange.ControlRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.ControlRequest(nil), f.sent...)
}

// keysFor returns the channel keys sent with method, in send order
func (f *fakeStream) keysFor(method string) []string {
	keys := []string{}
	for _, req := range f.requests() {
		if req.Method == method {
			keys = append(keys, req.Params...)
		}
	}
	return keys
}

// transition moves the fake stream and tells the registry, as the real client does
func transition(r *Registry, f *fakeStream, s websocket.State) {
	f.setState(s)
	r.HandleState(s)
}

// barCollector gathers bars delivered to one subscriber
type barCollector struct {
	mu     sync.Mutex
	bars   []model.Bar
	resets int
}

func (c *barCollector) onBar(b model.Bar) {
	c.mu.Lock()
	c.bars = append(c.bars, b)
	c.mu.Unlock()
}

func (c *barCollector) onReset() {
	c.mu.Lock()
	c.resets++
	c.mu.Unlock()
}

func (c *barCollector) snapshot() []model.Bar {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Bar(nil), c.bars...)
}

func (c *barCollector) resetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

func createTestInstrument(base, quote string) model.Instrument {
	return model.Instrument{
		Exchange:  "Binance",
		Symbol:    base + quote,
		Base:      base,
		Quote:     quote,
		ShortName: base + "/" + quote,
		FullName:  "Binance:" + base + "/" + quote,
		Type:      "crypto",
		TickSize:  decimal.RequireFromString("0.01"),
	}
}

func createTestSubscription(id string, res model.Resolution, c *barCollector) Subscription {
	return Subscription{
		Instrument:   createTestInstrument("BTC", "USDT"),
		Resolution:   res,
		SubscriberID: id,
		OnBar:        c.onBar,
		OnResetCache: c.onReset,
	}
}

// createTestKline creates a kline frame for the BTCUSDT 1m channel
func createTestKline(startMs int64, o, h, l, c string, closed bool) exchange.KlineFrame {
	start := time.UnixMilli(startMs).UTC()
	return exchange.KlineFrame{
		Key: btcKey,
		Event: model.KlineEvent{
			EventTime: start.Add(time.Second),
			Symbol:    "BTCUSDT",
			Interval:  "1m",
			BarStart:  start,
			BarEnd:    start.Add(time.Minute - time.Millisecond),
			Open:      decimal.RequireFromString(o),
			High:      decimal.RequireFromString(h),
			Low:       decimal.RequireFromString(l),
			Close:     decimal.RequireFromString(c),
			Volume:    decimal.NewFromInt(1),
			Closed:    closed,
		},
	}
}

func newStartedRegistry(t *testing.T, initial websocket.State) (*Registry, *fakeStream) {
	t.Helper()
	stream := &fakeStream{state: initial}
	if initial == websocket.Open {
		stream.gen = 1
	}
	r := NewRegistry(stream)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	t.Cleanup(func() {
		cancel()
		r.Wait()
	})
	return r, stream
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

// Test_Registry_Start tests lifecycle guards
func Test_Registry_Start(t *testing.T) {
	r := NewRegistry(&fakeStream{})

	err := r.Subscribe(context.Background(), createTestSubscription("a", "1", &barCollector{}))
	assert.True(t, errors.Is(err, ErrRegistryNotStarted), "Should reject use before Start")

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	assert.Error(t, r.Start(ctx), "Should reject a second Start")

	cancel()
	r.Wait()

	err = r.Subscribe(context.Background(), createTestSubscription("a", "1", &barCollector{}))
	assert.True(t, errors.Is(err, ErrRegistryStopped), "Should reject use after stop")
}

// Test_Subscribe_Validation tests request validation
func Test_Subscribe_Validation(t *testing.T) {
	tests := []struct {
		name        string
		modify      func(*Subscription)
		expectErr   error
		description string
	}{
		{
			name:        "Missing subscriber id",
			modify:      func(s *Subscription) { s.SubscriberID = "" },
			description: "Should require a subscriber id",
		},
		{
			name:        "Missing bar callback",
			modify:      func(s *Subscription) { s.OnBar = nil },
			description: "Should require a bar callback",
		},
		{
			name:        "Unsupported resolution",
			modify:      func(s *Subscription) { s.Resolution = "2D" },
			expectErr:   model.ErrUnsupportedResolution,
			description: "Should reject resolutions without an interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, stream := newStartedRegistry(t, websocket.Disconnected)

			sub := createTestSubscription("a", "1", &barCollector{})
			tt.modify(&sub)

			err := r.Subscribe(context.Background(), sub)
			require.Error(t, err, tt.description)
			if tt.expectErr != nil {
				assert.True(t, errors.Is(err, tt.expectErr))
			}
			assert.Zero(t, stream.connectCount(), "Rejected requests should not touch the stream")
		})
	}
}

// Test_Subscribe_WhileDisconnected tests deferred subscription
func Test_Subscribe_WhileDisconnected(t *testing.T) {
	r, stream := newStartedRegistry(t, websocket.Disconnected)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "1", &barCollector{})))
	assert.Equal(t, 1, stream.connectCount(), "First channel should trigger a connect")
	assert.Empty(t, stream.requests(), "Nothing can be sent before Open")

	transition(r, stream, websocket.Connecting)
	require.NoError(t, r.Subscribe(ctx, createTestSubscription("b", "60", &barCollector{})))
	assert.Equal(t, 1, stream.connectCount(), "Should not connect again while connecting")

	transition(r, stream, websocket.Open)
	eventually(t, func() bool { return len(stream.requests()) == 2 }, "Open should subscribe every channel")
	assert.Equal(t, []string{"btcusdt@kline_1h", btcKey}, stream.keysFor(exchange.MethodSubscribe))

	ids := []int64{}
	for _, req := range stream.requests() {
		ids = append(ids, req.ID)
	}
	assert.Equal(t, []int64{1, 2}, ids, "Control ids should increase")
}

// Test_Subscribe_WhileOpen tests immediate subscription and channel sharing
func Test_Subscribe_WhileOpen(t *testing.T) {
	r, stream := newStartedRegistry(t, websocket.Open)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "1", &barCollector{})))
	require.NoError(t, r.Subscribe(ctx, createTestSubscription("b", "1", &barCollector{})))

	assert.Equal(t, []string{btcKey}, stream.keysFor(exchange.MethodSubscribe), "A shared channel is subscribed once")
	assert.Zero(t, stream.connectCount())

	channels, err := r.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{btcKey: {"a", "b"}}, channels)
}

// Test_TwoSubscribers_OneUnsubscribes tests fan-out after a partial unsubscribe
func Test_TwoSubscribers_OneUnsubscribes(t *testing.T) {
	r, stream := newStartedRegistry(t, websocket.Open)
	ctx := context.Background()

	first, second := &barCollector{}, &barCollector{}
	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "1", first)))
	require.NoError(t, r.Subscribe(ctx, createTestSubscription("b", "1", second)))

	r.HandleFrame(createTestKline(1700000040000, "100", "101", "99", "100.5", false))
	eventually(t, func() bool { return len(first.snapshot()) == 1 && len(second.snapshot()) == 1 },
		"Both subscribers should receive the bar")

	require.NoError(t, r.Unsubscribe(ctx, "a"))
	assert.Empty(t, stream.keysFor(exchange.MethodUnsubscribe), "Channel still has a subscriber")

	r.HandleFrame(createTestKline(1700000040000, "100", "102", "99", "101", false))
	eventually(t, func() bool { return len(second.snapshot()) == 2 }, "Remaining subscriber keeps receiving")
	assert.Len(t, first.snapshot(), 1, "Removed subscriber should not receive more bars")

	require.NoError(t, r.Unsubscribe(ctx, "b"))
	assert.Equal(t, []string{btcKey}, stream.keysFor(exchange.MethodUnsubscribe), "Last subscriber closes the channel")

	channels, err := r.Channels(ctx)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

// Test_Unsubscribe_UnknownID tests that unknown ids are a no-op
func Test_Unsubscribe_UnknownID(t *testing.T) {
	r, stream := newStartedRegistry(t, websocket.Open)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "1", &barCollector{})))
	require.NoError(t, r.Unsubscribe(ctx, "missing"))

	channels, err := r.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{btcKey: {"a"}}, channels)
	assert.Empty(t, stream.keysFor(exchange.MethodUnsubscribe))
}

// Test_Subscribe_DuplicateID tests that a subscriber belongs to one channel
func Test_Subscribe_DuplicateID(t *testing.T) {
	r, stream := newStartedRegistry(t, websocket.Open)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "1", &barCollector{})))
	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "1", &barCollector{})))

	channels, err := r.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{btcKey: {"a"}}, channels, "Same channel should not duplicate the subscriber")

	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "60", &barCollector{})))

	channels, err = r.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"btcusdt@kline_1h": {"a"}}, channels, "Subscriber should move channels")
	assert.Equal(t, []string{btcKey}, stream.keysFor(exchange.MethodUnsubscribe), "Old channel is released")
}

// Test_DeferredSubscribe_Cancelled tests that channels removed before Open are never subscribed
func Test_DeferredSubscribe_Cancelled(t *testing.T) {
	r, stream := newStartedRegistry(t, websocket.Disconnected)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "1", &barCollector{})))
	require.NoError(t, r.Unsubscribe(ctx, "a"))

	transition(r, stream, websocket.Connecting)
	transition(r, stream, websocket.Open)

	require.NoError(t, r.Subscribe(ctx, createTestSubscription("b", "60", &barCollector{})))

	assert.Equal(t, []string{"btcusdt@kline_1h"}, stream.keysFor(exchange.MethodSubscribe))
	assert.Empty(t, stream.keysFor(exchange.MethodUnsubscribe), "Nothing to unsubscribe for a never-sent channel")
}

// Test_Reconnect_ResubscribesOnce tests replay after a dropped connection
func Test_Reconnect_ResubscribesOnce(t *testing.T) {
	r, stream := newStartedRegistry(t, websocket.Disconnected)
	ctx := context.Background()

	a, b, c := &barCollector{}, &barCollector{}, &barCollector{}
	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "1", a)))
	require.NoError(t, r.Subscribe(ctx, createTestSubscription("b", "1", b)))
	require.NoError(t, r.Subscribe(ctx, createTestSubscription("c", "60", c)))

	transition(r, stream, websocket.Connecting)
	transition(r, stream, websocket.Open)
	eventually(t, func() bool { return len(stream.requests()) == 2 }, "Initial open subscribes both channels")

	transition(r, stream, websocket.Disconnected)
	eventually(t, func() bool { return stream.connectCount() == 2 }, "Lost stream with channels should reconnect")

	transition(r, stream, websocket.Connecting)
	transition(r, stream, websocket.Open)
	eventually(t, func() bool { return len(stream.requests()) == 4 }, "Re-open subscribes every channel again")

	time.Sleep(50 * time.Millisecond)
	subscribed := stream.keysFor(exchange.MethodSubscribe)
	assert.Len(t, subscribed, 4, "Exactly one SUBSCRIBE per channel per open")
	assert.Equal(t, []string{"btcusdt@kline_1h", btcKey}, subscribed[2:])

	eventually(t, func() bool { return a.resetCount() == 1 && b.resetCount() == 1 && c.resetCount() == 1 },
		"Every subscriber should be told to reset its cache")

	channels, err := r.Channels(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{btcKey: {"a", "b"}, "btcusdt@kline_1h": {"c"}}, channels,
		"Reconnect should not duplicate subscribers")
}

// Test_Reconnect_StaleState tests a channel created on a new connection before
// the registry hears about the reconnect
func Test_Reconnect_StaleState(t *testing.T) {
	r, stream := newStartedRegistry(t, websocket.Open)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "1", &barCollector{})))

	// The connection drops and reopens; the notifications are still in flight.
	stream.setState(websocket.Disconnected)
	stream.setState(websocket.Open)
	require.NoError(t, r.Subscribe(ctx, createTestSubscription("b", "60", &barCollector{})))
	assert.Equal(t, []string{btcKey, "btcusdt@kline_1h"}, stream.keysFor(exchange.MethodSubscribe))

	r.HandleState(websocket.Disconnected)
	r.HandleState(websocket.Connecting)
	r.HandleState(websocket.Open)
	eventually(t, func() bool { return len(stream.keysFor(exchange.MethodSubscribe)) == 3 },
		"Open replay subscribes the channel from the old connection")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{btcKey, "btcusdt@kline_1h", btcKey}, stream.keysFor(exchange.MethodSubscribe),
		"A channel already subscribed on the current connection is not subscribed again")
}

// Test_Unsubscribe_DropsQueuedBars tests that bars queued for a subscriber are
// not delivered once Unsubscribe has returned
func Test_Unsubscribe_DropsQueuedBars(t *testing.T) {
	r, _ := newStartedRegistry(t, websocket.Open)
	ctx := context.Background()

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	sub := createTestSubscription("a", "1", &barCollector{})
	sub.OnBar = func(model.Bar) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	}
	require.NoError(t, r.Subscribe(ctx, sub))

	r.HandleFrame(createTestKline(1700000040000, "100", "101", "99", "100", false))
	waitFor(t, entered)

	r.HandleFrame(createTestKline(1700000040000, "100", "102", "99", "101", false))
	r.HandleFrame(createTestKline(1700000040000, "100", "103", "99", "102", false))
	eventually(t, func() bool {
		r.deliverMu.Lock()
		defer r.deliverMu.Unlock()
		return len(r.deliveries) == 2
	}, "Two bars should be queued behind the blocked callback")

	require.NoError(t, r.Unsubscribe(ctx, "a"))
	close(release)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "Queued bars are dropped after unsubscribe")
}

// Test_Disconnected_WithoutChannels tests that an idle stream is left alone
func Test_Disconnected_WithoutChannels(t *testing.T) {
	r, stream := newStartedRegistry(t, websocket.Open)
	ctx := context.Background()

	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "1", &barCollector{})))
	require.NoError(t, r.Unsubscribe(ctx, "a"))

	transition(r, stream, websocket.Disconnected)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, stream.connectCount())
}

// Test_HandleFrame_Advance tests bar progression through the registry
func Test_HandleFrame_Advance(t *testing.T) {
	r, _ := newStartedRegistry(t, websocket.Open)
	ctx := context.Background()

	collector := &barCollector{}
	sub := createTestSubscription("a", "1", collector)
	sub.Seed = model.Bar{
		Time:  time.UnixMilli(1700000040000).UTC(),
		Open:  decimal.RequireFromString("100"),
		High:  decimal.RequireFromString("105"),
		Low:   decimal.RequireFromString("98"),
		Close: decimal.RequireFromString("101"),
	}
	require.NoError(t, r.Subscribe(ctx, sub))

	r.HandleFrame(createTestKline(1700000040000, "101", "103", "97", "102", false))
	r.HandleFrame(createTestKline(1699999980000, "1", "1", "1", "1", false))
	r.HandleFrame(exchange.KlineFrame{Key: "ethbtc@kline_1m", Event: createTestKline(1700000040000, "1", "1", "1", "1", false).Event})
	r.HandleFrame(createTestKline(1700000100000, "102", "104", "101", "103", false))

	eventually(t, func() bool { return len(collector.snapshot()) == 2 }, "Out of order and foreign frames are dropped")
	bars := collector.snapshot()

	assert.True(t, decimal.RequireFromString("100").Equal(bars[0].Open), "Open is kept from the seed")
	assert.True(t, decimal.RequireFromString("105").Equal(bars[0].High))
	assert.True(t, decimal.RequireFromString("97").Equal(bars[0].Low), "Low follows the event")
	assert.True(t, decimal.RequireFromString("102").Equal(bars[0].Close))

	assert.Equal(t, int64(1700000100000), bars[1].TimeMs(), "Later start begins a new bar")
	assert.True(t, decimal.RequireFromString("102").Equal(bars[1].Open))
}

// Test_HandleMessage tests raw stream messages end to end
func Test_HandleMessage(t *testing.T) {
	r, _ := newStartedRegistry(t, websocket.Open)
	ctx := context.Background()

	collector := &barCollector{}
	require.NoError(t, r.Subscribe(ctx, createTestSubscription("a", "1", collector)))

	r.HandleMessage([]byte(`not json`))
	r.HandleMessage([]byte(`{"result": null, "id": 1}`))
	r.HandleMessage([]byte(`{"e":"kline","E":1700000041000,"s":"BTCUSDT","k":{"t":1700000040000,"T":1700000099999,` +
		`"s":"BTCUSDT","i":"1m","o":"100","h":"101","l":"99","c":"100.5","v":"3","x":false}}`))

	eventually(t, func() bool { return len(collector.snapshot()) == 1 }, "Kline should reach the subscriber")
	bar := collector.snapshot()[0]
	assert.Equal(t, int64(1700000040000), bar.TimeMs())
	assert.True(t, decimal.RequireFromString("100").Equal(bar.Open), "Zero seed takes the event's open")
	assert.True(t, decimal.RequireFromString("3").Equal(bar.Volume.Decimal))
}

// Test_Callback_Reentrancy tests that callbacks may call back into the registry
func Test_Callback_Reentrancy(t *testing.T) {
	r, stream := newStartedRegistry(t, websocket.Open)
	ctx := context.Background()

	done := make(chan error, 1)
	sub := createTestSubscription("a", "1", &barCollector{})
	sub.OnBar = func(model.Bar) {
		done <- r.Unsubscribe(ctx, "a")
	}
	require.NoError(t, r.Subscribe(ctx, sub))

	r.HandleFrame(createTestKline(1700000040000, "1", "1", "1", "1", false))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("unsubscribe from a bar callback deadlocked")
	}
	assert.Equal(t, []string{btcKey}, stream.keysFor(exchange.MethodUnsubscribe))
}

// Test_Callback_Panic tests that a panicking subscriber does not stop delivery
func Test_Callback_Panic(t *testing.T) {
	r, _ := newStartedRegistry(t, websocket.Open)
	ctx := context.Background()

	sub := createTestSubscription("a", "1", &barCollector{})
	sub.OnBar = func(model.Bar) { panic("subscriber panic") }
	require.NoError(t, r.Subscribe(ctx, sub))

	collector := &barCollector{}
	require.NoError(t, r.Subscribe(ctx, createTestSubscription("b", "1", collector)))

	r.HandleFrame(createTestKline(1700000040000, "1", "1", "1", "1", false))
	eventually(t, func() bool { return len(collector.snapshot()) == 1 }, "Later subscribers still receive the bar")
}
