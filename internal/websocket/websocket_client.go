// Package websocket maintains the single streaming connection to the exchange.
//
// The Client owns dialing, keep-alive and reconnect pacing. It does not know
// about channels or subscriptions: every inbound message is handed to
// Config.Handler and every state change to Config.OnStateChange, and the
// caller decides what to resend after a reconnect.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"chartfeed/internal/metrics"
	"chartfeed/internal/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultPingPeriod       = 15 * time.Second
	defaultSendTimeout      = 5 * time.Second
	defaultReadLimit        = 1 << 20 // 1MB
	defaultHandshakeTimeout = 10 * time.Second
	defaultMinBackoff       = 200 * time.Millisecond
	defaultMaxBackoff       = 30 * time.Second
	defaultStableReset      = 10 * time.Second
	shutdownWait            = 5 * time.Second
)

// State is the lifecycle state of the streaming connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dialer opens WebSocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config defines settings for the streaming client.
type Config struct {
	// Endpoint is the WebSocket URL to connect to. Required.
	Endpoint string

	// Handler receives every inbound message except keep-alive pings. Required.
	Handler func([]byte)

	// PingReply returns the reply for an application-level ping, if data is one.
	// Replies are written from the read loop before Handler sees anything.
	PingReply func(data []byte) ([]byte, bool)

	// OnStateChange is called, in order, for every state transition.
	OnStateChange func(State)

	// Dialer overrides the default gorilla dialer.
	Dialer Dialer

	TLSInsecureSkip  bool
	PingPeriod       time.Duration
	SendTimeout      time.Duration
	HandshakeTimeout time.Duration

	// MinBackoff and MaxBackoff bound the delay before a redial. The delay
	// doubles per failed or short-lived connection and resets once a
	// connection has stayed up for StableReset.
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	StableReset time.Duration
}

// Client is a reconnectable WebSocket connection.
type Client struct {
	cfg    Config
	dialer Dialer
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	// mu guards conn, failures and opens.
	mu       sync.Mutex
	conn     *websocket.Conn
	failures int
	opens    int

	writeMu sync.Mutex

	// Pending state notifications, delivered in order by notifyLoop.
	notifyMu  sync.Mutex
	pending   []State
	notifySig chan struct{}
	notifyWG  sync.WaitGroup

	once sync.Once
	wg   sync.WaitGroup
}

// NewClient returns a configured client in the Disconnected state.
// Call Connect to dial.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.StableReset == 0 {
		cfg.StableReset = defaultStableReset
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			TLSClientConfig:  &tls.Config{InsecureSkipVerify: cfg.TLSInsecureSkip},
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:       cfg,
		dialer:    dialer,
		logger:    log.With().Str("component", "stream").Str("endpoint", cfg.Endpoint).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		notifySig: make(chan struct{}, 1),
	}

	c.notifyWG.Add(1)
	go c.notifyLoop()

	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Connect starts dialing unless the client is already connecting or open.
// The dial happens on its own goroutine after the current backoff delay.
func (c *Client) Connect() {
	if c.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	if st := c.State(); st != Disconnected {
		c.mu.Unlock()
		c.logger.Debug().Stringer("state", st).Msg("connect ignored")
		return
	}
	delay := backoffDelay(c.failures, c.cfg.MinBackoff, c.cfg.MaxBackoff, 0.5+rand.Float64())
	c.setState(Connecting)
	c.wg.Add(1)
	c.mu.Unlock()

	go c.dialLoop(delay)
}

func (c *Client) dialLoop(delay time.Duration) {
	defer c.wg.Done()

	if delay > 0 {
		c.logger.Info().Dur("delay", delay).Msg("waiting before redial")
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-c.ctx.Done():
			t.Stop()
			return
		}
	}

	c.logger.Info().Msg("attempting websocket connection")
	conn, resp, err := c.dialer.DialContext(c.ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		metrics.StreamDialTotal.WithLabelValues("error").Inc()
		event := c.logger.Error().Err(err)
		if resp != nil {
			event = event.Int("statusCode", resp.StatusCode)
		}
		event.Msg("connection failed")

		c.mu.Lock()
		c.failures++
		if c.ctx.Err() == nil {
			c.setState(Disconnected)
		}
		c.mu.Unlock()
		return
	}
	metrics.StreamDialTotal.WithLabelValues("ok").Inc()

	conn.SetReadLimit(defaultReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))
	})
	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.SendTimeout))
		if err == nil {
			metrics.PongSentTotal.Inc()
		}
		return err
	})

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	if c.opens > 0 {
		metrics.StreamReconnectTotal.Inc()
	}
	c.opens++
	c.setState(Open)
	c.mu.Unlock()

	c.logger.Info().Msg("websocket connection established")

	connCtx, connCancel := context.WithCancel(c.ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop(connCtx, conn)
	}()

	opened := time.Now()
	c.readLoop(conn)
	connCancel()
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if time.Since(opened) >= c.cfg.StableReset {
		c.failures = 0
	} else {
		c.failures++
	}
	if c.ctx.Err() == nil {
		c.setState(Disconnected)
	}
	c.mu.Unlock()
}

// readLoop reads until the connection fails or the client closes.
func (c *Client) readLoop(conn *websocket.Conn) {
	logger := c.logger.With().Str("loop", "read").Logger()
	logger.Debug().Msg("starting read loop")
	defer logger.Debug().Msg("read loop exiting")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				logger.Debug().Msg("read loop stopped by shutdown")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
			case websocket.IsUnexpectedCloseError(err):
				logger.Warn().Err(err).Msg("unexpected websocket closure")
			default:
				logger.Error().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))

		if c.cfg.PingReply != nil {
			if reply, ok := c.cfg.PingReply(data); ok {
				if err := c.write(conn, websocket.TextMessage, reply); err != nil {
					logger.Warn().Err(err).Msg("pong write failed")
				} else {
					metrics.PongSentTotal.Inc()
				}
				continue
			}
		}

		c.dispatch(logger, data)
	}
}

func (c *Client) dispatch(logger zerolog.Logger, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Any("recover", r).Msg("panic in message handler")
		}
	}()
	c.cfg.Handler(data)
}

// pingLoop sends protocol pings so a dead peer is noticed through the read deadline.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.write(conn, websocket.PingMessage, nil); err != nil {
				c.logger.Warn().Err(err).Msg("ping error")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Send writes one text frame. It fails with model.ErrStream unless the connection is open.
func (c *Client) Send(frame []byte) error {
	_, err := c.SendTracked(frame)
	return err
}

// SendTracked is Send that also returns the generation of the connection the
// frame was written to.
func (c *Client) SendTracked(frame []byte) (uint64, error) {
	c.mu.Lock()
	conn := c.conn
	gen := uint64(c.opens)
	st := c.State()
	c.mu.Unlock()

	if st != Open || conn == nil {
		c.logger.Warn().Stringer("state", st).Msg("send on non-open stream")
		return 0, fmt.Errorf("%w: send while %s", model.ErrStream, st)
	}
	if err := c.write(conn, websocket.TextMessage, frame); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrStream, err)
	}
	return gen, nil
}

// Generation returns the number of connections opened so far. Every Open
// starts a new generation; zero means the client never connected.
func (c *Client) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.opens)
}

func (c *Client) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

// Close shuts the client down. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.logger.Info().Msg("initiating graceful shutdown")

		c.mu.Lock()
		c.setState(Closing)
		conn := c.conn
		c.mu.Unlock()

		c.cancel()

		if conn != nil {
			if err := conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			); err != nil {
				c.logger.Debug().Err(err).Msg("failed to send close frame")
			}
			if err := conn.Close(); err != nil {
				c.logger.Debug().Err(err).Msg("error closing websocket connection")
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			c.notifyWG.Wait()
			close(done)
		}()

		select {
		case <-done:
			c.logger.Info().Msg("shutdown complete")
		case <-time.After(shutdownWait):
			c.logger.Warn().Msg("timeout waiting for goroutines to complete")
		}
	})
}

// setState records a transition and queues its notification. Callers hold c.mu.
func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	metrics.StreamState.Set(float64(s))

	c.notifyMu.Lock()
	c.pending = append(c.pending, s)
	c.notifyMu.Unlock()

	select {
	case c.notifySig <- struct{}{}:
	default:
	}
}

// notifyLoop delivers state changes outside any lock held by the client, so an
// OnStateChange callback may call back into Connect or Send.
func (c *Client) notifyLoop() {
	defer c.notifyWG.Done()

	for {
		select {
		case <-c.notifySig:
			c.flushNotifications()
		case <-c.ctx.Done():
			c.flushNotifications()
			return
		}
	}
}

func (c *Client) flushNotifications() {
	c.notifyMu.Lock()
	batch := c.pending
	c.pending = nil
	c.notifyMu.Unlock()

	for _, s := range batch {
		c.logger.Debug().Stringer("state", s).Msg("stream state changed")
		if c.cfg.OnStateChange != nil {
			c.cfg.OnStateChange(s)
		}
	}
}

// backoffDelay returns the wait before the next dial after failures
// consecutive failed or short-lived connections. factor is the jitter
// multiplier, expected in [0.5, 1.5).
func backoffDelay(failures int, floor, ceiling time.Duration, factor float64) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := floor
	for i := 1; i < failures && d < ceiling; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * factor)
	if d > ceiling {
		d = ceiling
	}
	return d
}
