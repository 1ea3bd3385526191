// Package exchange provides the Binance REST client and streaming frame codec.
//
// The stream speaks JSON over a single WebSocket. Inbound messages are decoded
// once, at the connection boundary, into one of the Frame variants below so
// that downstream code never probes raw fields:
//
//	{"result": null, "id": 1}                  -> ControlResponse
//	{"ping": 1700000000}                       -> PingFrame
//	{"e": "kline", "E": ..., "k": {...}}       -> KlineFrame
//	{"stream": "...", "data": {"e": "kline"}}  -> KlineFrame (combined stream)
//	anything else                              -> UnknownFrame
package exchange

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"chartfeed/internal/model"
	"chartfeed/internal/utils"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Control frame methods.
const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
)

// Frame is one decoded inbound stream message.
type Frame interface {
	isFrame()
}

// ControlResponse acknowledges (or rejects) a SUBSCRIBE/UNSUBSCRIBE request.
type ControlResponse struct {
	ID     int64
	Result json.RawMessage
	Error  *ControlError
}

// ControlError is the error body of a rejected control request.
type ControlError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// PingFrame is an application-level keep-alive probe from the exchange.
type PingFrame struct {
	Payload json.RawMessage
}

// KlineFrame carries one candle update and its channel key.
type KlineFrame struct {
	Key   string
	Event model.KlineEvent
}

// UnknownFrame is any well-formed JSON message the feed does not understand.
type UnknownFrame struct {
	Raw []byte
}

func (ControlResponse) isFrame() {}
func (PingFrame) isFrame()       {}
func (KlineFrame) isFrame()      {}
func (UnknownFrame) isFrame()    {}

// ErrMalformedFrame is returned for messages that are not valid frames.
var ErrMalformedFrame = errors.New("malformed frame")

// ControlRequest is the outbound SUBSCRIBE/UNSUBSCRIBE frame.
type ControlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// envelope captures every top-level field the decoder dispatches on.
type envelope struct {
	Ping      json.RawMessage `json:"ping"`
	ID        *int64          `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *ControlError   `json:"error"`
	EventType string          `json:"e"`
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
}

// klineMessage is the Binance kline event payload.
//
// Example:
//
//	{
//	  "e": "kline", "E": 1700000012345, "s": "BTCUSDT",
//	  "k": {"t": 1700000000000, "T": 1700000059999, "s": "BTCUSDT", "i": "1m",
//	        "o": "100.0", "h": "101.0", "l": "99.5", "c": "100.5", "v": "12.3", "x": false}
//	}
type klineMessage struct {
	EventType string     `json:"e" validate:"required,eq=kline"`
	EventTime int64      `json:"E" validate:"required,gt=0"`
	Kline     klineInner `json:"k"`
}

type klineInner struct {
	Start    int64  `json:"t" validate:"required,gt=0"`
	End      int64  `json:"T" validate:"required,gtfield=Start"`
	Symbol   string `json:"s" validate:"required"`
	Interval string `json:"i" validate:"required"`
	Open     string `json:"o" validate:"required,numeric"`
	High     string `json:"h" validate:"required,numeric"`
	Low      string `json:"l" validate:"required,numeric"`
	Close    string `json:"c" validate:"required,numeric"`
	Volume   string `json:"v" validate:"required,numeric"`
	Closed   bool   `json:"x"`
}

// Codec decodes inbound frames and encodes outbound control frames.
type Codec struct {
	validate *validator.Validate
}

// NewCodec creates a frame codec.
func NewCodec() *Codec {
	return &Codec{validate: validator.New()}
}

// Decode parses one inbound message into a Frame.
func (c *Codec) Decode(raw []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case len(env.Ping) > 0 && !isNull(env.Ping):
		return PingFrame{Payload: env.Ping}, nil
	case env.ID != nil && env.EventType == "" && env.Stream == "":
		return ControlResponse{ID: *env.ID, Result: env.Result, Error: env.Error}, nil
	case env.EventType == "kline":
		return c.decodeKline(raw)
	case env.Stream != "" && len(env.Data) > 0:
		if strings.Contains(env.Stream, "@kline_") {
			return c.decodeKline(env.Data)
		}
	}

	return UnknownFrame{Raw: raw}, nil
}

func (c *Codec) decodeKline(raw []byte) (Frame, error) {
	var m klineMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: kline payload: %v", ErrMalformedFrame, err)
	}
	if err := c.validate.Struct(&m); err != nil {
		return nil, fmt.Errorf("%w: kline validation: %v", ErrMalformedFrame, err)
	}

	k := m.Kline
	prices := make([]decimal.Decimal, 5)
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: kline field %d: %v", ErrMalformedFrame, i, err)
		}
		prices[i] = d
	}

	return KlineFrame{
		Key: utils.ChannelKey(k.Symbol, k.Interval),
		Event: model.KlineEvent{
			EventTime: time.UnixMilli(m.EventTime).UTC(),
			Symbol:    k.Symbol,
			Interval:  k.Interval,
			BarStart:  time.UnixMilli(k.Start).UTC(),
			BarEnd:    time.UnixMilli(k.End).UTC(),
			Open:      prices[0],
			High:      prices[1],
			Low:       prices[2],
			Close:     prices[3],
			Volume:    prices[4],
			Closed:    k.Closed,
		},
	}, nil
}

// PongFor returns the pong reply for a ping message.
//
// It is called on every inbound message before full decoding, so it only
// inspects the "ping" field.
func PongFor(raw []byte) ([]byte, bool) {
	if !bytes.Contains(raw, []byte(`"ping"`)) {
		return nil, false
	}
	var p struct {
		Ping json.RawMessage `json:"ping"`
	}
	if err := json.Unmarshal(raw, &p); err != nil || len(p.Ping) == 0 || isNull(p.Ping) {
		return nil, false
	}
	reply, err := json.Marshal(struct {
		Pong json.RawMessage `json:"pong"`
	}{Pong: p.Ping})
	if err != nil {
		return nil, false
	}
	return reply, true
}

// EncodeControl builds a SUBSCRIBE/UNSUBSCRIBE frame.
func EncodeControl(method string, keys []string, id int64) ([]byte, error) {
	if method != MethodSubscribe && method != MethodUnsubscribe {
		return nil, fmt.Errorf("unknown control method %q", method)
	}
	if len(keys) == 0 {
		return nil, errors.New("control frame needs at least one channel key")
	}
	return json.Marshal(ControlRequest{Method: method, Params: keys, ID: id})
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
