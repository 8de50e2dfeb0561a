package models

import (
	"encoding/json"
	"math"
	"time"
)

// Inbound push frame kinds.
const (
	FrameConnected    = "connected"
	FramePong         = "pong"
	FrameMarketUpdate = "market_update"
	FrameError        = "error"
)

// Outbound push frame kinds.
const (
	FramePing        = "ping"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// Envelope is the common shape of every inbound push frame. Data is kept raw
// and decoded only for the kinds that carry a payload. Timestamp is a unix
// epoch in seconds, possibly fractional; millisecond values are accepted too
// (see EpochTime).
type Envelope struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"client_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Quote is one symbol row of a market_update frame.
type Quote struct {
	Symbol       string  `json:"symbol"`
	Name         string  `json:"name"`
	CurrentPrice float64 `json:"current_price"`
	ChangePct    float64 `json:"change_pct"`
	Turnover     float64 `json:"turnover"`
	Volume       float64 `json:"volume,omitempty"`
	Open         float64 `json:"open,omitempty"`
	High         float64 `json:"high,omitempty"`
	Low          float64 `json:"low,omitempty"`
	PrevClose    float64 `json:"prev_close,omitempty"`
}

// MarketUpdate is the decoded payload of a market_update frame. Seq is
// assigned on receipt and increases monotonically per connection manager.
// Timestamp carries the server clock in the same unit as Envelope.Timestamp.
type MarketUpdate struct {
	Quotes     []Quote   `json:"data"`
	Timestamp  float64   `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
	Seq        uint64    `json:"seq"`
}

// epochMillisThreshold separates second and millisecond epochs: 1e12 seconds
// is tens of thousands of years away, 1e12 milliseconds is September 2001.
const epochMillisThreshold = 1e12

// EpochTime converts a server epoch to a time. Values at or above 1e12 are
// read as milliseconds, smaller ones as seconds. Non-positive values yield
// the zero time.
func EpochTime(v float64) time.Time {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}
	}
	if v >= epochMillisThreshold {
		v /= 1000
	}
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// Time is when the server stamped the update, falling back to ReceivedAt
// when the frame carried no timestamp.
func (u *MarketUpdate) Time() time.Time {
	if t := EpochTime(u.Timestamp); !t.IsZero() {
		return t
	}
	return u.ReceivedAt
}

// Quote returns the row for symbol, if present.
func (u *MarketUpdate) Quote(symbol string) (Quote, bool) {
	if u == nil {
		return Quote{}, false
	}
	for _, q := range u.Quotes {
		if q.Symbol == symbol {
			return q, true
		}
	}
	return Quote{}, false
}

// PingMessage is the heartbeat frame.
type PingMessage struct {
	Type string `json:"type"`
}

// SubscribeMessage asks the server to stream a channel.
type SubscribeMessage struct {
	Type    string                 `json:"type"`
	Channel string                 `json:"channel"`
	Filters map[string]interface{} `json:"filters,omitempty"`
}

// UnsubscribeMessage stops a channel.
type UnsubscribeMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// NewPing builds a heartbeat frame.
func NewPing() PingMessage {
	return PingMessage{Type: FramePing}
}

// NewSubscribe builds a subscribe frame; filters may be nil.
func NewSubscribe(channel string, filters map[string]interface{}) SubscribeMessage {
	return SubscribeMessage{Type: FrameSubscribe, Channel: channel, Filters: filters}
}

// NewUnsubscribe builds an unsubscribe frame.
func NewUnsubscribe(channel string) UnsubscribeMessage {
	return UnsubscribeMessage{Type: FrameUnsubscribe, Channel: channel}
}
