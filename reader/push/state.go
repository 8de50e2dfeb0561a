package push

import (
	"errors"
	"time"
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	// ErrNotConnected is returned by Send while the connection is not up.
	ErrNotConnected = errors.New("push: not connected")
	// ErrClosed is returned when the manager was shut down mid-operation.
	ErrClosed = errors.New("push: connection closed")
	// ErrMaxReconnect fills the error slot once the retry ceiling is hit.
	ErrMaxReconnect = errors.New("max reconnection attempts reached")
)

// ServerError carries the message of an inbound error frame verbatim.
type ServerError string

func (e ServerError) Error() string { return string(e) }

// Status is a point-in-time view of the manager for diagnostics.
type Status struct {
	State        State     `json:"state"`
	Connected    bool      `json:"connected"`
	URL          string    `json:"url"`
	ClientID     string    `json:"client_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	Attempts     int       `json:"reconnect_attempts"`
	Updates      uint64    `json:"updates"`
	LastUpdateAt time.Time `json:"last_update_at"`
}
