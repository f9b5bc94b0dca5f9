// Package relay is the hub between one drone and any number of frontends.
//
// The drone channel carries telemetry text and encoded video frames. Telemetry
// is rebroadcast to every frontend verbatim, frames are stored in the shared
// frame buffer and, when a detector is loaded, turned into detection batches.
// Frontend channels carry commands back to the drone and receive keep-alive
// pings when idle.
package relay

import "errors"

var (
	// ErrClosed is returned by Conn implementations after Close.
	ErrClosed = errors.New("relay: connection closed")
	// ErrNoDrone is returned by SendCommand while no drone is connected.
	ErrNoDrone = errors.New("relay: no drone connected")
	// ErrPongTimeout ends a frontend session that did not answer a ping.
	ErrPongTimeout = errors.New("relay: no response to ping")
)

// Kind is the type of a received unit.
type Kind int

const (
	Text Kind = iota + 1
	Binary
)

func (k Kind) String() string {
	switch k {
	case Text:
		return "text"
	case Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// Status tells a receive loop whether to keep going.
type Status int

const (
	// StatusOK carries a unit in Result.Data.
	StatusOK Status = iota
	// StatusClosed is an orderly close by the peer.
	StatusClosed
	// StatusError is a transport failure; Result.Err holds the cause.
	StatusError
)

// Result is the outcome of one Receive call. Closed and Error are terminal.
type Result struct {
	Status Status
	Kind   Kind
	Data   []byte
	Err    error
}

// Terminal reports whether no further units will follow.
func (r Result) Terminal() bool {
	return r.Status != StatusOK
}

// Conn is one accepted websocket connection, as seen by the hub.
//
// Receive is called from a single goroutine. SendText may be called
// concurrently and must deliver whole messages in call order. Close is
// idempotent and unblocks a pending Receive.
type Conn interface {
	Receive() Result
	SendText(msg string) error
	Close() error
	RemoteAddr() string
}

// Evicter is an optional Conn extension. A drone connection replaced by a
// newer one is closed through Evict when available, so the peer learns why.
type Evicter interface {
	Evict(reason string) error
}

func evict(c Conn, reason string) error {
	if e, ok := c.(Evicter); ok {
		return e.Evict(reason)
	}
	return c.Close()
}
