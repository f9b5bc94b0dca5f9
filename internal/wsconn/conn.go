// Package wsconn adapts gorilla websocket connections to relay.Conn.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aerosentinel/relay/internal/relay"
)

const (
	// DefaultWriteTimeout bounds a single write to a slow peer.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultReadLimit caps one inbound message. Frames are a few hundred KB.
	DefaultReadLimit = 8 << 20

	closeGrace = time.Second
)

// Options tunes a Conn.
type Options struct {
	WriteTimeout time.Duration
	ReadLimit    int64
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	return o
}

// Conn wraps a websocket connection. gorilla allows one concurrent reader and
// one concurrent writer; Conn serializes writers so SendText is safe from any
// goroutine. A failed write closes the connection, which ends the owner's
// read loop.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var (
	_ relay.Conn    = (*Conn)(nil)
	_ relay.Evicter = (*Conn)(nil)
)

// New wraps an established websocket connection.
func New(ws *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	ws.SetReadLimit(opts.ReadLimit)
	return &Conn{ws: ws, opts: opts}
}

// NewUpgrader returns the upgrader used for both websocket endpoints. Any
// origin is accepted; the relay sits behind the operator's own network.
func NewUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Upgrade completes the websocket handshake on w. On failure the upgrader has
// already written an HTTP error.
func Upgrade(u *websocket.Upgrader, w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := u.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, opts), nil
}

// Dial connects to a relay websocket endpoint.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return New(ws, opts), nil
}

// Receive blocks for the next message.
func (c *Conn) Receive() relay.Result {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		if c.closed.Load() {
			return relay.Result{Status: relay.StatusError, Err: relay.ErrClosed}
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return relay.Result{Status: relay.StatusClosed}
		}
		return relay.Result{Status: relay.StatusError, Err: err}
	}

	switch mt {
	case websocket.TextMessage:
		return relay.Result{Kind: relay.Text, Data: data}
	case websocket.BinaryMessage:
		return relay.Result{Kind: relay.Binary, Data: data}
	default:
		return relay.Result{Status: relay.StatusError, Err: fmt.Errorf("unexpected message type %d", mt)}
	}
}

// SendText writes one text message.
func (c *Conn) SendText(msg string) error {
	return c.write(websocket.TextMessage, []byte(msg))
}

// SendBinary writes one binary message.
func (c *Conn) SendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *Conn) write(mt int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return relay.ErrClosed
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(mt, data); err != nil {
		go c.Close()
		return err
	}
	return nil
}

// Close sends a normal close frame, best effort, and closes the socket.
// Close is idempotent.
func (c *Conn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

// Evict closes the connection with a policy violation notice carrying reason.
func (c *Conn) Evict(reason string) error {
	return c.closeWith(websocket.ClosePolicyViolation, reason)
}

func (c *Conn) closeWith(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		// Peer may already be gone.
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
