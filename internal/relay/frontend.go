package relay

import (
	"context"
	"errors"

	"github.com/aerosentinel/relay/internal/monitoring"
)

// ServeFrontend runs one frontend session until the peer disconnects, a ping
// cannot be delivered, or ctx is done. The frontend is registered for the
// whole session and unregistered on every exit path. Text from the frontend is
// forwarded to the drone; with no drone connected it is dropped.
func (h *Hub) ServeFrontend(ctx context.Context, conn Conn) error {
	f := newFrontend(conn, h.clock.Now())
	h.registry.Register(f)
	monitoring.Logf("[Frontend] %s connected from %s (%d total)", f.ID, f.RemoteAddr(), h.registry.FrontendCount())

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		cancel()
		stop()
		conn.Close()
		h.registry.Unregister(f.ID)
		monitoring.Logf("[Frontend] %s disconnected (%d remaining)", f.ID, h.registry.FrontendCount())
	}()

	units := pump(ctx, conn)
	err := h.keepalive.Run(ctx, f, units, func(r Result) {
		h.handleFrontendUnit(f, r)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (h *Hub) handleFrontendUnit(f *Frontend, r Result) {
	if r.Kind != Text {
		monitoring.Debugf("[Frontend] %s sent %d byte %s unit, ignored", f.ID, len(r.Data), r.Kind)
		return
	}
	cmd := string(r.Data)
	if err := h.SendCommand(cmd); err != nil {
		monitoring.Debugf("[Frontend] %s command dropped: %v", f.ID, err)
		return
	}
	monitoring.Debugf("[Frontend] %s -> drone: %s", f.ID, cmd)
}

// pump reads conn on its own goroutine so the keep-alive loop can wait on
// inbound data and its timer together. The channel closes after a terminal
// result or when ctx is done.
func pump(ctx context.Context, conn Conn) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		for {
			r := conn.Receive()
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
			if r.Terminal() {
				return
			}
		}
	}()
	return out
}
