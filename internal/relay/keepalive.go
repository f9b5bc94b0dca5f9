package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/aerosentinel/relay/internal/timeutil"
)

// PingMessage is sent to a frontend after an idle window with no inbound data.
const PingMessage = `{"type":"ping"}`

// DefaultIdleTimeout is the frontend idle window.
const DefaultIdleTimeout = 30 * time.Second

// KeepAlive watches a frontend's inbound units and pings it when idle.
type KeepAlive struct {
	// Idle is the quiet period before a ping. Any inbound unit restarts it.
	Idle time.Duration
	// PongTimeout, when positive, ends the session if nothing arrives within
	// that long after a ping. Zero keeps pinging every Idle window.
	PongTimeout time.Duration
	Clock       timeutil.Clock
	// OnPing, if set, is called after each delivered ping.
	OnPing func()
}

// Run consumes units until the stream ends, ctx is done, or a ping cannot be
// delivered. handle is called for every non-terminal unit. An orderly close
// returns nil.
func (k KeepAlive) Run(ctx context.Context, f *Frontend, units <-chan Result, handle func(Result)) error {
	clock := k.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	idle := k.Idle
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}

	timer := clock.NewTimer(idle)
	defer timer.Stop()
	awaitingPong := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-units:
			if !ok {
				return nil
			}
			switch r.Status {
			case StatusClosed:
				return nil
			case StatusError:
				return r.Err
			}
			handle(r)
			awaitingPong = false
			timer.Reset(idle)

		case <-timer.C():
			if awaitingPong {
				return ErrPongTimeout
			}
			if err := f.Send(PingMessage); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
			if k.OnPing != nil {
				k.OnPing()
			}
			if k.PongTimeout > 0 {
				awaitingPong = true
				timer.Reset(k.PongTimeout)
			} else {
				timer.Reset(idle)
			}
		}
	}
}
