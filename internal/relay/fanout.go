package relay

import (
	"sync"

	"github.com/aerosentinel/relay/internal/monitoring"
)

// Channel says what a broadcast message carries. Frontends get every channel
// on the same socket; sinks use it to route.
type Channel int

const (
	Telemetry Channel = iota + 1
	Detections
)

func (c Channel) String() string {
	switch c {
	case Telemetry:
		return "telemetry"
	case Detections:
		return "detections"
	default:
		return "unknown"
	}
}

// Sink receives a copy of every broadcast message, after frontend delivery.
// Sink errors are logged and never affect frontends.
type Sink interface {
	Publish(ch Channel, msg string) error
}

// Fanout delivers a message to every registered frontend.
type Fanout struct {
	registry *Registry
	sinks    []Sink
	stats    *counters
}

// NewFanout returns a Fanout over registry.
func NewFanout(registry *Registry, sinks ...Sink) *Fanout {
	return &Fanout{registry: registry, sinks: sinks, stats: &counters{}}
}

// Broadcast sends msg to a snapshot of the registered frontends and returns
// how many deliveries succeeded. Sends run concurrently and Broadcast returns
// once all attempts have finished, which keeps per-recipient order equal to
// call order. The call therefore takes as long as the slowest recipient, up to
// the transport's write timeout, and the caller (the drone loop) waits that
// long before relaying anything else. Failed sends are logged and skipped.
// Cleanup of the failed session belongs to its own read loop.
func (f *Fanout) Broadcast(ch Channel, msg string) int {
	targets := f.registry.Frontends()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
	)
	for _, fe := range targets {
		wg.Add(1)
		go func(fe *Frontend) {
			defer wg.Done()
			if err := fe.Send(msg); err != nil {
				f.stats.deliveryFailures.Add(1)
				monitoring.Logf("[Fanout] send to frontend %s (%s) failed: %v", fe.ID, fe.RemoteAddr(), err)
				return
			}
			mu.Lock()
			delivered++
			mu.Unlock()
		}(fe)
	}
	wg.Wait()

	for _, s := range f.sinks {
		if err := s.Publish(ch, msg); err != nil {
			monitoring.Debugf("[Fanout] sink publish of %s failed: %v", ch, err)
		}
	}
	return delivered
}
