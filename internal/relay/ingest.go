package relay

import (
	"context"

	"github.com/aerosentinel/relay/internal/monitoring"
)

// ServeDrone runs the drone session on conn until it disconnects or ctx is
// done. A new drone replaces the current one, which is closed. Units are
// processed strictly in arrival order:
//
//   - text is telemetry and is broadcast verbatim;
//   - binary is a frame: it replaces the buffered frame and, when a detector
//     is loaded, a non-empty detection batch is broadcast before the next
//     unit is read.
//
// Undecodable frames are dropped and leave the buffer unchanged.
func (h *Hub) ServeDrone(ctx context.Context, conn Conn) error {
	d := newDrone(conn, h.clock.Now())
	if prev := h.registry.SetDrone(d); prev != nil {
		h.stats.dronesEvicted.Add(1)
		monitoring.Logf("[Drone] %s from %s replaces %s", d.ID, d.RemoteAddr(), prev.ID)
		evict(prev.conn, "replaced by a newer drone connection")
	} else {
		monitoring.Logf("[Drone] %s connected from %s", d.ID, d.RemoteAddr())
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
		h.registry.ReleaseDrone(d)
		monitoring.Logf("[Drone] %s disconnected", d.ID)
	}()

	for {
		r := conn.Receive()
		switch r.Status {
		case StatusClosed:
			return nil
		case StatusError:
			if ctx.Err() != nil {
				return nil
			}
			return r.Err
		}

		switch r.Kind {
		case Text:
			h.stats.telemetryRelayed.Add(1)
			h.fanout.Broadcast(Telemetry, string(r.Data))
		case Binary:
			h.ingestFrame(ctx, r.Data)
		}
	}
}

func (h *Hub) ingestFrame(ctx context.Context, payload []byte) {
	img, err := h.decode(payload)
	if err != nil {
		h.stats.framesDropped.Add(1)
		monitoring.Debugf("[Drone] dropping %d byte frame: %v", len(payload), err)
		return
	}
	h.frames.Store(payload, h.clock.Now())
	h.stats.framesIngested.Add(1)

	if !h.detector.Available() {
		return
	}
	batch := h.detector.Detect(ctx, img)
	if len(batch) == 0 {
		return
	}
	msg, err := batch.Message()
	if err != nil {
		monitoring.Logf("[Drone] %v", err)
		return
	}
	h.stats.batchesPublished.Add(1)
	h.fanout.Broadcast(Detections, msg)
}
