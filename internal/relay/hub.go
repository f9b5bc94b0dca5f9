package relay

import (
	"image"
	"sync/atomic"
	"time"

	"github.com/aerosentinel/relay/internal/detect"
	"github.com/aerosentinel/relay/internal/framebuf"
	"github.com/aerosentinel/relay/internal/monitoring"
	"github.com/aerosentinel/relay/internal/timeutil"
)

// Options configures a Hub. The zero value is usable: 30s idle window, no
// detector, real clock, no sinks.
type Options struct {
	IdleTimeout time.Duration
	PongTimeout time.Duration
	Clock       timeutil.Clock
	// Detector may be nil or unavailable; frames are then only buffered.
	Detector *detect.Adapter
	// Decode turns a frame payload into an image. Defaults to detect.DecodeFrame.
	Decode func([]byte) (image.Image, error)
	Sinks  []Sink
}

type counters struct {
	framesIngested    atomic.Uint64
	framesDropped     atomic.Uint64
	telemetryRelayed  atomic.Uint64
	batchesPublished  atomic.Uint64
	commandsForwarded atomic.Uint64
	commandsDropped   atomic.Uint64
	deliveryFailures  atomic.Uint64
	pingsSent         atomic.Uint64
	dronesEvicted     atomic.Uint64
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Frontends         int       `json:"frontends"`
	DroneConnected    bool      `json:"drone_connected"`
	DroneSince        time.Time `json:"drone_since,omitzero"`
	DetectorLoaded    bool      `json:"detector_loaded"`
	LastFrameSeq      uint64    `json:"last_frame_seq"`
	LastFrameAt       time.Time `json:"last_frame_at,omitzero"`
	FramesIngested    uint64    `json:"frames_ingested"`
	FramesDropped     uint64    `json:"frames_dropped"`
	TelemetryRelayed  uint64    `json:"telemetry_relayed"`
	BatchesPublished  uint64    `json:"batches_published"`
	CommandsForwarded uint64    `json:"commands_forwarded"`
	CommandsDropped   uint64    `json:"commands_dropped"`
	DeliveryFailures  uint64    `json:"delivery_failures"`
	PingsSent         uint64    `json:"pings_sent"`
	DronesEvicted     uint64    `json:"drones_evicted"`
}

// Hub ties the registry, fanout, frame buffer and detector together and runs
// the drone and frontend sessions.
type Hub struct {
	registry  *Registry
	fanout    *Fanout
	frames    *framebuf.Buffer
	detector  *detect.Adapter
	keepalive KeepAlive
	clock     timeutil.Clock
	decode    func([]byte) (image.Image, error)
	stats     counters
}

// New returns a Hub storing frames into frames.
func New(frames *framebuf.Buffer, opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Decode == nil {
		opts.Decode = detect.DecodeFrame
	}

	registry := NewRegistry()
	h := &Hub{
		registry: registry,
		fanout:   NewFanout(registry, opts.Sinks...),
		frames:   frames,
		detector: opts.Detector,
		clock:    opts.Clock,
		decode:   opts.Decode,
	}
	h.keepalive = KeepAlive{
		Idle:        opts.IdleTimeout,
		PongTimeout: opts.PongTimeout,
		Clock:       opts.Clock,
		OnPing:      func() { h.stats.pingsSent.Add(1) },
	}
	return h
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Frames returns the shared frame buffer.
func (h *Hub) Frames() *framebuf.Buffer { return h.frames }

// DetectorAvailable reports whether detection batches can be produced.
func (h *Hub) DetectorAvailable() bool { return h.detector.Available() }

// Broadcast sends msg to every frontend. See Fanout.Broadcast.
func (h *Hub) Broadcast(ch Channel, msg string) int {
	return h.fanout.Broadcast(ch, msg)
}

// SendCommand forwards cmd to the drone unchanged. It returns ErrNoDrone when
// the slot is empty.
func (h *Hub) SendCommand(cmd string) error {
	d := h.registry.CurrentDrone()
	if d == nil {
		h.stats.commandsDropped.Add(1)
		return ErrNoDrone
	}
	if err := d.Send(cmd); err != nil {
		h.stats.commandsDropped.Add(1)
		return err
	}
	h.stats.commandsForwarded.Add(1)
	return nil
}

// Stats returns the current counters and connection state.
func (h *Hub) Stats() Stats {
	s := Stats{
		Frontends:         h.registry.FrontendCount(),
		DetectorLoaded:    h.detector.Available(),
		LastFrameSeq:      h.frames.Seq(),
		FramesIngested:    h.stats.framesIngested.Load(),
		FramesDropped:     h.stats.framesDropped.Load(),
		TelemetryRelayed:  h.stats.telemetryRelayed.Load(),
		BatchesPublished:  h.stats.batchesPublished.Load(),
		CommandsForwarded: h.stats.commandsForwarded.Load(),
		CommandsDropped:   h.stats.commandsDropped.Load(),
		DeliveryFailures:  h.fanout.stats.deliveryFailures.Load(),
		PingsSent:         h.stats.pingsSent.Load(),
		DronesEvicted:     h.stats.dronesEvicted.Load(),
	}
	if d := h.registry.CurrentDrone(); d != nil {
		s.DroneConnected = true
		s.DroneSince = d.ConnectedAt
	}
	if f := h.frames.Load(); f != nil {
		s.LastFrameAt = f.Timestamp
	}
	return s
}

// Close disconnects every session. The serving loops observe the closed
// transports and unregister themselves.
func (h *Hub) Close() error {
	if d := h.registry.CurrentDrone(); d != nil {
		d.conn.Close()
	}
	for _, f := range h.registry.Frontends() {
		f.conn.Close()
	}
	monitoring.Logf("[Hub] closed all sessions")
	return nil
}
