// Package stream serves the buffered drone frames as an MJPEG
// (multipart/x-mixed-replace) stream and as single snapshots.
package stream

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aerosentinel/relay/internal/framebuf"
	"github.com/aerosentinel/relay/internal/httputil"
	"github.com/aerosentinel/relay/internal/monitoring"
	"github.com/aerosentinel/relay/internal/timeutil"
)

const (
	// Boundary separates parts in the multipart stream.
	Boundary = "frame"
	// ContentType is the response type of the stream endpoint.
	ContentType = "multipart/x-mixed-replace;boundary=" + Boundary

	DefaultActiveInterval = 33 * time.Millisecond
	DefaultIdleInterval   = 100 * time.Millisecond
)

// Options sets the stream cadence.
type Options struct {
	// ActiveInterval is the pause between parts while a frame is buffered.
	ActiveInterval time.Duration
	// IdleInterval is the pause between checks before the first frame.
	IdleInterval time.Duration
	Clock        timeutil.Clock
}

// Publisher turns the frame buffer into per-client part sequences.
type Publisher struct {
	frames  *framebuf.Buffer
	opts    Options
	clients atomic.Int64
	served  atomic.Uint64
}

// New returns a Publisher reading from frames.
func New(frames *framebuf.Buffer, opts Options) *Publisher {
	if opts.ActiveInterval <= 0 {
		opts.ActiveInterval = DefaultActiveInterval
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Publisher{frames: frames, opts: opts}
}

// Part encodes payload as one multipart part, boundary line included.
func Part(payload []byte) []byte {
	head := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(payload))
	part := make([]byte, 0, len(head)+len(payload)+2)
	part = append(part, head...)
	part = append(part, payload...)
	return append(part, '\r', '\n')
}

// Parts yields the current frame as a part every ActiveInterval until ctx is
// done or the consumer stops. Before the first frame it polls every
// IdleInterval and yields nothing. Each client gets its own sequence.
func (p *Publisher) Parts(ctx context.Context) iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for ctx.Err() == nil {
			wait := p.opts.IdleInterval
			if f := p.frames.Load(); f != nil {
				if !yield(Part(f.Payload)) {
					return
				}
				wait = p.opts.ActiveInterval
			}
			if !timeutil.Sleep(p.opts.Clock, wait, ctx.Done()) {
				return
			}
		}
	}
}

// Clients returns the number of open stream responses.
func (p *Publisher) Clients() int {
	return int(p.clients.Load())
}

// PartsServed returns the total number of parts written to all clients.
func (p *Publisher) PartsServed() uint64 {
	return p.served.Load()
}

// ServeHTTP streams parts until the client goes away.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", ContentType)
	h.Set("Connection", "keep-alive")
	httputil.NoCache(h)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	n := p.clients.Add(1)
	monitoring.Logf("[Stream] client %s connected (%d watching)", r.RemoteAddr, n)
	defer func() {
		n := p.clients.Add(-1)
		monitoring.Logf("[Stream] client %s gone (%d watching)", r.RemoteAddr, n)
	}()

	for part := range p.Parts(r.Context()) {
		if _, err := w.Write(part); err != nil {
			monitoring.Debugf("[Stream] write to %s failed: %v", r.RemoteAddr, err)
			return
		}
		flusher.Flush()
		p.served.Add(1)
	}
}

// Snapshot writes the current frame as a single JPEG, or 404 before the first
// frame.
func (p *Publisher) Snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		httputil.MethodNotAllowed(w)
		return
	}
	f := p.frames.Load()
	if f == nil {
		httputil.NotFound(w, "no frame received yet")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "image/jpeg")
	h.Set("Content-Length", strconv.Itoa(len(f.Payload)))
	h.Set("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	h.Set("Last-Modified", f.Timestamp.UTC().Format(http.TimeFormat))
	httputil.NoCache(h)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(f.Payload)
}
