package relay

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerosentinel/relay/internal/detect"
	"github.com/aerosentinel/relay/internal/framebuf"
	"github.com/aerosentinel/relay/internal/monitoring"
	"github.com/aerosentinel/relay/internal/testutil"
	"github.com/aerosentinel/relay/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// fakeConn is an in-memory Conn. Tests push inbound units with text, binary
// and hangup, and read outbound messages with sent.
type fakeConn struct {
	addr string
	in   chan Result

	mu      sync.Mutex
	out     []string
	sendErr error

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr, in: make(chan Result, 32), closed: make(chan struct{})}
}

func (c *fakeConn) Receive() Result {
	select {
	case r := <-c.in:
		return r
	case <-c.closed:
		return Result{Status: StatusError, Err: ErrClosed}
	}
}

func (c *fakeConn) SendText(msg string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.out = append(c.out, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return c.addr }

func (c *fakeConn) text(s string) { c.in <- Result{Kind: Text, Data: []byte(s)} }

func (c *fakeConn) binary(b []byte) { c.in <- Result{Kind: Binary, Data: b} }

func (c *fakeConn) hangup() { c.in <- Result{Status: StatusClosed} }

func (c *fakeConn) failSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *fakeConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.out...)
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fixedEngine reports the same detections for every frame.
type fixedEngine struct {
	raw []detect.Raw
}

func (e *fixedEngine) Detect(context.Context, image.Image) ([]detect.Raw, error) {
	return e.raw, nil
}

func (e *fixedEngine) Label(int) string { return "person" }

func (e *fixedEngine) Close() error { return nil }

var (
	epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gray  = color.RGBA{R: 90, G: 90, B: 90, A: 255}
)

func addFrontend(t *testing.T, h *Hub, addr string) *fakeConn {
	t.Helper()
	c := newFakeConn(addr)
	require.True(t, h.registry.Register(newFrontend(c, h.clock.Now())))
	return c
}

// serveFrontend starts a frontend session and waits until it is registered
// and its idle timer is armed.
func serveFrontend(t *testing.T, ctx context.Context, h *Hub, clock *timeutil.MockClock) (*fakeConn, <-chan error) {
	t.Helper()
	c := newFakeConn("10.0.0.9:5000")
	done := make(chan error, 1)
	timersBefore := clock.PendingTimers()
	go func() { done <- h.ServeFrontend(ctx, c) }()
	require.Eventually(t, func() bool {
		return h.registry.FrontendCount() == 1 && clock.PendingTimers() == timersBefore+1
	}, time.Second, time.Millisecond)
	return c, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestRegistry_RegisterUnregister(t *testing.T) {
	r := NewRegistry()
	f := newFrontend(newFakeConn("a"), epoch)

	assert.True(t, r.Register(f))
	assert.False(t, r.Register(f))
	assert.Equal(t, 1, r.FrontendCount())

	assert.True(t, r.Unregister(f.ID))
	assert.False(t, r.Unregister(f.ID))
	assert.Zero(t, r.FrontendCount())
}

func TestRegistry_SnapshotIsDetached(t *testing.T) {
	r := NewRegistry()
	a := newFrontend(newFakeConn("a"), epoch)
	b := newFrontend(newFakeConn("b"), epoch.Add(time.Second))
	r.Register(b)
	r.Register(a)

	snap := r.Frontends()
	r.Unregister(a.ID)

	require.Len(t, snap, 2)
	assert.Equal(t, a.ID, snap[0].ID)
	assert.Equal(t, b.ID, snap[1].ID)
	assert.Len(t, r.Frontends(), 1)
}

func TestRegistry_DroneSlot(t *testing.T) {
	r := NewRegistry()
	var events []bool
	r.Observe(func(connected bool) { events = append(events, connected) })

	d1 := newDrone(newFakeConn("d1"), epoch)
	d2 := newDrone(newFakeConn("d2"), epoch)

	assert.Nil(t, r.SetDrone(d1))
	assert.Same(t, d1, r.SetDrone(d2))
	assert.Same(t, d2, r.CurrentDrone())

	// The evicted session ending late must not clear its replacement.
	assert.False(t, r.ReleaseDrone(d1))
	assert.Same(t, d2, r.CurrentDrone())

	assert.True(t, r.ReleaseDrone(d2))
	assert.Nil(t, r.CurrentDrone())
	assert.Nil(t, r.ClearDrone())

	assert.Equal(t, []bool{true, false}, events)
}

func TestFanout_BrokenRecipientDoesNotAffectOthers(t *testing.T) {
	h := New(framebuf.New(), Options{})
	good1 := addFrontend(t, h, "a")
	broken := addFrontend(t, h, "b")
	good2 := addFrontend(t, h, "c")
	broken.failSends(errors.New("broken pipe"))

	n := h.Broadcast(Telemetry, `{"telemetry":{"battery":80}}`)

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{`{"telemetry":{"battery":80}}`}, good1.sent())
	assert.Equal(t, []string{`{"telemetry":{"battery":80}}`}, good2.sent())
	assert.Empty(t, broken.sent())
	// Fanout never edits the registry.
	assert.Equal(t, 3, h.registry.FrontendCount())
	assert.EqualValues(t, 1, h.Stats().DeliveryFailures)
}

func TestFanout_NoFrontends(t *testing.T) {
	h := New(framebuf.New(), Options{})
	assert.Zero(t, h.Broadcast(Telemetry, "hello"))
}

// gatedConn holds every send until gate is closed.
type gatedConn struct {
	*fakeConn
	gate chan struct{}
}

func (c *gatedConn) SendText(msg string) error {
	<-c.gate
	return c.fakeConn.SendText(msg)
}

func TestFanout_WaitsForSlowestRecipient(t *testing.T) {
	h := New(framebuf.New(), Options{})
	fast := addFrontend(t, h, "fast")
	slow := &gatedConn{fakeConn: newFakeConn("slow"), gate: make(chan struct{})}
	require.True(t, h.registry.Register(newFrontend(slow, h.clock.Now())))

	done := make(chan int, 1)
	go func() { done <- h.Broadcast(Telemetry, "T1") }()

	require.Eventually(t, func() bool { return len(fast.sent()) == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("broadcast returned before the slow recipient finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(slow.gate)
	select {
	case n := <-done:
		assert.Equal(t, 2, n)
	case <-time.After(time.Second):
		t.Fatal("broadcast did not return")
	}
	assert.Equal(t, []string{"T1"}, slow.sent())
}

type recordingSink struct {
	mu       sync.Mutex
	msgs     []string
	channels []Channel
	err      error
}

func (s *recordingSink) Publish(ch Channel, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	s.channels = append(s.channels, ch)
	return s.err
}

func TestFanout_SinksSeeEveryMessage(t *testing.T) {
	ok := &recordingSink{}
	failing := &recordingSink{err: errors.New("broker down")}
	h := New(framebuf.New(), Options{Sinks: []Sink{failing, ok}})
	fe := addFrontend(t, h, "a")

	h.Broadcast(Telemetry, "one")
	h.Broadcast(Detections, "two")

	assert.Equal(t, []string{"one", "two"}, ok.msgs)
	assert.Equal(t, []Channel{Telemetry, Detections}, ok.channels)
	assert.Equal(t, []string{"one", "two"}, failing.msgs)
	assert.Equal(t, []string{"one", "two"}, fe.sent())
}

func TestServeDrone_TelemetryAndDetectionOrder(t *testing.T) {
	engine := &fixedEngine{raw: []detect.Raw{{ClassID: 0, Confidence: 0.9, Box: [4]float64{0.5, 0.5, 0.2, 0.4}}}}
	h := New(framebuf.New(), Options{
		Clock:    timeutil.NewMockClock(epoch),
		Detector: detect.NewAdapter(engine, detect.DefaultThreshold),
	})
	fe1 := addFrontend(t, h, "a")
	fe2 := addFrontend(t, h, "b")

	frame := testutil.JPEGFrame(t, 32, 24, gray)
	drone := newFakeConn("drone")
	drone.text("T1")
	drone.binary(frame)
	drone.text("T2")
	drone.hangup()

	require.NoError(t, h.ServeDrone(context.Background(), drone))

	batch, err := detect.Filter(engine.raw, detect.DefaultThreshold, engine.Label).Message()
	require.NoError(t, err)
	want := []string{"T1", batch, "T2"}
	assert.Equal(t, want, fe1.sent())
	assert.Equal(t, want, fe2.sent())

	f := h.frames.Load()
	require.NotNil(t, f)
	assert.Equal(t, frame, f.Payload)
	assert.Equal(t, epoch, f.Timestamp)

	// Clean disconnect empties the slot.
	assert.Nil(t, h.registry.CurrentDrone())
	s := h.Stats()
	assert.EqualValues(t, 2, s.TelemetryRelayed)
	assert.EqualValues(t, 1, s.BatchesPublished)
}

func TestServeDrone_WithoutDetectorOnlyBuffers(t *testing.T) {
	h := New(framebuf.New(), Options{})
	fe := addFrontend(t, h, "a")

	first := testutil.JPEGFrame(t, 8, 8, gray)
	second := testutil.JPEGFrame(t, 8, 8, color.RGBA{R: 250, A: 255})
	drone := newFakeConn("drone")
	drone.binary(first)
	drone.binary(second)
	drone.hangup()

	require.NoError(t, h.ServeDrone(context.Background(), drone))

	assert.Empty(t, fe.sent())
	assert.Equal(t, second, h.frames.Load().Payload)
	assert.EqualValues(t, 2, h.frames.Seq())
}

func TestServeDrone_LowConfidenceBatchNotSent(t *testing.T) {
	engine := &fixedEngine{raw: []detect.Raw{{Confidence: 0.5}, {Confidence: 0.1}}}
	h := New(framebuf.New(), Options{Detector: detect.NewAdapter(engine, detect.DefaultThreshold)})
	fe := addFrontend(t, h, "a")

	drone := newFakeConn("drone")
	drone.binary(testutil.JPEGFrame(t, 8, 8, gray))
	drone.hangup()

	require.NoError(t, h.ServeDrone(context.Background(), drone))
	assert.Empty(t, fe.sent())
	assert.NotNil(t, h.frames.Load())
}

func TestServeDrone_UndecodableFrameDropped(t *testing.T) {
	h := New(framebuf.New(), Options{})
	good := testutil.JPEGFrame(t, 8, 8, gray)

	drone := newFakeConn("drone")
	drone.binary(good)
	drone.binary([]byte("definitely not a jpeg"))
	drone.text("still here")
	drone.hangup()
	fe := addFrontend(t, h, "a")

	require.NoError(t, h.ServeDrone(context.Background(), drone))

	assert.Equal(t, good, h.frames.Load().Payload)
	assert.EqualValues(t, 1, h.Stats().FramesDropped)
	assert.Equal(t, []string{"still here"}, fe.sent())
}

func TestServeDrone_NewDroneEvictsOld(t *testing.T) {
	h := New(framebuf.New(), Options{})
	ctx := context.Background()

	first := newFakeConn("drone-a")
	firstDone := make(chan error, 1)
	go func() { firstDone <- h.ServeDrone(ctx, first) }()
	require.Eventually(t, func() bool { return h.registry.CurrentDrone() != nil }, time.Second, time.Millisecond)
	firstDrone := h.registry.CurrentDrone()

	second := newFakeConn("drone-b")
	secondDone := make(chan error, 1)
	go func() { secondDone <- h.ServeDrone(ctx, second) }()

	err := waitDone(t, firstDone)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, first.isClosed())

	cur := h.registry.CurrentDrone()
	require.NotNil(t, cur)
	assert.NotSame(t, firstDrone, cur)
	assert.Equal(t, "drone-b", cur.RemoteAddr())
	assert.EqualValues(t, 1, h.Stats().DronesEvicted)

	second.hangup()
	require.NoError(t, waitDone(t, secondDone))
	assert.Nil(t, h.registry.CurrentDrone())
}

func TestServeDrone_CommandsFollowReplacement(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	h := New(framebuf.New(), Options{Clock: clock})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := newFakeConn("drone-a")
	firstDone := make(chan error, 1)
	go func() { firstDone <- h.ServeDrone(ctx, first) }()
	require.Eventually(t, func() bool { return h.registry.CurrentDrone() != nil }, time.Second, time.Millisecond)

	second := newFakeConn("drone-b")
	go func() { _ = h.ServeDrone(ctx, second) }()
	waitDone(t, firstDone)

	require.NoError(t, h.SendCommand("rth"))

	fe, _ := serveFrontend(t, ctx, h, clock)
	fe.text("land")
	require.Eventually(t, func() bool { return len(second.sent()) == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{"rth", "land"}, second.sent())
	assert.Empty(t, first.sent())
	s := h.Stats()
	assert.EqualValues(t, 2, s.CommandsForwarded)
	assert.Zero(t, s.CommandsDropped)
}

func TestServeDrone_SinkChannelFollowsUnitKind(t *testing.T) {
	engine := &fixedEngine{raw: []detect.Raw{{ClassID: 0, Confidence: 0.9, Box: [4]float64{0.5, 0.5, 0.2, 0.2}}}}
	sink := &recordingSink{}
	h := New(framebuf.New(), Options{
		Detector: detect.NewAdapter(engine, detect.DefaultThreshold),
		Sinks:    []Sink{sink},
	})

	drone := newFakeConn("drone")
	drone.text(`{"objects":"not a detection batch"}`)
	drone.binary(testutil.JPEGFrame(t, 16, 16, gray))
	drone.hangup()
	require.NoError(t, h.ServeDrone(context.Background(), drone))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []Channel{Telemetry, Detections}, sink.channels)
	assert.Equal(t, `{"objects":"not a detection batch"}`, sink.msgs[0])
}

func TestServeDrone_ContextCancel(t *testing.T) {
	h := New(framebuf.New(), Options{})
	ctx, cancel := context.WithCancel(context.Background())

	drone := newFakeConn("drone")
	done := make(chan error, 1)
	go func() { done <- h.ServeDrone(ctx, drone) }()
	require.Eventually(t, func() bool { return h.registry.CurrentDrone() != nil }, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.Nil(t, h.registry.CurrentDrone())
}

func TestServeFrontend_IdlePing(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	h := New(framebuf.New(), Options{Clock: clock, IdleTimeout: 30 * time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fe, done := serveFrontend(t, ctx, h, clock)

	clock.Advance(29 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, fe.sent())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(fe.sent()) == 1 && clock.PendingTimers() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, PingMessage, fe.sent()[0])

	// Still idle: another window, another ping.
	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return len(fe.sent()) == 2 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 2, h.Stats().PingsSent)

	fe.hangup()
	assert.NoError(t, waitDone(t, done))
	assert.Zero(t, h.registry.FrontendCount())
}

func TestServeFrontend_PingFailureEndsSession(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	h := New(framebuf.New(), Options{Clock: clock})

	fe, done := serveFrontend(t, context.Background(), h, clock)
	fe.failSends(errors.New("connection reset"))

	clock.Advance(DefaultIdleTimeout)
	err := waitDone(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping failed")
	assert.Zero(t, h.registry.FrontendCount())
	assert.True(t, fe.isClosed())
}

func TestServeFrontend_PongTimeout(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	h := New(framebuf.New(), Options{Clock: clock, IdleTimeout: 10 * time.Second, PongTimeout: 5 * time.Second})

	fe, done := serveFrontend(t, context.Background(), h, clock)

	clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		return len(fe.sent()) == 1 && clock.PendingTimers() == 1
	}, time.Second, time.Millisecond)

	clock.Advance(5 * time.Second)
	assert.ErrorIs(t, waitDone(t, done), ErrPongTimeout)
}

func TestServeFrontend_CommandForwarding(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	h := New(framebuf.New(), Options{Clock: clock})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fe, done := serveFrontend(t, ctx, h, clock)

	// No drone: dropped without error, session continues.
	fe.text(`{"cmd":"takeoff"}`)
	require.Eventually(t, func() bool { return h.Stats().CommandsDropped == 1 }, time.Second, time.Millisecond)

	droneConn := newFakeConn("drone")
	h.registry.SetDrone(newDrone(droneConn, epoch))

	fe.text(`{"cmd":"land"}`)
	require.Eventually(t, func() bool { return len(droneConn.sent()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{`{"cmd":"land"}`}, droneConn.sent())

	// Binary from a frontend is ignored.
	fe.binary([]byte{1, 2, 3})
	fe.text("rth")
	require.Eventually(t, func() bool { return len(droneConn.sent()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "rth", droneConn.sent()[1])

	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.Zero(t, h.registry.FrontendCount())
}

func TestSendCommand_NoDrone(t *testing.T) {
	h := New(framebuf.New(), Options{})
	assert.ErrorIs(t, h.SendCommand("hover"), ErrNoDrone)
}

func TestHubClose(t *testing.T) {
	h := New(framebuf.New(), Options{})
	fe := addFrontend(t, h, "a")
	drone := newFakeConn("drone")
	h.registry.SetDrone(newDrone(drone, epoch))

	require.NoError(t, h.Close())
	assert.True(t, fe.isClosed())
	assert.True(t, drone.isClosed())
}
