package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Frontend is one registered frontend session.
type Frontend struct {
	ID          uuid.UUID
	ConnectedAt time.Time
	conn        Conn
}

func newFrontend(conn Conn, now time.Time) *Frontend {
	return &Frontend{ID: uuid.New(), ConnectedAt: now, conn: conn}
}

// Send delivers one text message to the frontend.
func (f *Frontend) Send(msg string) error {
	return f.conn.SendText(msg)
}

// RemoteAddr returns the peer address.
func (f *Frontend) RemoteAddr() string {
	return f.conn.RemoteAddr()
}

// Drone is the connected drone session.
type Drone struct {
	ID          uuid.UUID
	ConnectedAt time.Time
	conn        Conn
}

func newDrone(conn Conn, now time.Time) *Drone {
	return &Drone{ID: uuid.New(), ConnectedAt: now, conn: conn}
}

// Send delivers one command to the drone.
func (d *Drone) Send(cmd string) error {
	return d.conn.SendText(cmd)
}

// RemoteAddr returns the peer address.
func (d *Drone) RemoteAddr() string {
	return d.conn.RemoteAddr()
}

// DroneObserver is told when the drone slot changes. It is called with the
// registry lock held, in the order the changes happen, and must not call back
// into the registry.
type DroneObserver func(connected bool)

// Registry tracks the live frontends and the single drone slot.
type Registry struct {
	mu        sync.Mutex
	frontends map[uuid.UUID]*Frontend
	drone     *Drone
	observers []DroneObserver
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{frontends: make(map[uuid.UUID]*Frontend)}
}

// Observe adds fn to the drone slot observers.
func (r *Registry) Observe(fn DroneObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Register adds f. Registering the same frontend twice is a no-op and
// returns false.
func (r *Registry) Register(f *Frontend) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.frontends[f.ID]; ok {
		return false
	}
	r.frontends[f.ID] = f
	return true
}

// Unregister removes the frontend with id. Unknown ids are ignored.
func (r *Registry) Unregister(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.frontends[id]; !ok {
		return false
	}
	delete(r.frontends, id)
	return true
}

// Frontends returns a snapshot of the registered frontends, oldest first.
// Later registry changes do not affect the returned slice.
func (r *Registry) Frontends() []*Frontend {
	r.mu.Lock()
	out := make([]*Frontend, 0, len(r.frontends))
	for _, f := range r.frontends {
		out = append(out, f)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// FrontendCount returns the number of registered frontends.
func (r *Registry) FrontendCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frontends)
}

// SetDrone installs d as the drone and returns the session it replaced, if
// any. The caller is responsible for closing the evicted session.
func (r *Registry) SetDrone(d *Drone) (evicted *Drone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted = r.drone
	r.drone = d
	if evicted == nil {
		r.notify(true)
	}
	return evicted
}

// ClearDrone empties the drone slot unconditionally and returns the previous
// occupant.
func (r *Registry) ClearDrone() *Drone {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.drone
	r.drone = nil
	if prev != nil {
		r.notify(false)
	}
	return prev
}

// ReleaseDrone empties the drone slot only if d still occupies it. An evicted
// session ending late must not clear its replacement.
func (r *Registry) ReleaseDrone(d *Drone) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.drone != d || d == nil {
		return false
	}
	r.drone = nil
	r.notify(false)
	return true
}

// CurrentDrone returns the drone, or nil when none is connected.
func (r *Registry) CurrentDrone() *Drone {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.drone
}

func (r *Registry) notify(connected bool) {
	for _, fn := range r.observers {
		fn(connected)
	}
}
