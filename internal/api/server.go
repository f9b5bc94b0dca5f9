// Package api wires the relay hub and video stream onto HTTP routes.
package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aerosentinel/relay/internal/httputil"
	"github.com/aerosentinel/relay/internal/monitoring"
	"github.com/aerosentinel/relay/internal/relay"
	"github.com/aerosentinel/relay/internal/stream"
	"github.com/aerosentinel/relay/internal/version"
	"github.com/aerosentinel/relay/internal/wsconn"
)

type Server struct {
	hub      *relay.Hub
	stream   *stream.Publisher
	upgrader *websocket.Upgrader
	connOpts wsconn.Options
}

func NewServer(hub *relay.Hub, pub *stream.Publisher, connOpts wsconn.Options) *Server {
	return &Server{
		hub:      hub,
		stream:   pub,
		upgrader: wsconn.NewUpgrader(),
		connOpts: connOpts,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveFrontend)
	mux.HandleFunc("/ws/drone", s.serveDrone)
	mux.Handle("/video_feed", s.stream)
	mux.HandleFunc("/snapshot.jpg", s.stream.Snapshot)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	s.hub.AttachAdminRoutes(mux)
	return mux
}

func (s *Server) serveFrontend(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrade(s.upgrader, w, r, s.connOpts)
	if err != nil {
		monitoring.Logf("[API] frontend upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	logSessionEnd("frontend", conn.RemoteAddr(), s.hub.ServeFrontend(r.Context(), conn))
}

func (s *Server) serveDrone(w http.ResponseWriter, r *http.Request) {
	conn, err := wsconn.Upgrade(s.upgrader, w, r, s.connOpts)
	if err != nil {
		monitoring.Logf("[API] drone upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	logSessionEnd("drone", conn.RemoteAddr(), s.hub.ServeDrone(r.Context(), conn))
}

// logSessionEnd reports abnormal session ends. Sessions closed locally, by
// replacement or shutdown, end with relay.ErrClosed and are not logged.
func logSessionEnd(role, addr string, err error) bool {
	if err == nil || errors.Is(err, relay.ErrClosed) {
		return false
	}
	monitoring.Logf("[API] %s session %s ended: %v", role, addr, err)
	return true
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version        string      `json:"version"`
	DroneConnected bool        `json:"drone_connected"`
	Frontends      int         `json:"frontends"`
	Frames         uint64      `json:"frames"`
	LastFrameAt    *time.Time  `json:"last_frame_at,omitempty"`
	Detector       bool        `json:"detector"`
	StreamClients  int         `json:"stream_clients"`
	Stats          relay.Stats `json:"stats"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	st := s.hub.Stats()
	resp := StatusResponse{
		Version:        version.Version,
		DroneConnected: st.DroneConnected,
		Frontends:      st.Frontends,
		Frames:         st.LastFrameSeq,
		Detector:       st.DetectorLoaded,
		StreamClients:  s.stream.Clients(),
		Stats:          st,
	}
	if !st.LastFrameAt.IsZero() {
		t := st.LastFrameAt
		resp.LastFrameAt = &t
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	command := r.FormValue("command")
	if strings.TrimSpace(command) == "" {
		httputil.BadRequest(w, "missing command")
		return
	}

	if err := s.hub.SendCommand(command); err != nil {
		if errors.Is(err, relay.ErrNoDrone) {
			httputil.ServiceUnavailable(w, "no drone connected")
			return
		}
		httputil.WriteJSONError(w, http.StatusBadGateway, "failed to send command")
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"status": "sent"})
}
