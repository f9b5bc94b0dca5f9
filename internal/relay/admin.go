package relay

import (
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/aerosentinel/relay/internal/httputil"
)

// AttachAdminRoutes adds the hub's debug pages under /debug/ on mux.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Frontends", func() any { return h.registry.FrontendCount() })
	debug.KVFunc("Drone connected", func() any { return h.registry.CurrentDrone() != nil })
	debug.KVFunc("Detector loaded", func() any { return h.detector.Available() })
	debug.KVFunc("Last frame", func() any { return h.frames.Seq() })

	debug.HandleFunc("relay", "relay hub counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, h.Stats())
	})

	debug.HandleFunc("frontends", "connected frontends", func(w http.ResponseWriter, r *http.Request) {
		type entry struct {
			ID          string `json:"id"`
			RemoteAddr  string `json:"remote_addr"`
			ConnectedAt string `json:"connected_at"`
		}
		list := []entry{}
		for _, f := range h.registry.Frontends() {
			list = append(list, entry{
				ID:          f.ID.String(),
				RemoteAddr:  f.RemoteAddr(),
				ConnectedAt: f.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			})
		}
		httputil.WriteJSONOK(w, list)
	})

	// Lets an operator poke the drone without a frontend attached.
	debug.HandleSilentFunc("send-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		// Forwarded verbatim like frontend commands; blank input is rejected.
		cmd := r.FormValue("command")
		if strings.TrimSpace(cmd) == "" {
			httputil.BadRequest(w, "Missing command")
			return
		}
		if err := h.SendCommand(cmd); err != nil {
			httputil.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"status": "sent", "command": cmd})
	})
}
