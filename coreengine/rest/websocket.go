package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/kernel"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/observability"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Events handles GET /events/ws?role=<role>
//
// Every record the role may see is written as one JSON text message. The
// connection ends when the client closes it or the server shuts down.
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	if h.Broadcaster == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event streaming is not enabled")
		return
	}
	role := observability.Role(r.URL.Query().Get("role"))
	filter, err := observability.FilterFor(role)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("ws_upgrade_failed", "error", err.Error())
		return
	}
	defer conn.Close()

	records, cancel := h.Broadcaster.Subscribe(filter, 0)
	defer cancel()
	h.Logger.Info("ws_client_connected", "role", string(role), "remote", r.RemoteAddr)

	// Reads only detect the client going away.
	closed := make(chan struct{})
	kernel.SafeGo(h.Logger, "ws_reader", func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}, nil)

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteTimeout))
			return
		case <-closed:
			h.Logger.Info("ws_client_disconnected", "role", string(role))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case rec, ok := <-records:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(rec); err != nil {
				h.Logger.Warn("ws_write_failed", "role", string(role), "error", err.Error())
				return
			}
		}
	}
}
