package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/adpilot/control_plane/logging"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

func (a *API) upgrader() *websocket.Upgrader {
	origin := a.cfg.Server.CORSOrigin
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || origin == "" || origin == "*" || o == origin
		},
	}
}

// handleDashboardStream upgrades to WebSocket and registers with the hub.
func (a *API) handleDashboardStream(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	l := logging.FromContext(r.Context())

	conn, err := a.upgrader().Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	if !a.wsHub.Register(conn, p.ScopeUserID()) {
		conn.Close()
		return
	}
	defer a.wsHub.Unregister(conn)
	// Prime the new client instead of waiting for the next tick.
	_ = a.wsHub.Publish(r.Context(), "", nil)

	// Ping/pong detects dead clients.
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	pingTicker := time.NewTicker(wsPingPeriod)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	// Read pump to detect disconnections.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
	}
}
