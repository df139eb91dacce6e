package main

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/observability"
)

const (
	maxWSConnections  = 200
	wsBroadcastPeriod = 5 * time.Second
	wsWriteTimeout    = 5 * time.Second
)

// MetricsHub manages dashboard WebSocket connections and broadcasts
// metrics. One broadcaster serves every client; domain events nudge an
// early broadcast so the dashboard reacts without waiting for the tick.
type MetricsHub struct {
	// clients maps a connection to its scope user id ("" for admins)
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	nudge      chan struct{}
	done       chan struct{}
	mu         sync.RWMutex

	dashboard *DashboardService
	logger    zerolog.Logger
}

type registration struct {
	conn  *websocket.Conn
	scope string
}

func NewMetricsHub(dashboard *DashboardService, logger zerolog.Logger) *MetricsHub {
	return &MetricsHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		nudge:      make(chan struct{}, 1),
		done:       make(chan struct{}),
		dashboard:  dashboard,
		logger:     logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Run is the hub's main loop. It returns when ctx is cancelled.
func (h *MetricsHub) Run(ctx context.Context) {
	ticker := time.NewTicker(wsBroadcastPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				h.logger.Warn().Int("max", maxWSConnections).Msg("websocket connection rejected: limit reached")
				continue
			}
			h.clients[reg.conn] = reg.scope
			total := len(h.clients)
			h.mu.Unlock()
			observability.WebSocketClients.Set(float64(total))
			h.logger.Debug().Int("total", total).Msg("websocket client registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			observability.WebSocketClients.Set(float64(total))

		case <-ticker.C:
			h.broadcastAll(ctx)

		case <-h.nudge:
			h.broadcastAll(ctx)
		}
	}
}

// broadcastAll collects metrics once per scope and sends them to that
// scope's clients.
func (h *MetricsHub) broadcastAll(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	scopes := make(map[string]bool)
	for _, scope := range h.clients {
		scopes[scope] = true
	}

	for scope := range scopes {
		metrics, err := h.dashboard.GetDashboardMetrics(ctx, scope)
		if err != nil {
			h.logger.Warn().Err(err).Str("scope", scope).Msg("failed to collect dashboard metrics")
			continue
		}
		for conn, s := range h.clients {
			if s != scope {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(metrics); err != nil {
				h.logger.Debug().Err(err).Msg("websocket write failed")
				// The loop holds the lock; unregister asynchronously.
				go h.Unregister(conn)
			}
		}
	}
}

func (h *MetricsHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	close(h.done)
	h.logger.Info().Int("clients", len(h.clients)).Msg("shutting down websocket hub")
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
	observability.WebSocketClients.Set(0)
}

// Register adds a client connection. It returns false once the hub has
// stopped.
func (h *MetricsHub) Register(conn *websocket.Conn, scope string) bool {
	select {
	case h.register <- registration{conn: conn, scope: scope}:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes and closes a client connection.
func (h *MetricsHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *MetricsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements streaming.Publisher: any domain event schedules an
// early broadcast. Nudges coalesce.
func (h *MetricsHub) Publish(_ context.Context, _ string, _ any) error {
	select {
	case h.nudge <- struct{}{}:
	default:
	}
	return nil
}

func (h *MetricsHub) Close() error { return nil }
