package addons

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"botdeck/internal/events"
)

// StatusFrame is the wire format pushed to dashboard browser clients.
type StatusFrame struct {
	Type      string          `json:"type"` // addon_loaded, addon_unloaded, ...
	AddonName string          `json:"addon_name,omitempty"`
	Severity  string          `json:"severity"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Hub fans add-on lifecycle events out to connected dashboard browsers
// over WebSocket, so the UI reflects load/unload/import without polling.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

type hubConn struct {
	conn *websocket.Conn
	send chan StatusFrame
	done chan struct{}
}

// NewHub creates a hub and subscribes it to the event bus.
func NewHub(bus *events.Bus) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is enforced by the middleware chain before upgrade.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*hubConn]struct{}),
	}

	bus.Subscribe(func(e events.Event) {
		h.Broadcast(StatusFrame{
			Type:      string(e.Type),
			AddonName: e.AddonName,
			Severity:  e.Severity.String(),
			Message:   e.Message,
		})
	})

	return h
}

// HandleConnection upgrades the request and serves frames until the
// client disconnects. Session authentication has already run by the time
// this handler is reached.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	hc := &hubConn{
		conn: conn,
		send: make(chan StatusFrame, 32),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[hc] = struct{}{}
	h.mu.Unlock()
	log.Printf("[WS] Dashboard client connected (%d active)", h.clientCount())

	go h.writeLoop(hc)
	h.readLoop(hc)

	h.mu.Lock()
	delete(h.conns, hc)
	h.mu.Unlock()
	close(hc.done)
	log.Printf("[WS] Dashboard client disconnected (%d active)", h.clientCount())
}

// Broadcast queues a frame on every connected client. Clients that
// cannot keep up have their queue entry dropped rather than blocking the
// publisher.
func (h *Hub) Broadcast(frame StatusFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for hc := range h.conns {
		select {
		case hc.send <- frame:
		default:
		}
	}
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// readLoop consumes client frames (browsers send none we care about) and
// keeps the read deadline fresh via pongs.
func (h *Hub) readLoop(hc *hubConn) {
	defer hc.conn.Close()

	hc.conn.SetReadLimit(4 * 1024)
	hc.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	hc.conn.SetPongHandler(func(string) error {
		hc.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	for {
		if _, _, err := hc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Read error: %v", err)
			}
			return
		}
		hc.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	}
}

// writeLoop drains the send queue and pings on an interval.
func (h *Hub) writeLoop(hc *hubConn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-hc.done:
			return
		case frame := <-hc.send:
			hc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := hc.conn.WriteJSON(frame); err != nil {
				hc.conn.Close()
				return
			}
		case <-ticker.C:
			if err := hc.conn.WriteControl(
				websocket.PingMessage, nil,
				time.Now().Add(10*time.Second),
			); err != nil {
				hc.conn.Close()
				return
			}
		}
	}
}
