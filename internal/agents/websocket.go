package agents

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"software-factory/internal/logging"
	"software-factory/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// Hub fans build progress events out to WebSocket subscribers of each build.
// Publish never blocks: when the hub or a subscriber is backed up, events are dropped.
type Hub struct {
	connections map[string]map[*wsConn]bool
	broadcast   chan *broadcastMessage
	register    chan *wsConn
	unregister  chan *wsConn
	done        chan struct{}
	closeOnce   sync.Once
	mu          sync.RWMutex
	upgrader    websocket.Upgrader
}

type wsConn struct {
	hub       *Hub
	conn      *websocket.Conn
	buildID   string
	send      chan []byte
	closeOnce sync.Once
}

type broadcastMessage struct {
	buildID string
	message []byte
}

// NewHub creates and starts a hub. With no allowed origins every origin is
// accepted outside production and none is accepted in production.
func NewHub(allowedOrigins []string, production bool) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	h := &Hub{
		connections: make(map[string]map[*wsConn]bool),
		broadcast:   make(chan *broadcastMessage, 256),
		register:    make(chan *wsConn),
		unregister:  make(chan *wsConn),
		done:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if len(allowed) > 0 {
					return allowed[origin]
				}
				return !production
			},
		},
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for _, conns := range h.connections {
				for c := range conns {
					c.closeSend()
				}
			}
			h.connections = make(map[string]map[*wsConn]bool)
			h.mu.Unlock()
			metrics.Get().SetWebSocketConnections(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			if h.connections[c.buildID] == nil {
				h.connections[c.buildID] = make(map[*wsConn]bool)
			}
			h.connections[c.buildID][c] = true
			h.reportConnections()
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.connections[c.buildID]; ok {
				if _, ok := conns[c]; ok {
					delete(conns, c)
					c.closeSend()
				}
				if len(conns) == 0 {
					delete(h.connections, c.buildID)
				}
			}
			h.reportConnections()
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.connections[msg.buildID] {
				select {
				case c.send <- msg.message:
				default:
					// slow subscriber
					c.closeSend()
					delete(h.connections[msg.buildID], c)
				}
			}
			if conns, ok := h.connections[msg.buildID]; ok && len(conns) == 0 {
				delete(h.connections, msg.buildID)
			}
			h.reportConnections()
			h.mu.Unlock()
		}
	}
}

// reportConnections updates the subscriber gauge. Caller holds mu.
func (h *Hub) reportConnections() {
	total := 0
	for _, conns := range h.connections {
		total += len(conns)
	}
	metrics.Get().SetWebSocketConnections(total)
}

func (c *wsConn) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Publish queues an event for the build's subscribers
func (h *Hub) Publish(ev BuildEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		logging.L().Warn("failed to marshal build event", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- &broadcastMessage{buildID: ev.BuildID, message: data}:
		metrics.Get().RecordWebSocketMessage(string(ev.Type))
	case <-h.done:
	default:
		logging.L().Debug("build event dropped, hub busy", zap.String("build_id", ev.BuildID))
	}
}

// Serve upgrades the request and subscribes it to a build's events. The
// initial event, if any, is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, buildID string, initial *BuildEvent) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &wsConn{
		hub:     h,
		conn:    conn,
		buildID: buildID,
		send:    make(chan []byte, wsSendBuffer),
	}
	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			c.send <- data
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return nil
	}

	go c.writePump()
	go c.readPump()
	return nil
}

// ConnectionCount returns the number of subscribers for a build
func (h *Hub) ConnectionCount(buildID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[buildID])
}

// Close disconnects every subscriber and stops the hub
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only watches for the client going away; inbound messages are ignored
func (c *wsConn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.L().Debug("websocket closed", zap.String("build_id", c.buildID), zap.Error(err))
			}
			return
		}
	}
}
