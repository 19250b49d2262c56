package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	heartbeatEvery = 30 * time.Second
	sendBuffer     = 16
)

// hub fans status frames out to WebSocket subscribers. Slow clients are
// dropped rather than allowed to stall the broadcast.
type hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger:  logger.Named("ws"),
		clients: make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback-only surface; origin checks add nothing here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// run sends heartbeats until ctx is done, then closes every connection.
func (h *hub) run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case <-ticker.C:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- []byte(`{"type":"heartbeat"}`):
				default:
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// broadcast queues a frame to every subscriber.
func (h *hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.drop(c)
		}
	}
}

// drop removes a client; caller holds h.mu.
func (h *hub) drop(c *client) {
	close(c.send)
	delete(h.clients, c)
	c.conn.Close()
}

func (h *hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", zap.String("remote", r.RemoteAddr))

	go h.writeLoop(c)
	go h.readLoop(c)
}

// writeLoop drains the send channel to the connection.
func (h *hub) writeLoop(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			break
		}
	}
	c.conn.Close()
}

// readLoop discards inbound frames; its only job is noticing the close.
func (h *hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	if h.clients[c] {
		h.drop(c)
	}
	h.mu.Unlock()
}
