package notify

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"copyengine/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// WSHub fans replication events out over WebSocket, addressed per user_id
// rather than broadcast to everyone — each follower's owner should only see
// their own account's events. Adapted from the dashboard hub's
// register/unregister/broadcast trio and ping/pong keepalive.
type WSHub struct {
	mu         sync.RWMutex
	clients    map[string]map[*wsClient]bool // userID -> set of connections
	register   chan *wsClient
	unregister chan *wsClient
	send       chan addressedMessage
	logger     *slog.Logger
}

type addressedMessage struct {
	userID string
	data   []byte
}

type wsClient struct {
	hub    *WSHub
	userID string
	conn   *websocket.Conn
	outCh  chan []byte
}

// NewWSHub creates a per-user WebSocket notification hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[string]map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		send:       make(chan addressedMessage, 256),
		logger:     logger.With("component", "notify-hub"),
	}
}

// Run starts the hub's main loop. Call in a goroutine before Send.
func (h *WSHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[c.userID]
			if !ok {
				set = make(map[*wsClient]bool)
				h.clients[c.userID] = set
			}
			set[c] = true
			h.mu.Unlock()
			h.logger.Info("client connected", "user_id", c.userID)

		case c := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.clients[c.userID]; ok {
				if _, ok := set[c]; ok {
					delete(set, c)
					close(c.outCh)
				}
				if len(set) == 0 {
					delete(h.clients, c.userID)
				}
			}
			h.mu.Unlock()

		case msg := <-h.send:
			h.mu.RLock()
			for c := range h.clients[msg.userID] {
				select {
				case c.outCh <- msg.data:
				default:
					close(c.outCh)
					delete(h.clients[msg.userID], c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Send implements Notifier, addressing the message to UserID's connections
// — the routing key is separate from AccountID, which identifies which of
// that user's follower accounts the message is about. Non-blocking: a full
// hub queue drops the message and logs.
func (h *WSHub) Send(msg types.NotifierMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal notifier message", "error", err)
		return
	}

	userID := formatUserID(msg.UserID)
	select {
	case h.send <- addressedMessage{userID: userID, data: data}:
	default:
		h.logger.Warn("notify hub queue full, dropping message", "user_id", userID)
	}
}

// Register adopts conn as a new subscriber for userID and starts its pumps.
func (h *WSHub) Register(userID string, conn *websocket.Conn) {
	c := &wsClient{hub: h, userID: userID, conn: conn, outCh: make(chan []byte, 64)}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.outCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err, "user_id", c.userID)
			}
			return
		}
		// Notification channel is one-way; inbound client messages are ignored.
	}
}

func formatUserID(userID uint64) string {
	return strconv.FormatUint(userID, 10)
}
