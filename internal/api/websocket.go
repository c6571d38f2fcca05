package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected WS subscriber.
type Client struct {
	ID   string
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.Mutex
}

// Hub tracks connected clients and fans out broadcasts.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	// snapshotFn builds the initial state frame sent to each client on
	// connect, before any event frames.
	snapshotFn func() []byte
}

// NewHub constructs an empty Hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, clients: make(map[string]*Client)}
}

// SetSnapshotFunc installs the snapshot builder invoked per connection.
func (h *Hub) SetSnapshotFunc(fn func() []byte) {
	h.snapshotFn = fn
}

// ServeWS upgrades the HTTP connection and starts the client's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &Client{
		ID:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		subs: make(map[string]bool),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	wsClients.Inc()

	if h.snapshotFn != nil {
		if snap := h.snapshotFn(); snap != nil {
			c.send <- snap
		}
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *Client) {
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		h.handleMessage(c, msg)
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches a WS-inbound control message. Only
// subscribe/unsubscribe/ping are recognized; operator actions go through
// the HTTP surface so they share the same audit trail.
func (h *Hub) handleMessage(c *Client, msg []byte) {
	method, topic := parseWSMessage(msg)
	switch method {
	case "subscribe":
		c.mu.Lock()
		c.subs[topic] = true
		c.mu.Unlock()
	case "unsubscribe":
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
	case "ping":
		c.send <- []byte(`{"method":"pong"}`)
	}
}

// wsMessage is the recognized inbound control message shape: {"method":
// "subscribe", "topic": "..."}.
type wsMessage struct {
	Method string `json:"method"`
	Topic  string `json:"topic"`
}

func parseWSMessage(raw []byte) (method, topic string) {
	var m wsMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", ""
	}
	return m.Method, m.Topic
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; ok {
		delete(h.clients, c.ID)
		close(c.send)
		wsClients.Dec()
	}
}

// Broadcast sends msg to every connected client, dropping clients whose
// send buffer is full rather than blocking the publisher.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dropping slow websocket client", zap.String("client_id", c.ID))
		}
	}
}

// Close terminates every connected client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[string]*Client)
}
