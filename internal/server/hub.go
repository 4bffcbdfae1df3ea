package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trainpulse/trainpulse/internal/metrics"
	"github.com/trainpulse/trainpulse/internal/protocol"
)

// ErrTooManyConnections rejects a push client once the connection limit
// is reached.
var ErrTooManyConnections = errors.New("too many connections")

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	once sync.Once
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.hub.remove(c)
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// enqueue reports false when the client's buffer is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Hub fans encoded frames out to every connected push client. A client
// that cannot keep up is disconnected rather than slowing the others.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int

	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewHub creates a hub; maxConns <= 0 means unlimited.
func NewHub(maxConns int, log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		log:      log,
		metrics:  m,
	}
}

// add registers conn and starts its writer.
func (h *Hub) add(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		hub:  h,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	if h.maxConns > 0 && len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetConnectedClients(n)
	go c.writePump()
	return c, nil
}

// remove unregisters c and stops its writer. Safe to call repeatedly.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.SetConnectedClients(n)
	}
}

// Broadcast encodes ev once and queues it for every client.
func (h *Hub) Broadcast(ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		h.log.Error("broadcast encode", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	// Sends never block, and a client's channel is only closed under the
	// write lock, so queueing under the read lock is safe.
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if !c.enqueue(data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("push client too slow, disconnecting", zap.String("remote", c.conn.RemoteAddr().String()))
		h.remove(c)
	}
}

// reply queues ev for a single client.
func (h *Hub) reply(c *client, ev protocol.Event) {
	data, err := protocol.Encode(ev)
	if err != nil {
		h.log.Error("reply encode", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}
	h.mu.RLock()
	full := h.clients[c] && !c.enqueue(data)
	h.mu.RUnlock()
	if full {
		h.remove(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]bool)
	for c := range clients {
		c.close()
	}
	h.mu.Unlock()

	h.metrics.SetConnectedClients(0)
}
