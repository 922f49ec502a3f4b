// Package realtime streams order status transitions over WebSocket.
//
// The payment page opens a socket for its order instead of polling
// GET /v1/orders/:id. The hub fans reconciliation-engine transitions out
// to every client watching that order.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/topup/internal/metrics"
	"github.com/mbd888/topup/internal/order"
)

// normalCloseCodes are WebSocket close codes for expected disconnects.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// StatusEvent is pushed to clients on every order transition.
type StatusEvent struct {
	OrderID   string       `json:"orderId"`
	Status    order.Status `json:"status"`
	Credited  bool         `json:"credited"`
	Timestamp time.Time    `json:"timestamp"`
}

// Client is a WebSocket connection watching one order.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	orderID string
	send    chan []byte
}

// MaxClients bounds concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages WebSocket connections keyed by the order they watch.
type Hub struct {
	clients    map[string]map[*Client]bool // orderID -> clients
	broadcast  chan *StatusEvent
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	total      atomic.Int64 // current connection count
}

// NewHub creates a new order-status hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan *StatusEvent, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// OrderUpdated satisfies the reconciliation engine's Notifier interface.
func (h *Hub) OrderUpdated(o *order.Order) {
	ev := &StatusEvent{
		OrderID:   o.OrderID,
		Status:    o.Status,
		Credited:  o.Credited,
		Timestamp: time.Now(),
	}
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("broadcast channel full, dropping status event", "order_id", o.OrderID)
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.clients {
				for client := range set {
					close(client.send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			h.total.Store(0)
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[client.orderID] = set
			}
			set[client] = true
			h.mu.Unlock()
			n := h.total.Add(1)
			metrics.ActiveWebSocketClients.Set(float64(n))

		case client := <-h.unregister:
			h.removeClient(client)

		case ev := <-h.broadcast:
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients[ev.OrderID] {
				select {
				case client.send <- serialize(ev):
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.removeClient(client)
			}
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	set, ok := h.clients[client.orderID]
	if ok {
		if _, present := set[client]; present {
			delete(set, client)
			close(client.send)
			if len(set) == 0 {
				delete(h.clients, client.orderID)
			}
			n := h.total.Add(-1)
			metrics.ActiveWebSocketClients.Set(float64(n))
		}
	}
	h.mu.Unlock()
}

func serialize(ev *StatusEvent) []byte {
	data, _ := json.Marshal(ev)
	return data
}

// HandleWebSocket upgrades HTTP to WebSocket for the given order ID.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, orderID string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if h.total.Load() >= int64(h.maxClients) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		orderID: orderID,
		send:    make(chan []byte, 16),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump drains client messages; only pongs matter.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump writes events and keepalive pings to the socket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
