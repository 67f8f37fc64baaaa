// Package push fans weight configuration changes out to connected observers
// over websockets.
package push

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "harrier_push_connections",
			Help: "Number of connected observers",
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harrier_push_deliveries_total",
			Help: "Weight update deliveries by outcome",
		},
		[]string{"outcome"},
	)
)

// Hub tracks observer connections per scope and broadcasts to them.
// Delivery is at-most-once: a connection whose queue is full misses the
// message and there is no replay.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*client]struct{}
	closed   bool
	upgrader websocket.Upgrader

	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration
}

type client struct {
	scope string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub
}

// NewHub creates a Hub.
func NewHub(cfg domain.PushConfig) *Hub {
	h := &Hub{
		clients:      make(map[string]map[*client]struct{}),
		sendBuffer:   cfg.SendBufferSize,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = 16
	}
	if h.writeTimeout <= 0 {
		h.writeTimeout = 10 * time.Second
	}
	if h.pingInterval <= 0 {
		h.pingInterval = 30 * time.Second
	}

	allowed := cfg.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(allowed) == 0 || origin == "" || slices.Contains(allowed, origin)
		},
	}
	return h
}

// ServeWS upgrades the request and registers the connection under scope.
// The upgrader has already written an HTTP error when this returns one.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, scope string) error {
	if scope == "" {
		http.Error(w, "scope is required", http.StatusBadRequest)
		return fmt.Errorf("scope is required")
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}

	c := &client{
		scope: scope,
		conn:  conn,
		send:  make(chan []byte, h.sendBuffer),
		hub:   h,
	}

	if !h.register(c) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		return fmt.Errorf("hub is closed")
	}

	slog.Debug("observer connected", "scope", scope, "remote_addr", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
	return nil
}

// Broadcast sends a weight update to every observer of scope.
// Returns how many connections accepted the message.
func (h *Hub) Broadcast(scope string, w *domain.WeightConfiguration) (int, error) {
	data, err := json.Marshal(domain.NewWeightUpdateMessage(w))
	if err != nil {
		return 0, fmt.Errorf("failed to encode weight update: %w", err)
	}
	return h.broadcastRaw(scope, data), nil
}

func (h *Hub) broadcastRaw(scope string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for c := range h.clients[scope] {
		select {
		case c.send <- data:
			delivered++
			Deliveries.WithLabelValues("queued").Inc()
		default:
			Deliveries.WithLabelValues("dropped").Inc()
			slog.Warn("observer queue full, weight update dropped", "scope", scope)
		}
	}
	return delivered
}

// Count returns the number of observers connected for scope.
func (h *Hub) Count(scope string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[scope])
}

// Close disconnects every observer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.hub.unregister(c)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.scope]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.scope] = set
	}
	set[c] = struct{}{}
	Connections.Inc()
	return true
}

// unregister removes c and closes its queue. Safe to call more than once.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.clients[c.scope]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.scope)
	}
	close(c.send)
	Connections.Dec()
}

// readPump keeps the read side alive for control frames. Observers do not
// send application messages; anything they send is discarded.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	deadline := 2 * c.hub.pingInterval
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("observer read error", "scope", c.scope, "error", err)
			}
			return
		}
	}
}

// writePump drains the queue and pings idle connections.
func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				Deliveries.WithLabelValues("failed").Inc()
				return
			}
			Deliveries.WithLabelValues("sent").Inc()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
