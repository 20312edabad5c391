package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/agui"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsTickInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// EventHub fans chat-stream events out to WebSocket observers on
// /v2/events/ws. Observers see the same frames the SSE client gets, for
// every active run. A slow observer loses frames rather than stalling
// anyone's stream.
type EventHub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

func newEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		logger: logger.With("component", "events_ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		clients: make(map[*wsClient]struct{}),
	}
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	h.register(client)
	go client.writeLoop()
	client.readLoop()
}

// Broadcast marshals the event once and offers it to every observer.
func (h *EventHub) Broadcast(ev agui.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("event marshal failed", "type", ev.Kind(), "error", err)
		return
	}
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			client.dropped.Add(1)
		}
	}
}

// Observers reports the connected client count.
func (h *EventHub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every observer and refuses new ones.
func (h *EventHub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*wsClient]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func (h *EventHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("observer connected", "observers", count)
}

func (h *EventHub) unregister(c *wsClient) {
	h.mu.Lock()
	_, known := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	c.close()
	if known {
		if dropped := c.dropped.Load(); dropped > 0 {
			h.logger.Warn("observer disconnected with dropped frames",
				"dropped", dropped,
				"observers", count)
		} else {
			h.logger.Debug("observer disconnected", "observers", count)
		}
	}
}

type wsClient struct {
	hub     *EventHub
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// readLoop exists to run the pong handler and notice disconnects.
// Observers are read-only; inbound frames are discarded.
func (c *wsClient) readLoop() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}
