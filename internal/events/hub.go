package events

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The admin surface sits behind operator access; origin checks belong to
	// the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub relays bus events to connected websocket clients.
type Hub struct {
	bus *Bus

	mu      sync.Mutex
	clients map[*websocket.Conn]bool

	stopOnce sync.Once
	stop     func()
}

// NewHub subscribes to the bus and starts the broadcast loop.
func NewHub(bus *Bus) *Hub {
	h := &Hub{
		bus:     bus,
		clients: make(map[*websocket.Conn]bool),
	}
	ch, cancel := bus.Subscribe()
	h.stop = cancel
	go h.broadcast(ch)
	return h
}

// ServeHTTP upgrades the connection and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()
	slog.Info("event stream client connected", "clients", n)

	// Reads are discarded; the connection exists to push events out. A read
	// error is how we learn the client went away.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) broadcast(ch <-chan Event) {
	for ev := range ch {
		h.mu.Lock()
		for conn := range h.clients {
			if err := conn.WriteJSON(ev); err != nil {
				delete(h.clients, conn)
				conn.Close()
			}
		}
		h.mu.Unlock()
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if h.clients[conn] {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Info("event stream client disconnected", "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close unsubscribes from the bus and disconnects all clients.
func (h *Hub) Close() error {
	h.stopOnce.Do(h.stop)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	return nil
}
