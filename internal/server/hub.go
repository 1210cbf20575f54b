package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/tmsdash/internal/acquisition"
	"github.com/shaunagostinho/tmsdash/internal/stream"
)

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Event  *stream.Event        `json:"event,omitempty"`
	Status *stream.Status       `json:"status,omitempty"`
	Window []acquisition.Sample `json:"window,omitempty"` // sent once on connect
	Stamp  int64                `json:"stamp"`            // Unix ms
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans session events out to WebSocket clients. It is a stream.Notifier
// and never blocks: a client whose queue is full misses the frame.
type Hub struct {
	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Notify implements stream.Notifier.
func (h *Hub) Notify(e stream.Event) {
	h.broadcast(Frame{Event: &e, Stamp: e.Stamp})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// serveWS upgrades the request and queues hello as the first frame.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request, hello Frame) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	h.clientsMu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects close)
	go func() {
		defer func() {
			h.clientsMu.Lock()
			delete(h.clients, client)
			n := len(h.clients)
			close(client.send)
			h.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (h *Hub) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[ws] marshal frame: %v", err)
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
