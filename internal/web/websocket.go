package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type busMessage struct {
	subject string
	data    []byte
}

// Hub fans bus event payloads out to websocket clients. A client registered
// with a session ID only receives that session's debate events.
type Hub struct {
	clients   map[*websocket.Conn]string
	broadcast chan busMessage
	mu        sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan busMessage, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg busMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client, session := range h.clients {
		if session != "" && msg.subject != natsbus.TopicEventsDebate(session) {
			continue
		}
		_ = client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(websocket.TextMessage, msg.data); err != nil {
			slog.Debug("dropping websocket client", "error", err)
			client.Close()
			delete(h.clients, client)
		}
	}
}

// Broadcast queues data published on subject for delivery.
func (h *Hub) Broadcast(subject string, data []byte) {
	select {
	case h.broadcast <- busMessage{subject: subject, data: data}:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "subject", subject)
	}
}

func (h *Hub) Register(conn *websocket.Conn, session string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = session
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

// handleWebSocket streams bus events. ?session=<id> narrows the stream to
// one debate.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(conn, session)
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	// Clients only listen; reading detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
