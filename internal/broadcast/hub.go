package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"printwatch/internal/model"
)

// Hub manages dashboard WebSocket clients. Registration, removal and
// writes all happen on the Run goroutine.
type Hub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	upgrader   websocket.Upgrader
	greeting   func() []model.Message
	count      atomic.Int64
	logger     *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn, 16),
		unregister: make(chan *websocket.Conn, 16),
		broadcast:  make(chan []byte, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// SetGreeting sets the messages written to each client right after it
// connects. Call before Run.
func (h *Hub) SetGreeting(fn func() []model.Message) {
	h.greeting = fn
}

func (h *Hub) Clients() int {
	return int(h.count.Load())
}

func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			if h.logger != nil {
				h.logger.Info("websocket client connected", "clients", len(h.clients))
			}
			h.greet(c)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				_ = c.SetWriteDeadline(time.Now().Add(3 * time.Second))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.drop(c)
				}
			}

		case <-ping.C:
			for c := range h.clients {
				_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) greet(c *websocket.Conn) {
	if h.greeting == nil {
		return
	}
	for _, msg := range h.greeting() {
		b, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_ = c.SetWriteDeadline(time.Now().Add(3 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
			h.drop(c)
			return
		}
	}
}

func (h *Hub) drop(c *websocket.Conn) {
	delete(h.clients, c)
	h.count.Store(int64(len(h.clients)))
	_ = c.Close()
}

// Handler upgrades requests to WebSocket connections and registers them.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			if h.logger != nil {
				h.logger.Warn("websocket upgrade failed", "err", err)
			}
			return
		}
		h.register <- conn

		go func() {
			defer func() { h.unregister <- conn }()
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			conn.SetPongHandler(func(string) error {
				_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
				return nil
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}

// Broadcast queues msg for every client. A full queue drops the message.
func (h *Hub) Broadcast(msg model.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("encode broadcast failed", "type", msg.Type, "err", err)
		}
		return
	}
	select {
	case h.broadcast <- b:
	default:
		if h.logger != nil {
			h.logger.Warn("websocket broadcast queue full", "type", msg.Type)
		}
	}
}
