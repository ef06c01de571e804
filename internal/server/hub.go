package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// A tap burst can change the snapshot far faster than any UI cares to
	// repaint. The broadcaster drops intermediate frames and delivers the
	// newest one at most this often.
	broadcastsPerSecond = 20
	broadcastBurst      = 5

	writeTimeout = 2 * time.Second
)

// wsMessage is the envelope for every frame pushed to clients.
type wsMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Hub fans state frames out to WebSocket clients. Publish is cheap and
// never blocks: it replaces the pending frame and pokes the broadcaster,
// which is the only goroutine that writes to client sockets.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	latest  *wsMessage

	pending chan struct{}
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients: make(map[*websocket.Conn]bool),
		pending: make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Limit(broadcastsPerSecond), broadcastBurst),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go h.broadcastLoop()
	return h
}

// Publish queues a frame for broadcast. An unsent older frame is replaced,
// so clients always converge on the newest state.
func (h *Hub) Publish(msgType string, payload interface{}) {
	h.mu.Lock()
	h.latest = &wsMessage{Type: msgType, Payload: payload}
	h.mu.Unlock()
	select {
	case h.pending <- struct{}{}:
	default:
	}
}

// Register adds a client and primes it with the latest frame so a fresh
// UI renders without waiting for the next change. The direct write is safe
// because the broadcaster cannot know the socket yet.
func (h *Hub) Register(conn *websocket.Conn) {
	h.mu.Lock()
	msg := h.latest
	h.mu.Unlock()
	if msg != nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return
		}
	}
	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()
}

// Unregister drops a client and closes its socket.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
}

// ClientCount reports currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops the broadcaster and disconnects every client.
func (h *Hub) Close() {
	h.cancel()
	<-h.done
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.mu.Unlock()
}

func (h *Hub) broadcastLoop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.pending:
		}
		if err := h.limiter.Wait(h.ctx); err != nil {
			return
		}

		h.mu.Lock()
		msg := h.latest
		clients := make([]*websocket.Conn, 0, len(h.clients))
		for conn := range h.clients {
			clients = append(clients, conn)
		}
		h.mu.Unlock()
		if msg == nil {
			continue
		}

		var failed []*websocket.Conn
		for _, conn := range clients {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				failed = append(failed, conn)
			}
		}
		if len(failed) > 0 {
			h.mu.Lock()
			for _, conn := range failed {
				if _, ok := h.clients[conn]; ok {
					delete(h.clients, conn)
					conn.Close()
				}
			}
			h.mu.Unlock()
		}
	}
}
