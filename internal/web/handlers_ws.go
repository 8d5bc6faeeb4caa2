package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"zigbee-homekit/internal/coordinator"
)

// EventSnapshot is the first frame each client receives: the current
// accessory states.
const EventSnapshot = "snapshot"

// WSHub fans controller events out to WebSocket clients. Frames are
// marshalled once per event.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case data := <-h.broadcast:
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for every client. It never blocks the caller,
// which is usually an EventBus listener.
func (h *WSHub) Broadcast(event coordinator.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("ws marshal", "err", err, "event", event.Type)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("ws broadcast channel full, dropping event", "event", event.Type)
	}
}

func (s *Server) snapshot() []byte {
	switches := s.accessories.Switches()
	states := make([]accessoryState, 0, len(switches))
	for _, sw := range switches {
		states = append(states, accessoryState{IEEEAddr: sw.IEEEAddr(), On: sw.HandleOnGet()})
	}
	data, err := json.Marshal(coordinator.Event{Type: EventSnapshot, Data: states})
	if err != nil {
		s.logger.Error("ws snapshot", "err", err)
		return nil
	}
	return data
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}
	if snap := s.snapshot(); snap != nil {
		client.send <- snap
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

// wsReadPump only drains the connection; clients have nothing to send.
func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
