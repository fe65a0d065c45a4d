package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collectr/marketpulse/marketpulse/live"
)

// StreamServer pushes live price change events to WebSocket clients.
// It rides on its own net/http listener because fiber's fasthttp
// transport cannot hijack connections for gorilla/websocket.
type StreamServer struct {
	addr     string
	bc       *live.Broadcaster
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*streamClient]bool

	ctx    context.Context
	cancel context.CancelFunc
}

type streamClient struct {
	conn          *websocket.Conn
	send          chan []byte
	server        *StreamServer
	mu            sync.RWMutex
	subscribedAll bool
	items         map[int64]bool
}

// clientMessage is what a client sends: subscribe, unsubscribe or ping.
type clientMessage struct {
	Type    string  `json:"type"`
	ItemIDs []int64 `json:"item_ids"`
}

// streamEnvelope wraps a change event on the wire.
type streamEnvelope struct {
	Type      string           `json:"type"`
	Timestamp string           `json:"timestamp"`
	Event     live.ChangeEvent `json:"event"`
}

func NewStreamServer(addr string, bc *live.Broadcaster) *StreamServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamServer{
		addr: addr,
		bc:   bc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				return true
			},
		},
		clients: make(map[*streamClient]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start serves until ctx or Stop ends it.
func (s *StreamServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	sub := s.bc.Subscribe(nil)
	go s.fanOut(sub)

	slog.Info("Starting WebSocket stream", slog.String("type", "web"), slog.String("addr", s.addr))

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("WebSocket server error", slog.String("type", "web"), slog.String("error", err.Error()))
		}
	}()

	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	}
	s.bc.Unsubscribe(sub)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *StreamServer) Stop() {
	s.cancel()
}

// fanOut relays broadcaster events to every interested client. Slow
// clients lose events rather than stall the relay.
func (s *StreamServer) fanOut(sub *live.Subscription) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			s.broadcast(ev)
		}
	}
}

func (s *StreamServer) broadcast(ev live.ChangeEvent) {
	data, err := json.Marshal(streamEnvelope{
		Type:      "price_update",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Event:     ev,
	})
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		if !client.wants(ev.ItemID) {
			continue
		}
		select {
		case client.send <- data:
		default:
			slog.Warn("Client send buffer full, skipping update", slog.String("type", "web"))
		}
	}
}

func (s *StreamServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", slog.String("type", "web"), slog.String("error", err.Error()))
		return
	}

	client := &streamClient{
		conn:          conn,
		send:          make(chan []byte, 256),
		server:        s,
		subscribedAll: true,
		items:         make(map[int64]bool),
	}
	s.registerClient(client)

	go client.writePump()
	go client.readPump()

	slog.Info("WebSocket client connected", slog.String("type", "web"), slog.String("remote", conn.RemoteAddr().String()))
}

func (s *StreamServer) registerClient(client *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client] = true
}

func (s *StreamServer) unregisterClient(client *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
}

func (c *streamClient) wants(itemID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.subscribedAll {
		return true
	}
	return c.items[itemID]
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
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

func (c *streamClient) readPump() {
	defer func() {
		c.server.unregisterClient(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("WebSocket read error", slog.String("type", "web"), slog.String("error", err.Error()))
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *streamClient) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Invalid client message", slog.String("type", "web"), slog.String("error", err.Error()))
		return
	}

	switch msg.Type {
	case "subscribe":
		c.mu.Lock()
		if len(msg.ItemIDs) == 0 {
			c.subscribedAll = true
		} else {
			c.subscribedAll = false
			for _, id := range msg.ItemIDs {
				c.items[id] = true
			}
		}
		c.mu.Unlock()
	case "unsubscribe":
		c.mu.Lock()
		for _, id := range msg.ItemIDs {
			delete(c.items, id)
		}
		if len(msg.ItemIDs) == 0 {
			c.subscribedAll = false
			c.items = make(map[int64]bool)
		}
		c.mu.Unlock()
	case "ping":
		select {
		case c.send <- []byte(`{"type":"pong"}`):
		default:
		}
	}
}
