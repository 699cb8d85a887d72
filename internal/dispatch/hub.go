package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pasarlokal/dispatch-engine/internal/metrics"
)

// Hint types pushed to courier clients.
const (
	HintOrderReady   = "order.ready"
	HintOrderClaimed = "order.claimed"
)

// Hint tells courier clients that the ready-order list of a market changed.
// Hints are advisory: clients still claim through the conditional update
// and re-fetch the list on AlreadyClaimed.
type Hint struct {
	Type     string    `json:"type"`
	OrderID  string    `json:"order_id"`
	MarketID string    `json:"market_id"`
	At       time.Time `json:"at"`
}

// Notifier publishes hints. Publish never blocks the caller.
type Notifier interface {
	Publish(ctx context.Context, h Hint)
}

// Hub manages courier WebSocket connections and pushes hints to the
// clients subscribed to the hint's market.
type Hub struct {
	clients    map[*websocket.Conn]string // conn → market filter ("" = all)
	broadcast  chan Hint
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.Mutex
	logger     *slog.Logger
}

type subscription struct {
	conn     *websocket.Conn
	marketID string
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan Hint, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main event loop until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.marketID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.logger.Info("ws client connected", "market_id", sub.marketID, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case hint := <-h.broadcast:
			data, err := json.Marshal(hint)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for conn, market := range h.clients {
				if market != "" && market != hint.MarketID {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Publish queues a hint for local clients. Hints are dropped when the
// buffer is full.
func (h *Hub) Publish(_ context.Context, hint Hint) {
	select {
	case h.broadcast <- hint:
	default:
		h.logger.Warn("ws hint dropped, buffer full", "order_id", hint.OrderID)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Courier apps connect from native clients.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
// An optional ?market_id= restricts hints to one market.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	marketID := r.URL.Query().Get("market_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, marketID: marketID}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.Lock()
			_, ok := h.clients[conn]
			var err error
			if ok {
				err = conn.WriteMessage(websocket.PingMessage, nil)
			}
			h.mu.Unlock()
			if !ok || err != nil {
				return
			}
		}
	}()
}
