// Package monitor exposes a running backtest over HTTP: health, Prometheus
// metrics, a status snapshot, recent fills, and a WebSocket feed of events.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/backtester/internal/event"
	"github.com/atmx/backtester/internal/metrics"
)

// DefaultRecentFills is how many fills the hub keeps for /api/v1/fills.
const DefaultRecentFills = 100

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type       string    `json:"type"`
	Time       time.Time `json:"time"`
	Contract   string    `json:"contract,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Side       string    `json:"side,omitempty"`
	Quantity   int64     `json:"quantity,omitempty"`
	Price      string    `json:"price,omitempty"`
	Status     string    `json:"status,omitempty"`
	Ack        string    `json:"ack,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Open       *bool     `json:"open,omitempty"`
	Position   int64     `json:"position,omitempty"`
	Unrealized string    `json:"unrealized_pnl,omitempty"`
	Tickers    int       `json:"tickers,omitempty"`
}

// Hub fans backtest events out to WebSocket clients and remembers the most
// recent fills.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	log        *slog.Logger

	fillsMu sync.Mutex
	fills   []WSMessage
	keep    int
}

// NewHub creates a hub keeping the last keep fills. A nil logger discards.
func NewHub(keep int, logger *slog.Logger) *Hub {
	if keep <= 0 {
		keep = DefaultRecentFills
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        logger.With("component", "monitor"),
		keep:       keep,
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			h.log.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients. It never blocks.
func (h *Hub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full; the backtest loop must not stall on clients.
	}
}

// Observe converts a backtest event into a message and broadcasts it.
// Suitable for backtest.WithObserver.
func (h *Hub) Observe(ev event.Event) {
	msg := WSMessage{Type: ev.Kind(), Time: ev.EventTime()}

	switch e := ev.(type) {
	case event.FillEvent:
		o := e.Trade.Order
		msg.Contract = o.Contract.Key()
		msg.OrderID = o.ID
		msg.Side = e.Fill.Side.String()
		msg.Quantity = e.Fill.Quantity
		msg.Price = e.Fill.Price.String()
		msg.Status = o.Status.String()
		h.remember(msg)
	case event.OrderEvent:
		o := e.Trade.Order
		msg.Contract = o.Contract.Key()
		msg.OrderID = o.ID
		msg.Side = o.Side.String()
		msg.Quantity = o.Quantity
		msg.Status = o.Status.String()
		msg.Ack = e.Ack.String()
		msg.Reason = e.Reason
	case event.CalendarEvent:
		open := e.Open
		msg.Contract = e.Contract.Key()
		msg.Open = &open
	case event.PnLEvent:
		msg.Contract = e.PnL.Contract.Key()
		msg.Position = e.PnL.Position
		msg.Unrealized = e.PnL.Unrealized.String()
	case event.PendingTickersEvent:
		msg.Tickers = len(e.Tickers)
	}
	h.Broadcast(msg)
}

func (h *Hub) remember(msg WSMessage) {
	h.fillsMu.Lock()
	defer h.fillsMu.Unlock()
	h.fills = append(h.fills, msg)
	if over := len(h.fills) - h.keep; over > 0 {
		h.fills = append(h.fills[:0], h.fills[over:]...)
	}
}

// RecentFills returns up to limit of the latest fills, oldest first.
// A limit <= 0 returns all that are kept.
func (h *Hub) RecentFills(limit int) []WSMessage {
	h.fillsMu.Lock()
	defer h.fillsMu.Unlock()
	start := 0
	if limit > 0 && limit < len(h.fills) {
		start = len(h.fills) - limit
	}
	return append([]WSMessage{}, h.fills[start:]...)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // local monitoring only
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
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
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
			}
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
