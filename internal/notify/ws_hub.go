// Package notify pushes price changes and cycle summaries to dashboard
// clients over WebSocket.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sellerdash/repricer/internal/engine"
	"github.com/sellerdash/repricer/internal/metrics"
	"github.com/sellerdash/repricer/internal/model"
)

// Message types.
const (
	TypePriceReduced   = "price_reduced"
	TypePriceChanged   = "price_changed"
	TypeCycleCompleted = "cycle_completed"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string `json:"type"`
	CycleID   string `json:"cycle_id,omitempty"`
	ListingID string `json:"listing_id,omitempty"`
	OldPrice  string `json:"old_price,omitempty"`
	NewPrice  string `json:"new_price,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Due       int    `json:"due,omitempty"`
	Reduced   int    `json:"reduced,omitempty"`
	Skipped   int    `json:"skipped,omitempty"`
	Failed    int    `json:"failed,omitempty"`
}

// WSHub manages WebSocket connections and broadcasts messages to all
// connected clients when listing prices change.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{} // closed when Run returns
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is cancelled.
// Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.done) })
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
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking the cycle.
	}
}

// PublishSummary broadcasts one price_reduced message per reduced listing
// followed by a cycle_completed message.
func (h *WSHub) PublishSummary(_ context.Context, s *engine.Summary) error {
	for _, r := range s.Results {
		if r.Outcome != engine.Reduced {
			continue
		}
		h.Broadcast(WSMessage{
			Type:      TypePriceReduced,
			CycleID:   s.CycleID,
			ListingID: r.ListingID,
			OldPrice:  r.OldPrice.String(),
			NewPrice:  r.NewPrice.String(),
			Reason:    r.Reason,
		})
	}
	h.Broadcast(WSMessage{
		Type:    TypeCycleCompleted,
		CycleID: s.CycleID,
		Due:     s.Due,
		Reduced: s.Reduced,
		Skipped: s.Skipped,
		Failed:  s.Failed,
	})
	return nil
}

// PriceChanged broadcasts a price change made outside a cycle.
func (h *WSHub) PriceChanged(e *model.PriceHistoryEntry) {
	h.Broadcast(WSMessage{
		Type:      TypePriceChanged,
		ListingID: e.ListingID,
		OldPrice:  e.PreviousPrice.String(),
		NewPrice:  e.Price.String(),
		Reason:    string(e.Reason),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
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
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
