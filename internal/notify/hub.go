// Package notify broadcasts change events (price ticks, fills, equity
// updates, game status) to connected spectators over WebSocket. The engine
// and driver publish into a Hub via SetNotifier; a nil Hub makes every
// publish call a no-op, so neither depends on a spectator ever connecting.
package notify

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alpharoyale/backend/internal/control"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a single connected spectator.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// ChangeEvent is the generic broadcast envelope. Type distinguishes what
// changed; Payload is the type-specific body. Price events are throttled
// per-symbol; every other type is always broadcast.
type ChangeEvent struct {
	Type      string          `json:"type"` // price, order, equity, game_status
	GameID    string          `json:"game_id,omitempty"`
	Symbol    string          `json:"symbol,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Hub maintains the set of active spectator clients and fans out change
// events to all of them (grounded in the teacher's market-data hub; see
// the former ws.Hub for the broadcast/register/unregister loop this
// generalizes).
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu           sync.RWMutex
	latestPrices map[string]ChangeEvent

	throttleMu    sync.RWMutex
	lastBroadcast map[string]float64

	eventsReceived  int64
	eventsThrottled int64
	eventsSent      int64
}

// NewHub builds an empty Hub and starts its stats logger.
func NewHub() *Hub {
	h := &Hub{
		clients:       make(map[*Client]bool),
		broadcast:     make(chan []byte, 4096),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		latestPrices:  make(map[string]ChangeEvent),
		lastBroadcast: make(map[string]float64),
	}
	go h.logStats()
	return h
}

func (h *Hub) logStats() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		received := atomic.LoadInt64(&h.eventsReceived)
		if received == 0 {
			continue
		}
		throttled := atomic.LoadInt64(&h.eventsThrottled)
		sent := atomic.LoadInt64(&h.eventsSent)
		h.mu.RLock()
		clientCount := len(h.clients)
		h.mu.RUnlock()
		log.Printf("[notify] received=%d sent=%d throttled=%d clients=%d",
			received, sent, throttled, clientCount)
	}
}

// Broadcast publishes a change event to every connected client. Price
// events for a symbol whose value hasn't moved meaningfully since the
// last broadcast are recorded (for GetLatestPrice) but not sent, to keep
// broadcast volume proportional to actual market movement.
func (h *Hub) Broadcast(event ChangeEvent, price float64) {
	atomic.AddInt64(&h.eventsReceived, 1)

	if event.Type == "price" {
		h.mu.Lock()
		h.latestPrices[event.Symbol] = event
		h.mu.Unlock()

		if h.throttled(event.Symbol, price) {
			atomic.AddInt64(&h.eventsThrottled, 1)
			return
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	select {
	case h.broadcast <- data:
		atomic.AddInt64(&h.eventsSent, 1)
	default:
		// Buffer full: drop rather than block the caller (spec CORE
		// never depends on this path succeeding).
	}
}

// throttled reports whether a price event for symbol should be skipped
// because it moved by less than 0.0001% since the last broadcast.
func (h *Hub) throttled(symbol string, price float64) bool {
	h.throttleMu.RLock()
	last, exists := h.lastBroadcast[symbol]
	h.throttleMu.RUnlock()

	if exists && last > 0 {
		change := (price - last) / last
		if change < 0 {
			change = -change
		}
		if change < 0.000001 {
			return true
		}
	}

	h.throttleMu.Lock()
	h.lastBroadcast[symbol] = price
	h.throttleMu.Unlock()
	return false
}

// GetLatestPrice returns the latest recorded price event for a symbol.
func (h *Hub) GetLatestPrice(symbol string) (ChangeEvent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	event, ok := h.latestPrices[symbol]
	return event, ok
}

// Run processes register/unregister/broadcast until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("[notify] client connected, total=%d", count)

			h.mu.RLock()
			for _, event := range h.latestPrices {
				if data, err := json.Marshal(event); err == nil {
					select {
					case client.send <- data:
					default:
					}
				}
			}
			h.mu.RUnlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				log.Printf("[notify] client disconnected, total=%d", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client: drop rather than stall the hub.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ServeWs upgrades a spectator connection after verifying its bearer
// token via the shared control-surface Verifier.
func ServeWs(hub *Hub, verifier *control.Verifier, w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := verifier.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[notify] upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	client := &Client{conn: conn, send: make(chan []byte, 256), userID: userID}
	hub.register <- client

	go func() {
		defer conn.Close()
		for message := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			hub.unregister <- client
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
