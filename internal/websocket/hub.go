// Package websocket fans incremental counter updates out to all connected
// viewers. Delivery is best effort: slow clients are dropped, missed events
// are never replayed.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Message is the JSON envelope for every event pushed to viewers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SlotCount is one (index, count) pair carried in an event payload.
type SlotCount struct {
	Index int   `json:"index"`
	Count int64 `json:"count"`
}

// CountryStat is a country counter carried in a stats payload.
type CountryStat struct {
	Code  string `json:"code"`
	Count int64  `json:"count"`
}

// StatsPayload is the batched per-click delta pushed after each admitted
// click. Optional sub-values are omitted when the click skipped them.
type StatsPayload struct {
	Second       SlotCount    `json:"second"`
	Total        int64        `json:"total"`
	LocalHour    *SlotCount   `json:"localHour,omitempty"`
	LocalWeekday *SlotCount   `json:"localWeekday,omitempty"`
	LocalMonth   *SlotCount   `json:"localMonth,omitempty"`
	Country      *CountryStat `json:"country,omitempty"`
}

// Client represents one connected viewer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string
}

// Hub maintains active clients and broadcasts events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu             sync.RWMutex
	allowedOrigins []string
}

// NewHub creates a hub. allowedOrigins restricts websocket upgrades; an
// empty list permits same-host requests only.
func NewHub(allowedOrigins []string) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		broadcast:      make(chan []byte, 256),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		allowedOrigins: allowedOrigins,
	}
}

// SetAllowedOrigins replaces the origin allow-list.
func (h *Hub) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allowedOrigins = origins
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")

			welcome := Message{Type: "welcome", Data: map[string]string{"message": "Connected to clickroll"}}
			if data, err := json.Marshal(welcome); err == nil {
				select {
				case client.send <- data:
				default:
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client disconnected")

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full; drop the slow client
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
					h.mu.Unlock()
					log.Warn().Str("client", client.id).Msg("Dropped slow WebSocket client")
				}
			}

		case <-pingTicker.C:
			h.BroadcastMessage(Message{Type: "ping", Data: map[string]int64{"timestamp": time.Now().Unix()}})
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// HandleWebSocket upgrades an HTTP request into a hub client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		id:   uuid.NewString(),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	h.mu.RLock()
	allowed := h.allowedOrigins
	h.mu.RUnlock()

	if len(allowed) == 0 {
		// Same-host only
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
	for _, a := range allowed {
		if strings.EqualFold(strings.TrimRight(a, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastMessage queues a message for delivery to every client.
func (h *Hub) BroadcastMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Str("type", msg.Type).Msg("WebSocket broadcast channel full, dropping event")
	}
}

// BroadcastSecondReset announces that a second slot was pre-cleared.
func (h *Hub) BroadcastSecondReset(index int) {
	h.BroadcastMessage(Message{Type: "secondReset", Data: map[string]int{"index": index}})
}

// granularity name -> event type for cascade fold updates
var granularityEvents = map[string]string{
	"minute": "minuteUpdated",
	"hour":   "hourUpdated",
	"day":    "dayUpdated",
	"month":  "monthUpdated",
	"year":   "yearUpdated",
}

// BroadcastBucketUpdated announces a fresh count for one rolling bucket.
func (h *Hub) BroadcastBucketUpdated(granularity string, index int, count int64) {
	event, ok := granularityEvents[granularity]
	if !ok {
		log.Error().Str("granularity", granularity).Msg("No update event for granularity")
		return
	}
	h.BroadcastMessage(Message{Type: event, Data: SlotCount{Index: index, Count: count}})
}

// BroadcastStatsUpdated pushes the batched per-click delta.
func (h *Hub) BroadcastStatsUpdated(stats StatsPayload) {
	h.BroadcastMessage(Message{Type: "statsUpdated", Data: stats})
}

// BroadcastMilestoneReached announces that the total crossed a milestone.
func (h *Hub) BroadcastMilestoneReached(milestone, total int64) {
	h.BroadcastMessage(Message{Type: "milestoneReached", Data: map[string]int64{
		"milestone": milestone,
		"total":     total,
	}})
}

// readPump consumes client messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed WebSocket message")
			continue
		}
		if msg.Type == "ping" {
			pong := Message{Type: "pong", Data: map[string]int64{"timestamp": time.Now().Unix()}}
			if data, err := json.Marshal(pong); err == nil {
				select {
				case c.send <- data:
				default:
				}
			}
		}
	}
}

// writePump delivers queued messages and keepalive pings to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain anything already queued
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case msg := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
