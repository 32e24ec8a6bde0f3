package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mtzanidakis/orkestra/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	clientQueue = 64
	writeWait   = 10 * time.Second
)

// clientMessage is what websocket clients send.
type clientMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
	AgentIDs []string `json:"agent_ids"`
}

type serverMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
	AgentIDs []string `json:"agent_ids,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// client is one websocket connection. Until it subscribes it receives
// every event; after that only the subscribed channels, optionally
// narrowed to some agents.
type client struct {
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	filtered bool
	channels map[events.Type]bool
	agents   map[string]bool
}

func newClient(conn *websocket.Conn) *client {
	return &client{
		conn:     conn,
		send:     make(chan []byte, clientQueue),
		channels: make(map[events.Type]bool),
		agents:   make(map[string]bool),
	}
}

func (c *client) wants(e events.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.filtered && !c.channels[e.Type] {
		return false
	}
	// Agent ids only narrow events that involve an agent.
	if e.AgentID != "" && len(c.agents) > 0 && !c.agents[e.AgentID] {
		return false
	}
	return true
}

// apply handles a subscribe or unsubscribe message and returns the reply.
func (c *client) apply(msg clientMessage) serverMessage {
	for _, ch := range msg.Channels {
		if !events.Type(ch).Valid() {
			return serverMessage{Type: "error", Error: "unknown channel " + ch}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Action {
	case "subscribe":
		c.filtered = c.filtered || len(msg.Channels) > 0
		for _, ch := range msg.Channels {
			c.channels[events.Type(ch)] = true
		}
		for _, id := range msg.AgentIDs {
			c.agents[id] = true
		}
	case "unsubscribe":
		for _, ch := range msg.Channels {
			delete(c.channels, events.Type(ch))
		}
		for _, id := range msg.AgentIDs {
			delete(c.agents, id)
		}
	}
	reply := serverMessage{Type: msg.Action + "d"}
	for ch := range c.channels {
		reply.Channels = append(reply.Channels, string(ch))
	}
	for id := range c.agents {
		reply.AgentIDs = append(reply.AgentIDs, id)
	}
	slices.Sort(reply.Channels)
	slices.Sort(reply.AgentIDs)
	return reply
}

type Hub struct {
	clients   map[*client]bool
	broadcast chan events.Event
	mu        sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*client]bool),
		broadcast: make(chan events.Event, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.deliver(event, data)
		}
	}
}

// deliver queues an event for every interested client. A client whose
// queue is full has fallen behind and is dropped.
func (h *Hub) deliver(e events.Event, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slog.Warn("websocket client fell behind, dropping it")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Emit queues an event for broadcast. It never blocks.
func (h *Hub) Emit(e events.Event) {
	select {
	case h.broadcast <- e:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "type", e.Type)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn)
	s.hub.register(c)
	done := make(chan struct{})
	go func() {
		defer close(done)
		writePump(c)
	}()
	defer func() {
		s.hub.unregister(c)
		<-done
		conn.Close()
	}()

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("websocket read failed", "error", err)
			}
			return
		}
		var reply serverMessage
		switch msg.Action {
		case "subscribe", "unsubscribe":
			reply = c.apply(msg)
		case "ping":
			reply = serverMessage{Type: "pong"}
		default:
			reply = serverMessage{Type: "error", Error: "unknown action " + msg.Action}
		}
		data, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		if !s.hub.reply(c, data) {
			return
		}
	}
}

// reply queues a direct answer to one client. It reports false when the
// client is gone.
func (h *Hub) reply(c *client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func writePump(c *client) {
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// Closing the connection ends the read loop, which unregisters
			// the client and closes the queue.
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
