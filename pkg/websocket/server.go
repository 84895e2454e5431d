// Package websocket streams committed vault events to websocket subscribers.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/perpvault/pkg/events"
)

// AllEvents subscribes to every event kind.
const AllEvents = "events:*"

// Channel returns the subscription channel of kind.
func Channel(kind events.Kind) string { return "events:" + string(kind) }

// Server fans committed events out to websocket clients. It implements events.Sink.
type Server struct {
	config   Config
	logger   log.Logger
	upgrader websocket.Upgrader

	// Client management
	clients   map[*Client]struct{}
	clientsMu sync.RWMutex

	// Subscription management
	subscriptions map[string]map[*Client]struct{} // channel -> clients
	subMu         sync.RWMutex

	// Stats
	messagesOut uint64
	sequence    uint64
}

// Client is one websocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	once   sync.Once
}

// Message is the envelope of every frame sent to clients.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// SubscribeRequest is sent by clients to change subscriptions.
type SubscribeRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Config holds WebSocket server configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	SendQueue       int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueue:       256,
		MaxMessageSize:  64 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
	}
}

// NewServer creates a new WebSocket server
func NewServer(logger log.Logger, config Config) *Server {
	return &Server{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:       make(map[*Client]struct{}),
		subscriptions: make(map[string]map[*Client]struct{}),
	}
}

// Run logs stats periodically and disconnects every client once ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.clientsMu.RLock()
			clients := make([]*Client, 0, len(s.clients))
			for c := range s.clients {
				clients = append(clients, c)
			}
			s.clientsMu.RUnlock()
			for _, c := range clients {
				s.remove(c)
			}
			return nil
		case <-ticker.C:
			stats := s.Stats()
			s.logger.Debug("WebSocket stats", "clients", stats.Clients, "messages", stats.MessagesSent)
		}
	}
}

// ServeHTTP upgrades the connection and starts the client pumps.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:     uuid.New().String(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, s.config.SendQueue),
	}
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("Client connected", "id", client.id, "total", total)

	go client.writePump()
	go client.readPump()

	client.sendMessage(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": client.id},
		Timestamp: time.Now().Unix(),
	})
}

// remove drops c from every channel and closes its queue. It is idempotent.
func (s *Server) remove(c *Client) {
	c.once.Do(func() {
		s.clientsMu.Lock()
		delete(s.clients, c)
		total := len(s.clients)
		s.clientsMu.Unlock()

		s.subMu.Lock()
		for channel, clients := range s.subscriptions {
			delete(clients, c)
			if len(clients) == 0 {
				delete(s.subscriptions, channel)
			}
		}
		s.subMu.Unlock()

		close(c.send)
		s.logger.Debug("Client disconnected", "id", c.id, "total", total)
	})
}

// readPump handles incoming messages from client
func (c *Client) readPump() {
	defer func() {
		c.server.remove(c)
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		var req SubscribeRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.handleMessage(req)
	}
}

// writePump handles outgoing messages to client
func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(req SubscribeRequest) {
	switch req.Type {
	case "subscribe":
		for _, ch := range req.Channels {
			if !validChannel(ch) {
				c.sendError(fmt.Sprintf("Unknown channel: %s", ch))
				return
			}
		}
		for _, ch := range req.Channels {
			c.server.subscribe(ch, c)
		}
		c.sendMessage(Message{Type: "subscribed", Data: map[string]interface{}{"channels": req.Channels}, Timestamp: time.Now().Unix()})
	case "unsubscribe":
		for _, ch := range req.Channels {
			c.server.unsubscribe(ch, c)
		}
		c.sendMessage(Message{Type: "unsubscribed", Data: map[string]interface{}{"channels": req.Channels}, Timestamp: time.Now().Unix()})
	case "ping":
		c.sendMessage(Message{Type: "pong", Timestamp: time.Now().Unix()})
	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

func validChannel(ch string) bool {
	return ch == AllEvents || (strings.HasPrefix(ch, "events:") && len(ch) > len("events:"))
}

// sendMessage queues msg, dropping the client when its queue is full.
func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}
	c.server.deliver(c, data)
}

func (c *Client) sendError(message string) {
	c.sendMessage(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) deliver(c *Client, data []byte) {
	s.clientsMu.RLock()
	_, live := s.clients[c]
	if live {
		select {
		case c.send <- data:
			s.clientsMu.RUnlock()
			return
		default:
		}
	}
	s.clientsMu.RUnlock()
	if live {
		s.logger.Debug("Dropping slow client", "id", c.id)
		s.remove(c)
	}
}

// subscribe adds a client to a channel
func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]struct{})
	}
	s.subscriptions[channel][client] = struct{}{}
}

// unsubscribe removes a client from a channel
func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// Publish sends each event to the subscribers of its kind and of AllEvents.
func (s *Server) Publish(_ context.Context, evs []events.Event) error {
	for _, e := range evs {
		channel := Channel(e.Kind)
		msg := Message{
			Type:      "event",
			Channel:   channel,
			Data:      e,
			Timestamp: e.Time.Unix(),
			Sequence:  atomic.AddUint64(&s.sequence, 1),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}

		s.subMu.RLock()
		targets := make(map[*Client]struct{}, len(s.subscriptions[channel])+len(s.subscriptions[AllEvents]))
		for c := range s.subscriptions[channel] {
			targets[c] = struct{}{}
		}
		for c := range s.subscriptions[AllEvents] {
			targets[c] = struct{}{}
		}
		s.subMu.RUnlock()

		for c := range targets {
			s.deliver(c, data)
		}
	}
	return nil
}

// Stats summarizes the server.
type Stats struct {
	Clients      int    `json:"clients"`
	Channels     int    `json:"channels"`
	MessagesSent uint64 `json:"messagesSent"`
}

// Stats returns server statistics
func (s *Server) Stats() Stats {
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()
	s.subMu.RLock()
	channels := len(s.subscriptions)
	s.subMu.RUnlock()

	return Stats{
		Clients:      clients,
		Channels:     channels,
		MessagesSent: atomic.LoadUint64(&s.messagesOut),
	}
}
