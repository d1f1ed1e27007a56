// Package gateway accepts client WebSocket connections, authenticates each
// one in-band, tracks per-connection ticker interest, and forwards bus
// price events to interested connections.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papervest/trading-engine/internal/metrics"
	"github.com/papervest/trading-engine/internal/model"
)

// CloseAuthRejected is the close code sent when the first-message auth
// fails. Clients must not auto-reconnect with the same token after
// receiving it.
const CloseAuthRejected = 4001

const (
	authTimeout = 10 * time.Second
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second

	// sendBuffer bounds per-connection backlog. A connection that cannot
	// drain it loses events instead of blocking the broadcast.
	sendBuffer = 64
)

// ErrInvalidToken is returned by TokenValidator implementations for tokens
// that do not resolve to a user.
var ErrInvalidToken = errors.New("gateway: invalid token")

// TokenValidator resolves a bearer token to a user ID. Identity management
// itself is an external collaborator; the gateway only consumes it.
type TokenValidator interface {
	Validate(token string) (userID string, err error)
}

// TokenValidatorFunc adapts a function to TokenValidator.
type TokenValidatorFunc func(token string) (string, error)

func (f TokenValidatorFunc) Validate(token string) (string, error) { return f(token) }

// clientMessage is the client → server envelope.
type clientMessage struct {
	Action  string   `json:"action"` // "auth", "subscribe", "unsubscribe"
	Token   string   `json:"token,omitempty"`
	Tickers []string `json:"tickers,omitempty"`
}

// client is one authenticated connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string

	mu      sync.RWMutex
	tickers map[string]struct{}
}

func (c *client) wants(ticker string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tickers[ticker]
	return ok
}

func (c *client) subscribe(tickers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Unknown tickers are accepted; they simply never match an event.
	for _, t := range tickers {
		c.tickers[t] = struct{}{}
	}
}

func (c *client) unsubscribe(tickers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tickers {
		delete(c.tickers, t)
	}
}

// Hub manages gateway connections and fans bus events out to them.
type Hub struct {
	auth       TokenValidator
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
}

// NewHub creates a gateway hub using auth for first-message validation.
func NewHub(auth TokenValidator) *Hub {
	return &Hub{
		auth:       auth,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run consumes registrations and bus events until ctx is cancelled. Must be
// called in a goroutine; it is the only goroutine that touches the client
// set, so broadcasts never race with connects.
func (h *Hub) Run(ctx context.Context, events <-chan model.Quote) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.conn.Close()
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			slog.Info("gateway client connected", "user", c.userID, "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				metrics.WebSocketClients.Set(float64(len(h.clients)))
			}

		case q, ok := <-events:
			if !ok {
				return
			}
			h.broadcast(q)
		}
	}
}

// broadcast delivers one price event to every interested connection.
// Sends are non-blocking: a full buffer drops the event for that one
// connection and never stalls the others.
func (h *Hub) broadcast(q model.Quote) {
	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	for c := range h.clients {
		if !c.wants(q.Ticker) {
			continue
		}
		select {
		case c.send <- data:
		default:
			metrics.BroadcastDropped.Inc()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS upgrades the connection at GET /api/v1/ws. Credentials are never
// read from the URL; the first in-band message must be an auth message.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		tickers: make(map[string]struct{}),
	}
	go c.writePump()
	go c.readPump()
}

// readPump authenticates and then processes subscription messages.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)

	// First message must be auth, within the auth deadline.
	c.conn.SetReadDeadline(time.Now().Add(authTimeout))
	var first clientMessage
	if err := c.conn.ReadJSON(&first); err != nil {
		return
	}

	userID, err := c.authenticate(first)
	if err != nil {
		// Distinguished close code: the client must not blindly retry
		// with the same bad token.
		msg := websocket.FormatCloseMessage(CloseAuthRejected, "auth rejected")
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		slog.Warn("gateway auth rejected", "err", err)
		return
	}
	c.userID = userID
	c.hub.register <- c

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Action {
		case "subscribe":
			c.subscribe(msg.Tickers)
		case "unsubscribe":
			c.unsubscribe(msg.Tickers)
		default:
			// Unknown actions are ignored; the protocol may grow.
		}
	}
}

func (c *client) authenticate(msg clientMessage) (string, error) {
	if msg.Action != "auth" {
		return "", errors.New("first message must be auth")
	}
	if msg.Token == "" {
		return "", ErrInvalidToken
	}
	return c.hub.auth.Validate(msg.Token)
}

// writePump drains the send buffer and keeps the connection alive through
// proxies with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
