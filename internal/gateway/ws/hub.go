package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/zerg-ai/zerg/internal/events"
	"github.com/zerg-ai/zerg/internal/metrics"
)

const (
	// sendQueueCap bounds each client's outbound queue. Overflow
	// closes that client only.
	sendQueueCap = 500

	pingInterval = 30 * time.Second
	// maxMissedPongs pings may go unanswered before the client is
	// presumed dead.
	maxMissedPongs = 2
)

// StatusUnauthorized is the close code for failed authentication.
const StatusUnauthorized websocket.StatusCode = 4401

// Client is one connected socket and its topic subscriptions.
type Client struct {
	conn    *websocket.Conn
	send    chan Envelope
	hub     *Hub
	ownerID string

	mu          sync.Mutex
	topics      map[string]struct{}
	missedPongs int

	closeOnce sync.Once
}

// Hub routes bus events to clients by topic.
type Hub struct {
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}

	unsubscribe func()
}

// NewHub builds the hub and bridges it to the bus.
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		bus:     bus,
		logger:  logger,
		clients: make(map[*Client]struct{}),
	}
	h.unsubscribe = bus.Subscribe(h.route)
	return h
}

// route fans one bus event out to every client subscribed to its
// topic. Enqueue is non-blocking; a full queue closes that client
// without stalling siblings.
func (h *Hub) route(e events.Event) {
	env, err := EventEnvelope(e)
	if err != nil {
		h.logger.Error("ws envelope", "error", err)
		return
	}

	h.mu.RLock()
	var overflowed []*Client
	for c := range h.clients {
		if !c.subscribed(e.Topic) {
			continue
		}
		select {
		case c.send <- env:
		default:
			overflowed = append(overflowed, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range overflowed {
		metrics.WSOverflowCloses.Inc()
		h.logger.Warn("ws client overflowed, closing", "owner_id", c.ownerID)
		c.close(websocket.StatusPolicyViolation, CodeQueueOverflow)
	}
}

// ServeWS upgrades an already-authenticated request and runs the
// client until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, ownerID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin is enforced by the CORS layer
	})
	if err != nil {
		h.logger.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn:    conn,
		send:    make(chan Envelope, sendQueueCap),
		hub:     h,
		ownerID: ownerID,
		topics:  make(map[string]struct{}),
	}
	h.register(client)
	metrics.WSClients.Inc()
	defer func() {
		h.unregister(client)
		metrics.WSClients.Dec()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go client.writePump(ctx)
	go client.heartbeat(ctx)
	client.readPump(ctx)
}

// RejectUnauthorized completes the handshake and immediately closes
// with the 4401 auth code, so the client sees a close reason rather
// than a failed upgrade.
func RejectUnauthorized(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	conn.Close(StatusUnauthorized, "authentication required")
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.logger.Info("ws client connected", "owner_id", c.ownerID, "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.logger.Info("ws client disconnected", "owner_id", c.ownerID, "clients", len(h.clients))
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the hub and every client.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutdown")
	}
}

func (c *Client) subscribed(topic string) bool {
	if topic == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

func (c *Client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.conn.Close(code, reason)
	})
}

// drainThenClose waits briefly for the write pump to flush queued
// frames, so a final error envelope reaches the client before the
// close frame.
func (c *Client) drainThenClose(code websocket.StatusCode, reason string) {
	for i := 0; i < 100 && len(c.send) > 0; i++ {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)
	c.close(code, reason)
}

func (c *Client) readPump(ctx context.Context) {
	defer c.close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil || env.Type == "" {
			c.enqueue(ErrorEnvelope(CodeInvalidPayload, "malformed envelope"))
			c.drainThenClose(websocket.StatusProtocolError, CodeInvalidPayload)
			return
		}
		c.handle(env)
	}
}

func (c *Client) handle(env Envelope) {
	switch env.Type {
	case TypeSubscribe, TypeUnsubscribe:
		var p topicPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.Topic == "" {
			c.enqueue(ErrorEnvelope(CodeInvalidPayload, "subscribe needs a topic"))
			return
		}
		c.mu.Lock()
		if env.Type == TypeSubscribe {
			c.topics[p.Topic] = struct{}{}
		} else {
			delete(c.topics, p.Topic)
		}
		c.mu.Unlock()

	case TypePing:
		if pong, err := NewEnvelope(TypePong, "", nil); err == nil {
			c.enqueue(pong)
		}

	case TypePong:
		c.mu.Lock()
		c.missedPongs = 0
		c.mu.Unlock()

	default:
		c.enqueue(ErrorEnvelope(CodeUnknownType, "unknown message type "+env.Type))
	}
}

// heartbeat pings on an interval; two unanswered pings close the
// connection.
func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			c.missedPongs++
			missed := c.missedPongs
			c.mu.Unlock()
			if missed > maxMissedPongs {
				c.close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
			if ping, err := NewEnvelope(TypePing, "", nil); err == nil {
				c.enqueue(ping)
			}
		}
	}
}

// enqueue drops rather than blocks; control frames share the bounded
// queue with events.
func (c *Client) enqueue(env Envelope) {
	select {
	case c.send <- env:
	default:
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.send:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
