package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"transcript-collab/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Rate limits per minute
type RateLimits struct {
	MaxCursorEvents   int
	MaxMessages       int
	MaxProgressEvents int
	MaxPresenceEvents int
	MaxCommentEvents  int
}

var DefaultRateLimits = RateLimits{
	MaxCursorEvents:   600,
	MaxMessages:       60,
	MaxProgressEvents: 240,
	MaxPresenceEvents: 30,
	MaxCommentEvents:  60,
}

// ClientRateLimiter tracks rate limits per client
type ClientRateLimiter struct {
	cursorTokens   int
	messageTokens  int
	progressTokens int
	presenceTokens int
	commentTokens  int
	lastRefill     time.Time
	mu             sync.Mutex
}

func NewClientRateLimiter() *ClientRateLimiter {
	return &ClientRateLimiter{
		cursorTokens:   DefaultRateLimits.MaxCursorEvents,
		messageTokens:  DefaultRateLimits.MaxMessages,
		progressTokens: DefaultRateLimits.MaxProgressEvents,
		presenceTokens: DefaultRateLimits.MaxPresenceEvents,
		commentTokens:  DefaultRateLimits.MaxCommentEvents,
		lastRefill:     time.Now(),
	}
}

func (rl *ClientRateLimiter) Allow(event string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastRefill) >= time.Minute {
		rl.refillTokens()
		rl.lastRefill = time.Now()
	}

	switch event {
	case events.EventCursorMove:
		if rl.cursorTokens > 0 {
			rl.cursorTokens--
			return true
		}
	case events.EventTeamMessage:
		if rl.messageTokens > 0 {
			rl.messageTokens--
			return true
		}
	case events.EventAnalysisProgress, events.EventShareAnalysis:
		if rl.progressTokens > 0 {
			rl.progressTokens--
			return true
		}
	case events.EventJoinCollaboration, events.EventJoinDocument:
		if rl.presenceTokens > 0 {
			rl.presenceTokens--
			return true
		}
	case events.EventAddComment:
		if rl.commentTokens > 0 {
			rl.commentTokens--
			return true
		}
	default:
		// Unknown events reach the hub, which rejects them itself.
		return true
	}
	return false
}

func (rl *ClientRateLimiter) refillTokens() {
	rl.cursorTokens = DefaultRateLimits.MaxCursorEvents
	rl.messageTokens = DefaultRateLimits.MaxMessages
	rl.progressTokens = DefaultRateLimits.MaxProgressEvents
	rl.presenceTokens = DefaultRateLimits.MaxPresenceEvents
	rl.commentTokens = DefaultRateLimits.MaxCommentEvents
}

// Client represents a single WebSocket connection
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	send         chan []byte
	clientID     string
	claims       AccessClaims
	rateLimiter  *ClientRateLimiter
	connectedAt  time.Time
	lastActivity time.Time
	logger       *WebSocketLogger

	closeMu   sync.Mutex
	isClosing bool
}

func NewClient(hub *Hub, conn *websocket.Conn, clientID string, claims AccessClaims, logger *WebSocketLogger) *Client {
	now := time.Now()
	return &Client{
		hub:          hub,
		conn:         conn,
		send:         make(chan []byte, 256),
		clientID:     clientID,
		claims:       claims,
		rateLimiter:  NewClientRateLimiter(),
		connectedAt:  now,
		lastActivity: now,
		logger:       logger,
	}
}

// sendEvent queues an enveloped event for delivery (non-blocking).
func (c *Client) sendEvent(event string, data any) {
	raw, err := events.Marshal(event, data)
	if err != nil {
		c.logger.Error("marshal outbound event failed", c.clientID, err, zap.String("out_event", event))
		return
	}
	c.enqueue(raw)
}

// enqueue queues a pre-marshalled frame for delivery (non-blocking). The
// readPump calls this concurrently with the hub closing the send channel, so
// both sides synchronize on the closing flag.
func (c *Client) enqueue(raw []byte) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.isClosing {
		return
	}
	select {
	case c.send <- raw:
	default:
		c.logger.Warn("client send buffer full", c.clientID)
	}
}

// closeSend closes the send channel exactly once and stops further enqueues.
func (c *Client) closeSend() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.isClosing {
		return
	}
	c.isClosing = true
	close(c.send)
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.lastActivity = time.Now()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket unexpected close", c.clientID, err)
			}
			break
		}
		c.lastActivity = time.Now()

		env, err := events.Decode(message)
		if err != nil || env.Event == "" {
			c.sendEvent(events.EventError, events.ErrorPayload{Message: "malformed frame"})
			continue
		}

		if !c.rateLimiter.Allow(env.Event) {
			c.logger.Warn("rate limit exceeded", c.clientID, zap.String("in_event", env.Event))
			continue
		}

		c.hub.inbound <- &frame{client: c, event: env.Event, data: env.Data}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

			if time.Since(c.lastActivity) > pongWait*2 {
				c.logger.Info("client idle timeout", c.clientID)
				return
			}
		}
	}
}
