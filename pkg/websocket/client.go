package websocket

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Control frames handled by the session itself. Anything else is an
// application message and goes to the hub's message handler.
const (
	frameWatch   = "subscribe"
	frameUnwatch = "unsubscribe"
	framePing    = "ping"
	framePong    = "pong"
)

// Client is one open session. A driver or user may hold several.
type Client struct {
	ID      string
	OwnerID string
	Kind    string // KindDriver or KindUser
	Hub     *Hub
	Conn    *websocket.Conn
	Send    chan []byte

	mu       sync.RWMutex
	watching map[string]struct{} // booking IDs
	logger   *logger.Logger
}

// ClientMessage is a frame received from the peer.
type ClientMessage struct {
	Type     string          `json:"type"`
	EntityID string          `json:"entity_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// NewClient creates a session for ownerID. It is not registered until
// Hub.Register is called.
func NewClient(hub *Hub, conn *websocket.Conn, ownerID, kind string, log *logger.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:       id,
		OwnerID:  ownerID,
		Kind:     kind,
		Hub:      hub,
		Conn:     conn,
		Send:     make(chan []byte, sendBuffer),
		watching: make(map[string]struct{}),
		logger: log.With(
			logger.String("session_id", id),
			logger.String("kind", kind),
			logger.String("owner_id", ownerID),
		),
	}
}

// ReadPump reads frames until the peer goes away, then unregisters the
// session. It must run in its own goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Session closed unexpectedly", logger.Err(err))
			}
			return
		}
		c.handleMessage(frame)
	}
}

// WritePump drains Send onto the connection and keeps it alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the session
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(frame []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.logger.Debug("Dropping malformed frame", logger.Err(err))
		return
	}

	switch msg.Type {
	case frameWatch:
		c.Subscribe(msg.EntityID)
	case frameUnwatch:
		c.Unsubscribe(msg.EntityID)
	case framePing:
		_ = c.SendMessage(Message{Type: framePong})
	default:
		if c.Hub.onMessage == nil {
			c.logger.Debug("No handler for frame", logger.String("type", msg.Type))
			return
		}
		c.Hub.onMessage(c, msg)
	}
}

// Subscribe starts forwarding updates for a booking to this session.
func (c *Client) Subscribe(bookingID string) {
	if bookingID == "" {
		return
	}
	c.mu.Lock()
	c.watching[bookingID] = struct{}{}
	c.mu.Unlock()
}

// Unsubscribe stops forwarding updates for a booking.
func (c *Client) Unsubscribe(bookingID string) {
	c.mu.Lock()
	delete(c.watching, bookingID)
	c.mu.Unlock()
}

func (c *Client) IsSubscribedToBooking(bookingID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.watching[bookingID]
	return ok
}

// SendMessage queues msg for this session only. It never blocks.
func (c *Client) SendMessage(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}
