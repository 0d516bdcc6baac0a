package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gocomet/logistics-dispatch/pkg/logger"
)

// Session kinds.
const (
	KindDriver = "driver"
	KindUser   = "user"
)

var (
	ErrNoSession  = errors.New("no open session")
	ErrBufferFull = errors.New("session send buffer full")
)

type sessionKey struct {
	kind string
	id   string
}

// Hub owns every open connection. Callers outside transport only see
// Send; connections are never handed out.
type Hub struct {
	sessions   map[sessionKey]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
	logger     *logger.Logger

	onClose   func(kind, id string)
	onMessage func(c *Client, msg ClientMessage)
}

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		sessions:   make(map[sessionKey]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log.Named("ws_hub"),
	}
}

// OnLastSessionClosed sets a callback run when the last connection of an
// identity closes. Must be called before Run.
func (h *Hub) OnLastSessionClosed(fn func(kind, id string)) {
	h.onClose = fn
}

// OnMessage sets the handler for application messages sent by clients.
// Must be called before Run.
func (h *Hub) OnMessage(fn func(c *Client, msg ClientMessage)) {
	h.onMessage = fn
}

// Run starts the hub's main loop. Once it returns, Register and
// Unregister no longer block.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			key := sessionKey{client.Kind, client.OwnerID}
			h.mu.Lock()
			if h.sessions[key] == nil {
				h.sessions[key] = make(map[*Client]struct{})
			}
			h.sessions[key][client] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("Client registered",
				logger.String("client_id", client.ID),
				logger.String("kind", client.Kind),
				logger.String("owner_id", client.OwnerID),
			)

		case client := <-h.unregister:
			key := sessionKey{client.Kind, client.OwnerID}
			last := false
			h.mu.Lock()
			if clients, ok := h.sessions[key]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.sessions, key)
						last = true
					}
				}
			}
			h.mu.Unlock()

			h.logger.Info("Client unregistered", logger.String("client_id", client.ID))
			if last && h.onClose != nil {
				h.onClose(client.Kind, client.OwnerID)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, clients := range h.sessions {
		for c := range clients {
			close(c.Send)
		}
		delete(h.sessions, key)
	}
}

// Register registers a new client. After shutdown the client's send
// channel is closed straight away so its pumps exit.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.Send)
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Send delivers a message to every open session of one identity.
func (h *Hub) Send(kind, id string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	clients := h.sessions[sessionKey{kind, id}]
	if len(clients) == 0 {
		return fmt.Errorf("%w: %s %s", ErrNoSession, kind, id)
	}

	sent := 0
	for client := range clients {
		select {
		case client.Send <- data:
			sent++
		default:
			h.logger.Warn("Failed to send message to client",
				logger.String("owner_id", id),
				logger.String("client_id", client.ID),
			)
		}
	}
	if sent == 0 {
		return fmt.Errorf("%w: %s %s", ErrBufferFull, kind, id)
	}
	return nil
}

// BroadcastToBooking sends a message to every client watching a booking
func (h *Hub) BroadcastToBooking(bookingID string, message interface{}) int {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal booking message", logger.Err(err))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, clients := range h.sessions {
		for client := range clients {
			if !client.IsSubscribedToBooking(bookingID) {
				continue
			}
			select {
			case client.Send <- data:
				count++
			default:
				h.logger.Warn("Failed to send booking message to client",
					logger.String("booking_id", bookingID),
					logger.String("client_id", client.ID),
				)
			}
		}
	}
	return count
}

// IsConnected reports whether an identity has at least one open session.
func (h *Hub) IsConnected(kind, id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionKey{kind, id}]) > 0
}

// GetActiveConnections returns the number of active connections
func (h *Hub) GetActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.sessions {
		n += len(clients)
	}
	return n
}

// GetClientsByKind returns count of clients of one kind
func (h *Hub) GetClientsByKind(kind string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for key, clients := range h.sessions {
		if key.kind == kind {
			count += len(clients)
		}
	}
	return count
}
