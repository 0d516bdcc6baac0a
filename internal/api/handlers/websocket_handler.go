package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gocomet/logistics-dispatch/internal/service/tracking"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
	"github.com/gocomet/logistics-dispatch/pkg/websocket"
)

// HandleWebSocket handles GET /v1/ws?kind=driver|user&id=...
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	ownerID := c.Query("id")
	kind := c.Query("kind")

	if ownerID == "" || (kind != websocket.KindDriver && kind != websocket.KindUser) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": "kind (driver or user) and id are required"})
		return
	}

	conn, err := h.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Error("Failed to upgrade to WebSocket", logger.Err(err))
		return
	}

	client := websocket.NewClient(h.Hub, conn, ownerID, kind, h.Logger)
	h.Hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

// HandleSocketMessage applies application messages sent over a session.
// Drivers may stream location reports instead of calling the REST endpoint.
func (h *Handlers) HandleSocketMessage(c *websocket.Client, msg websocket.ClientMessage) {
	if msg.Type != "location" || c.Kind != websocket.KindDriver {
		h.Logger.Warn("Unsupported socket message",
			logger.String("type", msg.Type),
			logger.String("kind", c.Kind),
		)
		return
	}

	var rep tracking.Report
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		h.reply(c, websocket.Message{Type: "error", Data: "malformed location"})
		return
	}
	// a session can only report for its own driver
	rep.DriverID = c.OwnerID

	outcome, err := h.Registry.ReportLocation(context.Background(), rep)
	if err != nil {
		h.reply(c, websocket.Message{Type: "error", Data: err.Error()})
		return
	}
	h.reply(c, websocket.Message{Type: "location_ack", Data: outcome})
}

// HandleSessionClosed clears a driver from the registry when their last
// session goes away.
func (h *Handlers) HandleSessionClosed(kind, id string) {
	if kind != websocket.KindDriver {
		return
	}
	if h.Registry.Disconnect(context.Background(), id) {
		h.Logger.Info("Driver disconnected", logger.String("driver_id", id))
	}
}

func (h *Handlers) reply(c *websocket.Client, msg websocket.Message) {
	if err := c.SendMessage(msg); err != nil {
		h.Logger.Debug("Dropped socket reply",
			logger.String("session_id", c.ID),
			logger.Err(err),
		)
	}
}
