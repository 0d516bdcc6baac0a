package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"

	"github.com/gocomet/logistics-dispatch/internal/api/dto"
	bookingsvc "github.com/gocomet/logistics-dispatch/internal/service/booking"
	"github.com/gocomet/logistics-dispatch/internal/service/pricing"
	"github.com/gocomet/logistics-dispatch/internal/service/tracking"
	apperrors "github.com/gocomet/logistics-dispatch/pkg/errors"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
	"github.com/gocomet/logistics-dispatch/pkg/websocket"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds all handler dependencies
type Handlers struct {
	Registry *tracking.Registry
	Bookings *bookingsvc.Service
	Pricing  *pricing.Service
	Hub      *websocket.Hub
	Logger   *logger.Logger
	Checks   map[string]Pinger // dependencies reported by /health
	Upgrader gorilla.Upgrader
	now      func() time.Time
}

// NewHandlers creates a new Handlers instance
func NewHandlers(registry *tracking.Registry, bookings *bookingsvc.Service, prices *pricing.Service,
	hub *websocket.Hub, log *logger.Logger) *Handlers {
	return &Handlers{
		Registry: registry,
		Bookings: bookings,
		Pricing:  prices,
		Hub:      hub,
		Logger:   log.Named("http"),
		Checks:   make(map[string]Pinger),
		Upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// respondError writes err mapped onto its HTTP status.
func (h *Handlers) respondError(c *gin.Context, err error) {
	appErr := apperrors.FromDomain(err)
	if appErr.Status >= http.StatusInternalServerError {
		h.Logger.Error("Request failed",
			logger.String("path", c.FullPath()),
			logger.Err(err),
		)
	}
	c.JSON(appErr.Status, dto.ErrorResponse{Error: appErr.Code, Message: appErr.Message})
}

func badPayload(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, dto.ErrorResponse{
		Error:   "BAD_REQUEST",
		Message: "Invalid request payload",
		Details: err.Error(),
	})
}

// Health handles GET /health
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.Checks))
	for name, p := range h.Checks {
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":             state,
		"dependencies":       deps,
		"drivers_tracked":    h.Registry.Len(),
		"active_connections": h.Hub.GetActiveConnections(),
		"connections_by_kind": gin.H{
			websocket.KindDriver: h.Hub.GetClientsByKind(websocket.KindDriver),
			websocket.KindUser:   h.Hub.GetClientsByKind(websocket.KindUser),
		},
		"time": h.now(),
	})
}
