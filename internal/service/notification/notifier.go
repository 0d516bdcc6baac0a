// Package notification delivers booking events to drivers and users.
// Delivery is best-effort: sink failures are logged and counted, never
// returned to the caller.
package notification

import (
	"context"
	"time"

	"github.com/gocomet/logistics-dispatch/internal/domain/driver"
	"github.com/gocomet/logistics-dispatch/internal/geo"
	"github.com/gocomet/logistics-dispatch/internal/messaging"
	"github.com/gocomet/logistics-dispatch/internal/observability"
	"github.com/gocomet/logistics-dispatch/pkg/logger"
	"github.com/gocomet/logistics-dispatch/pkg/websocket"
)

// Event types.
const (
	EventBookingAssigned      = "booking_assigned"
	EventBookingStatusChanged = "booking_status_changed"
)

// Event is what a recipient receives.
type Event struct {
	Type      string      `json:"type"`
	BookingID string      `json:"booking_id"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Assignment is the payload sent to a driver who was matched to a booking.
type Assignment struct {
	BookingID     string             `json:"booking_id"`
	Pickup        geo.Point          `json:"pickup_point"`
	Dropoff       geo.Point          `json:"dropoff_point"`
	VehicleType   driver.VehicleType `json:"vehicle_type"`
	Price         float64            `json:"price"`
	ScheduledTime *time.Time         `json:"scheduled_time"`
}

// StatusChange is the payload of a status-changed event.
type StatusChange struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	DriverID *string `json:"driver_id,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

// Notifier sends events to one recipient, or to everyone following a
// booking.
type Notifier interface {
	NotifyDriver(ctx context.Context, driverID string, ev Event)
	NotifyUser(ctx context.Context, userID string, ev Event)
	NotifyWatchers(ctx context.Context, bookingID string, ev Event)
}

// SessionSender pushes a message down open client sessions.
type SessionSender interface {
	Send(kind, id string, message interface{}) error
	// BroadcastToBooking reaches every session subscribed to bookingID and
	// returns how many took the message.
	BroadcastToBooking(bookingID string, message interface{}) int
}

// Envelope is the notifications topic payload.
type Envelope struct {
	RecipientKind string `json:"recipient_kind"`
	RecipientID   string `json:"recipient_id"`
	Event         Event  `json:"event"`
}

// Dispatcher fans an event out to the live session (if any) and to the
// notifications topic. Either sink may be nil.
type Dispatcher struct {
	sessions SessionSender
	bus      messaging.Bus
	logger   *logger.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(sessions SessionSender, bus messaging.Bus, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		sessions: sessions,
		bus:      bus,
		logger:   log.Named("notification"),
	}
}

// NotifyDriver implements Notifier.
func (d *Dispatcher) NotifyDriver(ctx context.Context, driverID string, ev Event) {
	d.dispatch(ctx, websocket.KindDriver, driverID, ev)
}

// NotifyUser implements Notifier.
func (d *Dispatcher) NotifyUser(ctx context.Context, userID string, ev Event) {
	d.dispatch(ctx, websocket.KindUser, userID, ev)
}

// NotifyWatchers implements Notifier. Watchers are live sessions only; the
// bus already carries every change on the booking_updates topic.
func (d *Dispatcher) NotifyWatchers(_ context.Context, bookingID string, ev Event) {
	if d.sessions == nil || bookingID == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	n := d.sessions.BroadcastToBooking(bookingID, ev)
	d.logger.Debug("Booking watchers notified",
		logger.String("booking_id", bookingID),
		logger.String("event", ev.Type),
		logger.Int("sessions", n),
	)
}

func (d *Dispatcher) dispatch(ctx context.Context, kind, id string, ev Event) {
	if id == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if d.sessions != nil {
		if err := d.sessions.Send(kind, id, ev); err != nil {
			// no open session is the common case for offline recipients
			d.logger.Debug("Session delivery failed",
				logger.String("kind", kind),
				logger.String("recipient_id", id),
				logger.String("event", ev.Type),
				logger.Err(err),
			)
			observability.NotificationFailures.WithLabelValues("session").Inc()
		}
	}

	if d.bus != nil {
		env := Envelope{RecipientKind: kind, RecipientID: id, Event: ev}
		if err := messaging.PublishJSON(ctx, d.bus, messaging.TopicNotifications, id, env); err != nil {
			d.logger.Warn("Failed to publish notification",
				logger.String("kind", kind),
				logger.String("recipient_id", id),
				logger.String("event", ev.Type),
				logger.Err(err),
			)
			observability.NotificationFailures.WithLabelValues("bus").Inc()
		}
	}
}
